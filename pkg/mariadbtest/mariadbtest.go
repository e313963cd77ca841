package mariadbtest

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// NewSqlx constructs the default backend and returns an sqlx handle
// on a fresh application database.
// The returned backend must be closed at the end of the test.
func NewSqlx(t testing.TB) (*sqlx.DB, Backend) {
	backend := Default(t)
	admin, err := backend.DB("")
	require.NoError(t, err, "Connecting for database setup")
	_, err = admin.Exec("CREATE DATABASE IF NOT EXISTS arbor;")
	require.NoError(t, err, "Creating test database")
	require.NoError(t, admin.Close())
	config := *backend.MySQLConfig()
	config.DBName = "arbor"
	config.ParseTime = true
	config.Loc = time.Local
	db, err := sqlx.Open("mysql", config.FormatDSN())
	require.NoError(t, err, "Opening test database")
	return db, backend
}
