// Package kvstore implements the dynamic configuration store.
//
// Static deployment config lives in the config file. Everything the system
// mutates at runtime (cron timestamps, maintenance flag, last-execution
// markers) lives here, in a scoped key-value table shared by all processes.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound gets raised when a key has never been set.
var ErrNotFound = errors.New("config key not found")

// Store provides access to the dynamic config table.
type Store struct {
	DB        *sqlx.DB
	TableName string
}

// NewStore creates a config store on the default table.
func NewStore(db *sqlx.DB) *Store {
	return &Store{DB: db, TableName: "config"}
}

// CreateTable creates the dynamic config table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	scope VARCHAR(50) NOT NULL,
	k VARCHAR(100) NOT NULL,
	v MEDIUMTEXT NOT NULL,
	PRIMARY KEY (scope, k)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Get reads a config value. Returns ErrNotFound for unset keys.
func (s *Store) Get(ctx context.Context, scope, key string) (string, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT v FROM %s WHERE scope = ? AND k = ?;`, s.TableName)
	var value string
	err := s.DB.GetContext(ctx, &value, stmt, scope, key)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to read config %s.%s: %w", scope, key, err)
	}
	return value, nil
}

// Set writes a config value, overwriting any previous one.
func (s *Store) Set(ctx context.Context, scope, key, value string) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`INSERT INTO %s (scope, k, v) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE v = VALUES(v);`, s.TableName)
	if _, err := s.DB.ExecContext(ctx, stmt, scope, key, value); err != nil {
		return fmt.Errorf("failed to write config %s.%s: %w", scope, key, err)
	}
	return nil
}

// Delete removes a config value. Unset keys are a no-op.
func (s *Store) Delete(ctx context.Context, scope, key string) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE scope = ? AND k = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, scope, key)
	return err
}

// GetInt64 reads a config value as an integer.
// Unset keys return the fallback.
func (s *Store) GetInt64(ctx context.Context, scope, key string, fallback int64) (int64, error) {
	value, err := s.Get(ctx, scope, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	} else if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %s.%s is not an integer: %w", scope, key, err)
	}
	return parsed, nil
}

// SetInt64 writes an integer config value.
func (s *Store) SetInt64(ctx context.Context, scope, key string, value int64) error {
	return s.Set(ctx, scope, key, strconv.FormatInt(value, 10))
}

// GetTime reads a config value as a Unix timestamp.
// Unset keys return the zero time.
func (s *Store) GetTime(ctx context.Context, scope, key string) (time.Time, error) {
	unix, err := s.GetInt64(ctx, scope, key, 0)
	if err != nil {
		return time.Time{}, err
	}
	if unix == 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0).UTC(), nil
}

// SetTime writes a timestamp config value.
func (s *Store) SetTime(ctx context.Context, scope, key string, value time.Time) error {
	return s.SetInt64(ctx, scope, key, value.Unix())
}

// GetBool reads a config value as a flag. Unset keys return the fallback.
func (s *Store) GetBool(ctx context.Context, scope, key string, fallback bool) (bool, error) {
	value, err := s.GetInt64(ctx, scope, key, boolInt(fallback))
	if err != nil {
		return false, err
	}
	return value != 0, nil
}

// SetBool writes a flag config value.
func (s *Store) SetBool(ctx context.Context, scope, key string, value bool) error {
	return s.SetInt64(ctx, scope, key, boolInt(value))
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
