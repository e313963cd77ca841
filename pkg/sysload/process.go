package sysload

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Process is one row of the process registry.
type Process struct {
	PID     int       `db:"pid"`
	Command string    `db:"command"`
	Created time.Time `db:"created"`
}

// ProcessStore tracks the running worker processes.
// Rows are removed on clean exit; rows of crashed processes linger until a
// liveness probe disproves them.
type ProcessStore struct {
	DB        *sqlx.DB
	TableName string
}

// NewProcessStore creates a process registry on the default table.
func NewProcessStore(db *sqlx.DB) *ProcessStore {
	return &ProcessStore{DB: db, TableName: "process"}
}

// CreateTable creates the process registry table.
func (s *ProcessStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	pid INT NOT NULL PRIMARY KEY,
	command VARCHAR(100) NOT NULL,
	created DATETIME NOT NULL
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Register records a running process. Re-registering refreshes the row.
func (s *ProcessStore) Register(ctx context.Context, pid int, command string) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`INSERT INTO %s (pid, command, created) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE command = VALUES(command), created = VALUES(created);`, s.TableName)
	if _, err := s.DB.ExecContext(ctx, stmt, pid, command, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to register process %d: %w", pid, err)
	}
	return nil
}

// Deregister removes a process row on clean exit.
func (s *ProcessStore) Deregister(ctx context.Context, pid int) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE pid = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, pid)
	return err
}

// All returns every registered process.
func (s *ProcessStore) All(ctx context.Context) ([]Process, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s;`, s.TableName)
	var procs []Process
	err := s.DB.SelectContext(ctx, &procs, stmt)
	return procs, err
}

// CountByCommand returns the number of registered processes per command name.
func (s *ProcessStore) CountByCommand(ctx context.Context, command string) (int, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE command = ?;`, s.TableName)
	var count int
	err := s.DB.GetContext(ctx, &count, stmt, command)
	return count, err
}
