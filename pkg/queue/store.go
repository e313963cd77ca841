package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store provides access to a work queue table.
type Store struct {
	DB        *sqlx.DB
	TableName string
}

// NewStore creates a queue store on the default table.
func NewStore(db *sqlx.DB) *Store {
	return &Store{DB: db, TableName: "workerqueue"}
}

// CreateTable creates the work queue table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	command VARCHAR(100) NOT NULL,
	parameter MEDIUMTEXT NOT NULL,
	priority INT NOT NULL,
	created DATETIME NOT NULL,
	pid INT NOT NULL DEFAULT 0,
	executed DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	next_try DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	retrial INT NOT NULL DEFAULT 0,
	done BOOLEAN NOT NULL DEFAULT FALSE,
	KEY claim_order (done, pid, next_try, priority, retrial, created),
	KEY purge_order (done, executed),
	KEY dedupe (command, done)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Add enqueues a job, deduplicating against identical unclaimed jobs.
// Returns whether a new row was inserted.
func (s *Store) Add(ctx context.Context, spec JobSpec, command string, args ...string) (bool, error) {
	parameter, err := EncodeArgs(args)
	if err != nil {
		return false, err
	}
	priority := spec.Priority
	if !priority.Valid() {
		priority = PriorityMedium
	}
	created := spec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	delayed := spec.Delayed
	if delayed.IsZero() {
		delayed = NullTime
	}
	// language=MariaDB
	existsStmt := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s
WHERE command = ? AND parameter = ? AND NOT done);`, s.TableName)
	var found bool
	if err := s.DB.GetContext(ctx, &found, existsStmt, command, parameter); err != nil {
		return false, fmt.Errorf("failed to check for duplicate job: %w", err)
	}
	if found {
		if spec.ForcePriority {
			// language=MariaDB
			raiseStmt := fmt.Sprintf(`UPDATE %s SET priority = ?
WHERE command = ? AND parameter = ? AND NOT done AND pid = 0;`, s.TableName)
			if _, err := s.DB.ExecContext(ctx, raiseStmt, priority, command, parameter); err != nil {
				return false, fmt.Errorf("failed to raise priority of duplicate job: %w", err)
			}
		}
		return false, nil
	}
	// language=MariaDB
	insertStmt := fmt.Sprintf(`INSERT INTO %s (command, parameter, priority, created, next_try)
VALUES (?, ?, ?, ?, ?);`, s.TableName)
	if _, err := s.DB.ExecContext(ctx, insertStmt, command, parameter, priority, created, delayed); err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	return true, nil
}

// HasPending returns whether any unclaimed, due job exists.
func (s *Store) HasPending(ctx context.Context) (bool, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s
WHERE NOT done AND pid = 0 AND next_try < ?);`, s.TableName)
	var exists bool
	err := s.DB.GetContext(ctx, &exists, stmt, time.Now().UTC())
	return exists, err
}

// CountPending returns the number of unclaimed jobs.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE NOT done AND pid = 0;`, s.TableName)
	var count int
	err := s.DB.GetContext(ctx, &count, stmt)
	return count, err
}

// CountDeferred returns the number of unclaimed jobs waiting for a retry.
func (s *Store) CountDeferred(ctx context.Context) (int, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE NOT done AND pid = 0 AND retrial > 0;`, s.TableName)
	var count int
	err := s.DB.GetContext(ctx, &count, stmt)
	return count, err
}

// CountPendingByCommand returns the number of unclaimed jobs for one command.
func (s *Store) CountPendingByCommand(ctx context.Context, command string) (int, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE NOT done AND pid = 0 AND command = ?;`, s.TableName)
	var count int
	err := s.DB.GetContext(ctx, &count, stmt, command)
	return count, err
}

// HighestPendingPriority returns the most urgent priority among unclaimed, due jobs.
// The second return is false when nothing is pending.
func (s *Store) HighestPendingPriority(ctx context.Context) (Priority, bool, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT priority FROM %s
WHERE NOT done AND pid = 0 AND next_try < ?
ORDER BY priority LIMIT 1;`, s.TableName)
	var priority Priority
	err := s.DB.GetContext(ctx, &priority, stmt, time.Now().UTC())
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	return priority, true, nil
}

// RunningAtOrAbove returns whether any executor holds a job at the given priority or better.
func (s *Store) RunningAtOrAbove(ctx context.Context, priority Priority) (bool, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s
WHERE priority <= ? AND pid != 0 AND NOT done);`, s.TableName)
	var exists bool
	err := s.DB.GetContext(ctx, &exists, stmt, priority)
	return exists, err
}

// RunningByPriority counts the distinct executor pids per priority class.
func (s *Store) RunningByPriority(ctx context.Context) (map[Priority]int, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT COUNT(DISTINCT pid) AS running, priority FROM %s
WHERE pid != 0 AND NOT done GROUP BY priority;`, s.TableName)
	rows, err := s.DB.QueryxContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	running := make(map[Priority]int)
	for rows.Next() {
		var entry struct {
			Running  int      `db:"running"`
			Priority Priority `db:"priority"`
		}
		if err := rows.StructScan(&entry); err != nil {
			return nil, fmt.Errorf("failed to scan running counts: %w", err)
		}
		running[entry.Priority] = entry.Running
	}
	return running, rows.Err()
}

// PriorityFilter restricts which priority classes SelectCandidates considers.
type PriorityFilter struct {
	Exact Priority // only this class, when non-zero
}

// SelectCandidates returns unclaimed, due jobs in claim order.
// Candidates are not reserved, claiming them is a separate step.
func (s *Store) SelectCandidates(ctx context.Context, limit int, filter PriorityFilter) ([]Job, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE NOT done AND pid = 0 AND next_try < ?`, s.TableName)
	args := []interface{}{time.Now().UTC()}
	if filter.Exact != 0 {
		stmt += ` AND priority = ?`
		args = append(args, filter.Exact)
	}
	stmt += ` ORDER BY priority, retrial, created LIMIT ?;`
	args = append(args, limit)
	var jobs []Job
	if err := s.DB.SelectContext(ctx, &jobs, stmt, args...); err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}
	return jobs, nil
}

// PendingPriorities returns the priority classes with unclaimed, due jobs,
// most urgent first.
func (s *Store) PendingPriorities(ctx context.Context) ([]Priority, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT DISTINCT priority FROM %s
WHERE NOT done AND pid = 0 AND next_try < ? ORDER BY priority;`, s.TableName)
	var priorities []Priority
	err := s.DB.SelectContext(ctx, &priorities, stmt, time.Now().UTC())
	return priorities, err
}

// Claim stamps the executor pid onto the given job ids.
// The WHERE guard makes the claim atomic: a job already taken by a racing
// executor is silently skipped. Returns the number of jobs actually claimed.
func (s *Store) Claim(ctx context.Context, pid int, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET executed = ?, pid = ?
WHERE id IN (?) AND pid = 0 AND NOT done;`, s.TableName)
	query, args, err := sqlx.In(stmt, time.Now().UTC(), pid, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to compile claim query: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return res.RowsAffected()
}

// JobsForPID returns the unfinished jobs held by an executor, in claim order.
func (s *Store) JobsForPID(ctx context.Context, pid int) ([]Job, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE pid = ? AND NOT done
ORDER BY priority, retrial, created;`, s.TableName)
	var jobs []Job
	err := s.DB.SelectContext(ctx, &jobs, stmt, pid)
	return jobs, err
}

// InFlight returns all claimed, unfinished jobs, used by the reaper.
func (s *Store) InFlight(ctx context.Context) ([]Job, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE pid != 0 AND NOT done
ORDER BY priority, retrial, created;`, s.TableName)
	var jobs []Job
	err := s.DB.SelectContext(ctx, &jobs, stmt)
	return jobs, err
}

// Heartbeat refreshes the executed timestamp of all jobs held by an executor.
func (s *Store) Heartbeat(ctx context.Context, pid int) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET executed = ? WHERE pid = ? AND NOT done;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, time.Now().UTC(), pid)
	return err
}

// MarkDone completes a job, unless it deferred itself to a future retry.
func (s *Store) MarkDone(ctx context.Context, id int64) (bool, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET done = TRUE WHERE id = ? AND next_try < ?;`, s.TableName)
	res, err := s.DB.ExecContext(ctx, stmt, id, time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// Delete removes a job outright. Used for jobs that can never succeed.
func (s *Store) Delete(ctx context.Context, id int64) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, id)
	return err
}

// Reset returns a job to the unclaimed state. Used when its executor died.
func (s *Store) Reset(ctx context.Context, id int64) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET executed = ?, pid = 0 WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, NullTime, id)
	return err
}

// RequeueFront returns a job to the front of the queue with a new priority,
// used after killing a runaway executor.
func (s *Store) RequeueFront(ctx context.Context, id int64, priority Priority) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET executed = ?, created = ?, priority = ?, pid = 0
WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, NullTime, time.Now().UTC(), priority, id)
	return err
}

// Unclaim releases all jobs held by an executor back to the queue.
func (s *Store) Unclaim(ctx context.Context, pid int) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET executed = ?, pid = 0 WHERE pid = ? AND NOT done;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, NullTime, pid)
	return err
}

// Defer reschedules a job for a future retry attempt.
func (s *Store) Defer(ctx context.Context, id int64, retrial int, nextTry time.Time, priority Priority) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s
SET retrial = ?, next_try = ?, executed = ?, pid = 0, priority = ?
WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, retrial, nextTry, NullTime, priority, id)
	return err
}

// PurgeDone deletes completed jobs whose last heart beat is older than the cutoff.
func (s *Store) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE done AND executed < ?;`, s.TableName)
	res, err := s.DB.ExecContext(ctx, stmt, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Optimize compacts the queue table storage.
// Callers must hold both worker locks, see the cron maintenance job.
func (s *Store) Optimize(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`OPTIMIZE TABLE %s;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}
