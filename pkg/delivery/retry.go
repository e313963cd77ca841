package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/queue"
	"go.arbor.social/arbor/pkg/worker"
)

// RetryCommand is the name of the redelivery job on the queue.
const RetryCommand = "Deliverq"

// RetryEntry is one parked payload awaiting redelivery.
type RetryEntry struct {
	ID          int64     `db:"id"`
	ContactID   int64     `db:"cid"`
	Network     string    `db:"network"`
	GUID        string    `db:"guid"`
	Content     string    `db:"content"` // JSON-encoded envelope
	Created     time.Time `db:"created"`
	LastAttempt time.Time `db:"last_attempt"`
	Failed      int       `db:"failed"`
}

// Envelope decodes the parked payload.
func (e *RetryEntry) Envelope() (*Envelope, error) {
	env := new(Envelope)
	if err := json.Unmarshal([]byte(e.Content), env); err != nil {
		return nil, fmt.Errorf("corrupt retry payload %d: %w", e.ID, err)
	}
	return env, nil
}

// RetryQueue is the retry store surface the pipeline consumes.
type RetryQueue interface {
	Add(ctx context.Context, cid int64, network string, env *Envelope) error
	Get(ctx context.Context, id int64) (*RetryEntry, error)
	Done(ctx context.Context, id int64) error
	Attempted(ctx context.Context, id int64) error
}

// RetryStore parks failed delivery payloads for later redelivery.
// Entries are keyed by contact, protocol and payload guid: a payload that
// fails twice towards the same peer stays a single entry.
type RetryStore struct {
	DB        *sqlx.DB
	TableName string
}

// NewRetryStore creates a retry store on the default table.
func NewRetryStore(db *sqlx.DB) *RetryStore {
	return &RetryStore{DB: db, TableName: "deliverq"}
}

// CreateTable creates the retry queue table.
func (s *RetryStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	cid BIGINT NOT NULL,
	network CHAR(4) NOT NULL DEFAULT '',
	guid VARCHAR(255) NOT NULL DEFAULT '',
	content MEDIUMTEXT NOT NULL,
	created DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	last_attempt DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	failed INT NOT NULL DEFAULT 0,
	PRIMARY KEY (id),
	UNIQUE KEY payload (cid, network, guid)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Add parks a payload. Re-adding an already parked payload only counts the
// failure instead of inserting a duplicate.
func (s *RetryStore) Add(ctx context.Context, cid int64, network string, env *Envelope) error {
	content, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode retry payload: %w", err)
	}
	now := time.Now().UTC()
	// language=MariaDB
	stmt := fmt.Sprintf(`INSERT INTO %s (cid, network, guid, content, created, last_attempt, failed)
VALUES (?, ?, ?, ?, ?, ?, 1)
ON DUPLICATE KEY UPDATE failed = failed + 1, last_attempt = VALUES(last_attempt);`,
		s.TableName)
	if _, err := s.DB.ExecContext(ctx, stmt, cid, network, env.GUID, content, now, now); err != nil {
		return fmt.Errorf("failed to park retry payload: %w", err)
	}
	return nil
}

// Get reads one entry. Returns sql.ErrNoRows when it is gone, which happens
// when a parallel redelivery already succeeded.
func (s *RetryStore) Get(ctx context.Context, id int64) (*RetryEntry, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ?;`, s.TableName)
	entry := new(RetryEntry)
	if err := s.DB.GetContext(ctx, entry, stmt, id); err != nil {
		return nil, err
	}
	return entry, nil
}

// SelectDue returns entries whose last attempt is older than the pause,
// oldest first.
func (s *RetryStore) SelectDue(ctx context.Context, pause time.Duration, limit int) ([]RetryEntry, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE last_attempt < ? ORDER BY last_attempt LIMIT ?;`,
		s.TableName)
	var entries []RetryEntry
	cutoff := time.Now().UTC().Add(-pause)
	if err := s.DB.SelectContext(ctx, &entries, stmt, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to select due retries: %w", err)
	}
	return entries, nil
}

// Done removes a redelivered entry.
func (s *RetryStore) Done(ctx context.Context, id int64) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, id)
	return err
}

// Attempted counts another failed redelivery.
func (s *RetryStore) Attempted(ctx context.Context, id int64) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET failed = failed + 1, last_attempt = ? WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, time.Now().UTC(), id)
	return err
}

// RetryPriority maps the failure count of an entry to the queue priority of
// its redelivery job: fresh failures retry urgently, stale ones trail off.
func RetryPriority(failed int) queue.Priority {
	switch {
	case failed < 3:
		return queue.PriorityHigh
	case failed < 6:
		return queue.PriorityMedium
	case failed < 8:
		return queue.PriorityLow
	}
	return queue.PriorityNegligible
}

// RetryHandler adapts redelivery to the job queue.
// The job argument is the retry entry id.
func (d *Deliverer) RetryHandler() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("redelivery job needs the entry id")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid retry entry id: %w", err)
		}
		return d.Redeliver(ctx, id)
	})
}

// Redeliver retries one parked payload.
func (d *Deliverer) Redeliver(ctx context.Context, id int64) error {
	entry, err := d.Retry.Get(ctx, id)
	if err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return err
	}
	env, err := entry.Envelope()
	if err != nil {
		// The payload can never be redelivered, drop it.
		d.Log.Warn("Dropping corrupt retry entry", zap.Int64("retry.id", id), zap.Error(err))
		return d.Retry.Done(ctx, id)
	}
	target, err := d.Contacts.Deliverable(ctx, entry.ContactID)
	if errors.Is(err, contact.ErrNotDeliverable) {
		d.Log.Info("Retry contact is no longer deliverable, dropping entry",
			zap.Int64("retry.id", id), zap.Int64("retry.contact", entry.ContactID))
		return d.Retry.Done(ctx, id)
	} else if err != nil {
		return err
	}

	var status int
	switch entry.Network {
	case contact.NetworkDFRN:
		status, err = d.DFRN.Transmit(ctx, env.Owner, target, env)
	case contact.NetworkDiaspora:
		var sent bool
		status, sent, err = d.diasporaSend(ctx, env, target)
		if !sent {
			return d.Retry.Done(ctx, id)
		}
	default:
		return d.Retry.Done(ctx, id)
	}
	if err != nil {
		d.Log.Warn("Redelivery transport error", zap.Int64("retry.id", id), zap.Error(err))
		status = 0
	}
	if delivered(status) {
		if err := d.Contacts.UnmarkForArchival(ctx, target); err != nil {
			return err
		}
		return d.Retry.Done(ctx, id)
	}
	if err := d.Contacts.MarkForArchival(ctx, target); err != nil {
		return err
	}
	return d.Retry.Attempted(ctx, id)
}
