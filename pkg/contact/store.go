package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"go.arbor.social/arbor/pkg/queue"
)

// ErrNotDeliverable gets raised when a contact must not receive deliveries,
// because it is missing, archived, blocked, pending or the user themselves.
var ErrNotDeliverable = errors.New("contact is not deliverable")

// Store provides access to the contact table.
type Store struct {
	DB        *sqlx.DB
	TableName string
	UserTable string

	// ArchiveThreshold is the consecutive failure count that archives a
	// contact. ArchiveWindow archives it regardless once failures span the
	// whole window since the countdown started.
	ArchiveThreshold int
	ArchiveWindow    time.Duration
}

// NewStore creates a contact store on the default tables.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		DB:               db,
		TableName:        "contact",
		UserTable:        "user",
		ArchiveThreshold: 3,
		ArchiveWindow:    32 * 24 * time.Hour,
	}
}

// CreateTable creates the contact table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	uid BIGINT NOT NULL DEFAULT 0,
	url VARCHAR(255) NOT NULL DEFAULT '',
	nurl VARCHAR(255) NOT NULL DEFAULT '',
	addr VARCHAR(255) NOT NULL DEFAULT '',
	network CHAR(4) NOT NULL DEFAULT '',
	rel TINYINT NOT NULL DEFAULT 0,
	notify VARCHAR(255) NOT NULL DEFAULT '',
	poll VARCHAR(255) NOT NULL DEFAULT '',
	batch VARCHAR(255) NOT NULL DEFAULT '',
	pubkey TEXT NOT NULL,
	last_update DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	success_update DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	failure_update DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	term_date DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	failed INT NOT NULL DEFAULT 0,
	archive TINYINT(1) NOT NULL DEFAULT 0,
	blocked TINYINT(1) NOT NULL DEFAULT 0,
	pending TINYINT(1) NOT NULL DEFAULT 0,
	readonly TINYINT(1) NOT NULL DEFAULT 0,
	self TINYINT(1) NOT NULL DEFAULT 0,
	rating TINYINT NOT NULL DEFAULT 0,
	PRIMARY KEY (id),
	KEY identity (nurl),
	KEY poll_order (self, blocked, network, last_update)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Get reads one contact. Returns sql.ErrNoRows when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*Contact, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ?;`, s.TableName)
	contact := new(Contact)
	if err := s.DB.GetContext(ctx, contact, stmt, id); err != nil {
		return nil, err
	}
	return contact, nil
}

// Deliverable reads a contact that may receive deliveries.
// Returns ErrNotDeliverable for missing, archived, blocked, pending and
// self contacts.
func (s *Store) Deliverable(ctx context.Context, id int64) (*Contact, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s
WHERE id = ? AND NOT archive AND NOT blocked AND NOT pending AND NOT self;`,
		s.TableName)
	contact := new(Contact)
	err := s.DB.GetContext(ctx, contact, stmt, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id=%d", ErrNotDeliverable, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read contact: %w", err)
	}
	return contact, nil
}

// IsArchived returns whether a contact is archived.
func (s *Store) IsArchived(ctx context.Context, id int64) (bool, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT archive FROM %s WHERE id = ?;`, s.TableName)
	var archived bool
	err := s.DB.GetContext(ctx, &archived, stmt, id)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return archived, nil
}

// SelfUID returns the user whose self contact carries the given normalized
// URL, the import target of a loopback delivery. Returns sql.ErrNoRows when
// the URL does not belong to this instance.
func (s *Store) SelfUID(ctx context.Context, nurl string) (int64, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT uid FROM %s WHERE nurl = ? AND self;`, s.TableName)
	var uid int64
	if err := s.DB.GetContext(ctx, &uid, stmt, nurl); err != nil {
		return 0, err
	}
	return uid, nil
}

// MarkForArchival records a failed delivery or poll.
//
// The first failure starts the term countdown. The contact is archived once
// the failures reach the threshold, or once they span the whole archive
// window, whichever comes first. All rows sharing the contact's normalized
// URL move together, the peer is the same server regardless of which local
// user it is attached to. Archived and self contacts are left alone.
func (s *Store) MarkForArchival(ctx context.Context, c *Contact) error {
	if c.Archive || c.Self {
		return nil
	}
	now := time.Now().UTC()
	c.Failed++
	c.FailureUpdate = now
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET failed = failed + 1, failure_update = ? WHERE id = ?;`, s.TableName)
	if _, err := s.DB.ExecContext(ctx, stmt, now, c.ID); err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	if !c.Terminated() {
		c.TermDate = now
		// language=MariaDB
		stmt := fmt.Sprintf(`UPDATE %s SET term_date = ? WHERE nurl = ? AND term_date <= ? AND NOT self;`, s.TableName)
		if _, err := s.DB.ExecContext(ctx, stmt, now, c.NURL, queue.NullTime); err != nil {
			return fmt.Errorf("failed to start archival countdown: %w", err)
		}
	}
	if c.Failed < s.ArchiveThreshold && now.Before(c.TermDate.Add(s.ArchiveWindow)) {
		return nil
	}
	c.Archive = true
	// language=MariaDB
	stmt = fmt.Sprintf(`UPDATE %s SET archive = TRUE WHERE nurl = ? AND NOT self;`, s.TableName)
	if _, err := s.DB.ExecContext(ctx, stmt, c.NURL); err != nil {
		return fmt.Errorf("failed to archive contact: %w", err)
	}
	return nil
}

// UnmarkForArchival cancels the archival countdown after a successful
// delivery or poll. Contacts that were never marked are a no-op.
func (s *Store) UnmarkForArchival(ctx context.Context, c *Contact) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ? AND (term_date > ? OR archive);`, s.TableName)
	var marked int
	if err := s.DB.GetContext(ctx, &marked, stmt, c.ID, queue.NullTime); err != nil {
		return fmt.Errorf("failed to check archival state: %w", err)
	}
	if marked == 0 {
		return nil
	}
	// The dead contact has come back to life.
	c.TermDate = queue.NullTime
	c.Failed = 0
	c.Archive = false
	// language=MariaDB
	stmt = fmt.Sprintf(`UPDATE %s SET term_date = ?, failed = 0, archive = FALSE WHERE nurl = ?;`, s.TableName)
	if _, err := s.DB.ExecContext(ctx, stmt, queue.NullTime, c.NURL); err != nil {
		return fmt.Errorf("failed to unarchive contact: %w", err)
	}
	return nil
}

// RecordPoll updates the liveness timestamps after a poll attempt.
func (s *Store) RecordPoll(ctx context.Context, id int64, success bool) error {
	now := time.Now().UTC()
	column := "failure_update"
	if success {
		column = "success_update"
	}
	// language=MariaDB
	stmt := fmt.Sprintf(`UPDATE %s SET last_update = ?, %s = ? WHERE id = ?;`, s.TableName, column)
	if _, err := s.DB.ExecContext(ctx, stmt, now, now, id); err != nil {
		return fmt.Errorf("failed to record poll: %w", err)
	}
	return nil
}

// SelectPollable returns the contacts eligible for polling: a poll-capable
// network, not self, not blocked, and an owning user that is neither expired
// nor removed. With abandonedAfter > 0, users who have not logged in within
// that window are skipped. The limit bounds one cron cycle.
func (s *Store) SelectPollable(ctx context.Context, networks []string, abandonedAfter time.Duration, limit int) ([]Contact, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT c.* FROM %s AS c
INNER JOIN %s AS u ON u.uid = c.uid
WHERE c.network IN (?) AND NOT c.self AND NOT c.blocked
	AND NOT u.account_expired AND NOT u.account_removed
	AND (? = 0 OR u.login_date > ?)
ORDER BY c.last_update
LIMIT ?;`, s.TableName, s.UserTable)
	var cutoffFlag int
	cutoff := queue.NullTime
	if abandonedAfter > 0 {
		cutoffFlag = 1
		cutoff = time.Now().UTC().Add(-abandonedAfter)
	}
	query, args, err := sqlx.In(stmt, networks, cutoffFlag, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build pollable query: %w", err)
	}
	var contacts []Contact
	if err := s.DB.SelectContext(ctx, &contacts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select pollable contacts: %w", err)
	}
	return contacts, nil
}
