package contact

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Owner is the local user on whose behalf the worker delivers.
type Owner struct {
	UID      int64  `db:"uid"`
	Username string `db:"username"`
	Nickname string `db:"nickname"`
	Email    string `db:"email"`
	URL      string `db:"url"`

	// ReplyTo overrides the sender address on outgoing mail when set.
	ReplyTo string `db:"reply_to"`

	// PrivateNetworks suppresses delivery to public-only protocols.
	PrivateNetworks bool `db:"prvnets"`

	AccountExpired bool      `db:"account_expired"`
	AccountRemoved bool      `db:"account_removed"`
	LoginDate      time.Time `db:"login_date"`
}

// OwnerStore provides access to the local user table.
type OwnerStore struct {
	DB        *sqlx.DB
	TableName string
}

// NewOwnerStore creates an owner store on the default table.
func NewOwnerStore(db *sqlx.DB) *OwnerStore {
	return &OwnerStore{DB: db, TableName: "user"}
}

// CreateTable creates the user table.
func (s *OwnerStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	uid BIGINT NOT NULL AUTO_INCREMENT,
	username VARCHAR(255) NOT NULL DEFAULT '',
	nickname VARCHAR(255) NOT NULL DEFAULT '',
	email VARCHAR(255) NOT NULL DEFAULT '',
	url VARCHAR(255) NOT NULL DEFAULT '',
	reply_to VARCHAR(255) NOT NULL DEFAULT '',
	prvnets TINYINT(1) NOT NULL DEFAULT 0,
	account_expired TINYINT(1) NOT NULL DEFAULT 0,
	account_removed TINYINT(1) NOT NULL DEFAULT 0,
	login_date DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	PRIMARY KEY (uid)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// ByUID reads one active user.
// Returns sql.ErrNoRows for missing, expired and removed accounts.
func (s *OwnerStore) ByUID(ctx context.Context, uid int64) (*Owner, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s
WHERE uid = ? AND NOT account_expired AND NOT account_removed;`, s.TableName)
	owner := new(Owner)
	if err := s.DB.GetContext(ctx, owner, stmt, uid); err != nil {
		return nil, err
	}
	return owner, nil
}
