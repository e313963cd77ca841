package delivery

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// MailStore provides access to the private message table.
type MailStore struct {
	DB        *sqlx.DB
	TableName string
}

// NewMailStore creates a mail store on the default table.
func NewMailStore(db *sqlx.DB) *MailStore {
	return &MailStore{DB: db, TableName: "mail"}
}

// CreateTable creates the private message table.
func (s *MailStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	uid BIGINT NOT NULL DEFAULT 0,
	contact_id BIGINT NOT NULL DEFAULT 0,
	guid VARCHAR(255) NOT NULL DEFAULT '',
	uri VARCHAR(255) NOT NULL DEFAULT '',
	parent_uri VARCHAR(255) NOT NULL DEFAULT '',
	title VARCHAR(255) NOT NULL DEFAULT '',
	body MEDIUMTEXT NOT NULL,
	PRIMARY KEY (id)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Message reads one private message.
func (s *MailStore) Message(ctx context.Context, id int64) (*Mail, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ?;`, s.TableName)
	m := new(Mail)
	if err := s.DB.GetContext(ctx, m, stmt, id); err != nil {
		return nil, err
	}
	return m, nil
}

// SuggestStore provides access to the friend suggestion table.
type SuggestStore struct {
	DB        *sqlx.DB
	TableName string
}

// NewSuggestStore creates a suggestion store on the default table.
func NewSuggestStore(db *sqlx.DB) *SuggestStore {
	return &SuggestStore{DB: db, TableName: "fsuggest"}
}

// CreateTable creates the friend suggestion table.
func (s *SuggestStore) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	uid BIGINT NOT NULL DEFAULT 0,
	contact_id BIGINT NOT NULL DEFAULT 0,
	name VARCHAR(255) NOT NULL DEFAULT '',
	url VARCHAR(255) NOT NULL DEFAULT '',
	photo VARCHAR(255) NOT NULL DEFAULT '',
	note MEDIUMTEXT NOT NULL,
	PRIMARY KEY (id)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Suggestion reads one friend suggestion.
func (s *SuggestStore) Suggestion(ctx context.Context, id int64) (*Suggestion, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ?;`, s.TableName)
	sg := new(Suggestion)
	if err := s.DB.GetContext(ctx, sg, stmt, id); err != nil {
		return nil, err
	}
	return sg, nil
}

// Delete removes a consumed suggestion.
func (s *SuggestStore) Delete(ctx context.Context, id int64) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt, id)
	return err
}
