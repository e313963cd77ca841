// Package item implements the read side of the post store that the delivery
// pipeline consumes: single-row lookups, the thread-ancestor walk and title
// projections for threaded mail subjects.
package item

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Gravity of an item within its thread.
const (
	GravityParent  = 0
	GravityComment = 6
)

// Item is one post or comment.
type Item struct {
	ID        int64  `db:"id"`
	UID       int64  `db:"uid"`
	GUID      string `db:"guid"`
	URI       string `db:"uri"`
	Parent    int64  `db:"parent"` // id of the thread starter
	ParentURI string `db:"parent_uri"`
	ThrParent string `db:"thr_parent"` // uri of the direct parent
	ContactID int64  `db:"contact_id"`
	Gravity   int    `db:"gravity"`
	Network   string `db:"network"`

	Title string `db:"title"`
	Body  string `db:"body"`
	Verb  string `db:"verb"`

	Wall      bool `db:"wall"` // posted on the owner's own wall
	Private   bool `db:"private"`
	Deleted   bool `db:"deleted"`
	Visible   bool `db:"visible"`
	Moderated bool `db:"moderated"`

	// Access control lists; any non-empty list makes the thread private.
	AllowCID string `db:"allow_cid"`
	AllowGID string `db:"allow_gid"`
	DenyCID  string `db:"deny_cid"`
	DenyGID  string `db:"deny_gid"`

	Created time.Time `db:"created"`
	Edited  time.Time `db:"edited"`
}

// TopLevel returns whether the item starts its thread.
func (i *Item) TopLevel() bool {
	return i.Gravity == GravityParent
}

// Restricted returns whether any access control list limits the audience.
func (i *Item) Restricted() bool {
	return i.AllowCID != "" || i.AllowGID != "" || i.DenyCID != "" || i.DenyGID != "" || i.Private
}

// Thread is the result of the ancestor walk for one delivery target.
type Thread struct {
	// Target is the item being delivered.
	Target *Item
	// Parent is the thread starter.
	Parent *Item
	// Items is the visible thread in id order, parent first.
	Items []Item
}

// ErrOrphan gets raised when an item's thread starter is missing.
var ErrOrphan = errors.New("item has no thread parent")

// Store provides access to the item table.
type Store struct {
	DB        *sqlx.DB
	TableName string
}

// NewStore creates an item store on the default table.
func NewStore(db *sqlx.DB) *Store {
	return &Store{DB: db, TableName: "item"}
}

// CreateTable creates the item table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT NOT NULL AUTO_INCREMENT,
	uid BIGINT NOT NULL DEFAULT 0,
	guid VARCHAR(255) NOT NULL DEFAULT '',
	uri VARCHAR(255) NOT NULL DEFAULT '',
	parent BIGINT NOT NULL DEFAULT 0,
	parent_uri VARCHAR(255) NOT NULL DEFAULT '',
	thr_parent VARCHAR(255) NOT NULL DEFAULT '',
	contact_id BIGINT NOT NULL DEFAULT 0,
	gravity TINYINT NOT NULL DEFAULT 0,
	network CHAR(4) NOT NULL DEFAULT '',
	title VARCHAR(255) NOT NULL DEFAULT '',
	body MEDIUMTEXT NOT NULL,
	verb VARCHAR(100) NOT NULL DEFAULT '',
	wall TINYINT(1) NOT NULL DEFAULT 0,
	private TINYINT(1) NOT NULL DEFAULT 0,
	deleted TINYINT(1) NOT NULL DEFAULT 0,
	visible TINYINT(1) NOT NULL DEFAULT 1,
	moderated TINYINT(1) NOT NULL DEFAULT 0,
	allow_cid MEDIUMTEXT NOT NULL,
	allow_gid MEDIUMTEXT NOT NULL,
	deny_cid MEDIUMTEXT NOT NULL,
	deny_gid MEDIUMTEXT NOT NULL,
	created DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	edited DATETIME NOT NULL DEFAULT '0001-01-01 00:00:00',
	PRIMARY KEY (id),
	KEY thread (parent, id),
	KEY identity (uri)
);`, s.TableName)
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Get reads one visible item. Returns sql.ErrNoRows when it does not exist
// or moderation hides it.
func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ? AND visible AND NOT moderated;`, s.TableName)
	item := new(Item)
	if err := s.DB.GetContext(ctx, item, stmt, id); err != nil {
		return nil, err
	}
	return item, nil
}

// ByURI reads one item of a user by its URI.
func (s *Store) ByURI(ctx context.Context, uid int64, uri string) (*Item, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE uid = ? AND uri = ?;`, s.TableName)
	item := new(Item)
	if err := s.DB.GetContext(ctx, item, stmt, uid, uri); err != nil {
		return nil, err
	}
	return item, nil
}

// SelectThread walks the thread of a delivery target: the target itself,
// the thread starter and the visible thread in id order.
// Returns ErrOrphan when the starter is gone, which can happen when a
// deletion races the delivery.
func (s *Store) SelectThread(ctx context.Context, targetID int64) (*Thread, error) {
	target, err := s.Get(ctx, targetID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: item %d not found", ErrOrphan, targetID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read delivery target: %w", err)
	}
	if target.Parent == 0 {
		return nil, fmt.Errorf("%w: item %d has no parent", ErrOrphan, targetID)
	}
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT * FROM %s
WHERE parent = ? AND visible AND NOT moderated ORDER BY id;`, s.TableName)
	var items []Item
	if err := s.DB.SelectContext(ctx, &items, stmt, target.Parent); err != nil {
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}
	thread := &Thread{Target: target, Items: items}
	for i := range items {
		if items[i].ID == target.Parent {
			thread.Parent = &items[i]
		}
	}
	if thread.Parent == nil {
		return nil, fmt.Errorf("%w: parent %d of item %d not found", ErrOrphan, target.Parent, targetID)
	}
	// A deleted thread starter deletes the whole thread; keep a racing
	// deletion from leaking half a thread.
	if items[0].Deleted {
		for i := range items {
			items[i].Deleted = true
		}
		thread.Target.Deleted = true
	}
	return thread, nil
}

// Title returns the subject of a thread: the title of the item with the
// given parent URI, or of any item in that thread.
// Used for threaded mail subjects. Returns "" when no title exists.
func (s *Store) Title(ctx context.Context, uid int64, parentURI string) (string, error) {
	// language=MariaDB
	stmt := fmt.Sprintf(`SELECT title FROM %s WHERE uid = ? AND uri = ? LIMIT 1;`, s.TableName)
	var title string
	err := s.DB.GetContext(ctx, &title, stmt, uid, parentURI)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	if title != "" {
		return title, nil
	}
	// language=MariaDB
	stmt = fmt.Sprintf(`SELECT title FROM %s WHERE uid = ? AND parent_uri = ? AND title != '' LIMIT 1;`, s.TableName)
	err = s.DB.GetContext(ctx, &title, stmt, uid, parentURI)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	return title, nil
}
