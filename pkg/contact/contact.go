// Package contact implements the contact store of the delivery subsystem.
//
// A contact is a remote peer relationship. The worker core consumes it for
// two decisions: whether a delivery to the peer is attempted at all, and how
// often the peer is polled. Liveness is tracked through an archival state
// machine: repeated transport failures first start a countdown (term date),
// then archive the contact, which demotes it to monthly cadence. A single
// successful delivery resurrects it.
package contact

import (
	"strings"
	"time"

	"go.arbor.social/arbor/pkg/queue"
)

// Network tags, the protocol a contact speaks.
const (
	NetworkDFRN        = "dfrn"
	NetworkDiaspora    = "dspr"
	NetworkOStatus     = "stat"
	NetworkActivityPub = "apub"
	NetworkFeed        = "feed"
	NetworkMail        = "mail"
)

// Relationship of the owning user to the contact.
const (
	RelFollower = 1
	RelSharing  = 2
	RelFriend   = 3
)

// Contact is one remote peer relationship of a local user.
type Contact struct {
	ID      int64  `db:"id"`
	UID     int64  `db:"uid"` // owning local user
	URL     string `db:"url"`
	NURL    string `db:"nurl"` // normalized URL, the cross-user identity key
	Addr    string `db:"addr"` // user@host style address
	Network string `db:"network"`
	Rel     int    `db:"rel"`

	// Delivery endpoints.
	Notify string `db:"notify"`
	Poll   string `db:"poll"`
	Batch  string `db:"batch"`
	Pubkey string `db:"pubkey"`

	// Liveness markers.
	LastUpdate    time.Time `db:"last_update"`
	SuccessUpdate time.Time `db:"success_update"`
	FailureUpdate time.Time `db:"failure_update"`
	TermDate      time.Time `db:"term_date"`
	Failed        int       `db:"failed"`
	Archive       bool      `db:"archive"`

	Blocked  bool `db:"blocked"`
	Pending  bool `db:"pending"`
	Readonly bool `db:"readonly"`
	Self     bool `db:"self"`

	// Rating is the poll priority (0 urgent .. 10 monthly) for feed and
	// mail contacts.
	Rating int `db:"rating"`
}

// Terminated returns whether the archival countdown is running.
func (c *Contact) Terminated() bool {
	return c.TermDate.After(queue.NullTime)
}

// NormalizeURL returns the canonical form of a profile URL,
// lowercased with the scheme collapsed to plain http.
func NormalizeURL(url string) string {
	url = strings.ToLower(url)
	return strings.Replace(url, "https://", "http://", 1)
}

// SameHost returns whether two URLs point at the same server,
// used to detect loopback deliveries to the local instance.
func SameHost(a, b string) bool {
	return baseURL(a) == baseURL(b)
}

// baseURL cuts a URL down to scheme://host.
func baseURL(url string) string {
	url = NormalizeURL(url)
	parts := strings.SplitN(url, "/", 4)
	if len(parts) < 3 {
		return url
	}
	return strings.Join(parts[:3], "/")
}
