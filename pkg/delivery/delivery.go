// Package delivery implements the outbound delivery pipeline.
//
// A delivery job names a command, a target record and a receiving contact.
// The pipeline resolves the target's thread, the sending user and the
// contact, classifies the message visibility, and dispatches to the protocol
// branch matching the contact's network. Transport results feed the
// contact's archival state: a 2xx resurrects a contact, failures start the
// countdown to archival. Hard failures additionally park the payload in a
// retry queue for redelivery by the cron cycle.
//
// Protocol payload encoding stays behind the sender interfaces; the
// pipeline decides what to send to whom, not how bytes look on the wire.
package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/cachegc"
	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/hooks"
	"go.arbor.social/arbor/pkg/item"
	"go.arbor.social/arbor/pkg/worker"
)

// Command is the name of the delivery job on the queue.
const Command = "Delivery"

// Delivery commands.
const (
	CommandMail          = "mail"
	CommandSuggestion    = "suggest"
	CommandRelocation    = "relocate"
	CommandDeletion      = "drop"
	CommandPost          = "wall-new"
	CommandPoke          = "poke"
	CommandUplink        = "uplink"
	CommandRemoval       = "removeme"
	CommandProfileUpdate = "profileupdate"
)

// ActivityPost is the verb of a plain post, the only kind delivered by mail.
const ActivityPost = "post"

// Mode tells a sender which protocol message to build.
type Mode int

// Envelope modes.
const (
	ModeThread Mode = iota // full thread or thread slice
	ModeFollowup
	ModeMail
	ModeSuggestion
	ModeRelocation
	ModeRetraction
	ModeRelay
	ModeStatus
)

// Envelope describes one protocol message. It is what the pipeline hands to
// a sender, and what the retry queue preserves for redelivery.
type Envelope struct {
	Command    string         `json:"command"`
	Mode       Mode           `json:"mode"`
	GUID       string         `json:"guid"`
	Public     bool           `json:"public"`
	TopLevel   bool           `json:"top_level"`
	Owner      *contact.Owner `json:"owner"`
	Items      []item.Item    `json:"items,omitempty"`
	Mail       *Mail          `json:"mail,omitempty"`
	Suggestion *Suggestion    `json:"suggestion,omitempty"`
}

// Target returns the item being delivered, the last of the envelope items.
func (e *Envelope) Target() *item.Item {
	if len(e.Items) == 0 {
		return nil
	}
	return &e.Items[len(e.Items)-1]
}

// Mail is a private message delivered to a single contact.
type Mail struct {
	ID        int64  `json:"id" db:"id"`
	UID       int64  `json:"uid" db:"uid"`
	ContactID int64  `json:"contact_id" db:"contact_id"`
	GUID      string `json:"guid" db:"guid"`
	URI       string `json:"uri" db:"uri"`
	ParentURI string `json:"parent_uri" db:"parent_uri"`
	Title     string `json:"title" db:"title"`
	Body      string `json:"body" db:"body"`
}

// Suggestion is a friend suggestion forwarded to a contact.
type Suggestion struct {
	ID        int64  `json:"id" db:"id"`
	UID       int64  `json:"uid" db:"uid"`
	ContactID int64  `json:"contact_id" db:"contact_id"`
	Name      string `json:"name" db:"name"`
	URL       string `json:"url" db:"url"`
	Photo     string `json:"photo" db:"photo"`
	Note      string `json:"note" db:"note"`
}

// Contacts is the contact store surface the pipeline consumes.
type Contacts interface {
	Deliverable(ctx context.Context, id int64) (*contact.Contact, error)
	SelfUID(ctx context.Context, nurl string) (int64, error)
	MarkForArchival(ctx context.Context, c *contact.Contact) error
	UnmarkForArchival(ctx context.Context, c *contact.Contact) error
}

// Owners resolves the sending local user.
type Owners interface {
	ByUID(ctx context.Context, uid int64) (*contact.Owner, error)
}

// Items is the item store surface the pipeline consumes.
type Items interface {
	SelectThread(ctx context.Context, targetID int64) (*item.Thread, error)
	ByURI(ctx context.Context, uid int64, uri string) (*item.Item, error)
	Title(ctx context.Context, uid int64, parentURI string) (string, error)
}

// Mails loads private message records.
type Mails interface {
	Message(ctx context.Context, id int64) (*Mail, error)
}

// Suggestions loads and consumes friend suggestion records.
type Suggestions interface {
	Suggestion(ctx context.Context, id int64) (*Suggestion, error)
	Delete(ctx context.Context, id int64) error
}

// Config is the dynamic configuration surface.
type Config interface {
	GetBool(ctx context.Context, scope, key string, fallback bool) (bool, error)
	Get(ctx context.Context, scope, key string) (string, error)
}

// DFRNSender transmits DFRN payloads.
// Transmit returns an HTTP-like status code; >=200 and <300 is success,
// <200 is a soft failure (the peer speaks an older dialect), anything else
// is a hard transport failure.
type DFRNSender interface {
	Transmit(ctx context.Context, owner *contact.Owner, c *contact.Contact, env *Envelope) (int, error)
	// Import performs a loopback delivery to a local user without touching
	// the network.
	Import(ctx context.Context, uid int64, env *Envelope) error
}

// DiasporaSender transmits Diaspora payloads, one method per message kind.
type DiasporaSender interface {
	SendMail(ctx context.Context, m *Mail, owner *contact.Owner, c *contact.Contact) error
	SendRetraction(ctx context.Context, env *Envelope, c *contact.Contact) (int, error)
	SendFollowup(ctx context.Context, env *Envelope, c *contact.Contact) (int, error)
	SendRelay(ctx context.Context, env *Envelope, c *contact.Contact) (int, error)
	SendStatus(ctx context.Context, env *Envelope, c *contact.Contact) (int, error)
	SendMigration(ctx context.Context, env *Envelope, c *contact.Contact) (int, error)
}

// MailSender hands a finished message to the MTA.
type MailSender interface {
	Send(ctx context.Context, addr, subject, headers string, target *item.Item) error
}

// Options configure the delivery pipeline.
type Options struct {
	// BaseURL of the local instance, for loopback and followup detection.
	BaseURL string
	// OwnerCacheTTL bounds how long owner records are served from cache.
	OwnerCacheTTL time.Duration
	// OwnerCacheSize bounds the owner cache.
	OwnerCacheSize int
}

// DefaultOptions for the delivery pipeline.
var DefaultOptions = Options{
	OwnerCacheTTL:  5 * time.Minute,
	OwnerCacheSize: 256,
}

// Deliverer executes delivery jobs.
type Deliverer struct {
	Log      *zap.Logger
	Contacts Contacts
	Owners   Owners
	Items    Items
	Mails    Mails
	Suggests Suggestions
	Config   Config
	Retry    RetryQueue
	Hooks    *hooks.Registry

	DFRN     DFRNSender
	Diaspora DiasporaSender
	Mailer   MailSender

	Options    *Options
	ownerCache *cachegc.Cache
}

// NewDeliverer creates a delivery pipeline.
func NewDeliverer(log *zap.Logger, opts *Options) (*Deliverer, error) {
	lru, err := simplelru.NewLRU(opts.OwnerCacheSize, nil)
	if err != nil {
		return nil, err
	}
	cache := cachegc.NewCache(lru, opts.OwnerCacheTTL)
	return &Deliverer{Log: log, Options: opts, ownerCache: cache}, nil
}

// Handler adapts the pipeline to the job queue.
// Job arguments are [command, target id, contact id].
func (d *Deliverer) Handler() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, args []string) error {
		if len(args) < 3 {
			return fmt.Errorf("delivery job needs 3 arguments, got %d", len(args))
		}
		targetID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delivery target id: %w", err)
		}
		contactID, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delivery contact id: %w", err)
		}
		return d.Deliver(ctx, args[0], targetID, contactID)
	})
}

// Deliver runs the delivery state machine for one (command, target, contact)
// triple. Aborted deliveries (missing records, ineligible contacts) return
// nil: re-running them cannot succeed, so the job completes.
func (d *Deliverer) Deliver(ctx context.Context, cmd string, targetID, contactID int64) error {
	d.Log.Info("Delivery invoked",
		zap.String("delivery.cmd", cmd),
		zap.Int64("delivery.target", targetID),
		zap.Int64("delivery.contact", contactID))

	env, uid, err := d.resolveTarget(ctx, cmd, targetID)
	if err != nil {
		return err
	}
	if env == nil {
		// Target vanished, nothing to deliver.
		return nil
	}
	owner, err := d.owner(ctx, uid)
	if err == sql.ErrNoRows {
		d.Log.Info("Delivery without active owner, skipping", zap.Int64("delivery.uid", uid))
		return nil
	} else if err != nil {
		return err
	}
	env.Owner = owner

	target, err := d.Contacts.Deliverable(ctx, contactID)
	if errors.Is(err, contact.ErrNotDeliverable) {
		d.Log.Info("Contact is not deliverable, skipping",
			zap.Int64("delivery.contact", contactID))
		return nil
	} else if err != nil {
		return err
	}

	network := d.effectiveNetwork(ctx, env, target)
	d.Log.Info("Delivering",
		zap.String("delivery.cmd", cmd),
		zap.String("delivery.guid", env.GUID),
		zap.String("delivery.network", network),
		zap.Bool("delivery.followup", env.Mode == ModeFollowup),
		zap.Bool("delivery.public", env.Public))

	switch network {
	case contact.NetworkDFRN:
		return d.deliverDFRN(ctx, env, target)
	case contact.NetworkDiaspora:
		return d.deliverDiaspora(ctx, env, target)
	case contact.NetworkMail:
		return d.deliverMail(ctx, env, target)
	default:
		// OStatus and ActivityPub distribution run outside this pipeline.
		return nil
	}
}

// resolveTarget loads the record the command delivers and its sending user.
// A nil envelope without error means the target is gone.
func (d *Deliverer) resolveTarget(ctx context.Context, cmd string, targetID int64) (*Envelope, int64, error) {
	switch cmd {
	case CommandMail:
		m, err := d.Mails.Message(ctx, targetID)
		if err == sql.ErrNoRows {
			return nil, 0, nil
		} else if err != nil {
			return nil, 0, err
		}
		return &Envelope{Command: cmd, Mode: ModeMail, GUID: m.GUID, Mail: m}, m.UID, nil
	case CommandSuggestion:
		s, err := d.Suggests.Suggestion(ctx, targetID)
		if err == sql.ErrNoRows {
			return nil, 0, nil
		} else if err != nil {
			return nil, 0, err
		}
		return &Envelope{Command: cmd, Mode: ModeSuggestion, Suggestion: s}, s.UID, nil
	case CommandRelocation:
		// The target of a relocation is the moving user.
		return &Envelope{Command: cmd, Mode: ModeRelocation}, targetID, nil
	default:
		return d.resolveThread(ctx, cmd, targetID)
	}
}

// resolveThread walks the target item's thread and classifies the message.
func (d *Deliverer) resolveThread(ctx context.Context, cmd string, targetID int64) (*Envelope, int64, error) {
	thread, err := d.Items.SelectThread(ctx, targetID)
	if errors.Is(err, item.ErrOrphan) {
		d.Log.Info("Delivery target has no thread, skipping",
			zap.Int64("delivery.target", targetID), zap.Error(err))
		return nil, 0, nil
	} else if err != nil {
		return nil, 0, err
	}
	target, parent := thread.Target, thread.Parent

	env := &Envelope{
		Command:  cmd,
		Mode:     ModeThread,
		GUID:     target.GUID,
		TopLevel: target.TopLevel(),
		Public:   !parent.Restricted(),
	}

	// A comment to a thread that started elsewhere only notifies the thread
	// owner, who relays it. The local origin of the comment is recognized by
	// our own host in its URI.
	if !env.TopLevel && !parent.Wall && containsHost(target.URI, d.Options.BaseURL) {
		env.Mode = ModeFollowup
		env.Items = []item.Item{*target}
		d.Log.Debug("Followup", zap.String("delivery.guid", target.GUID))
		return env, target.UID, nil
	}

	if target.Deleted {
		// Deletions carry only the retracted entry.
		env.Items = []item.Item{*target}
	} else {
		for _, it := range thread.Items {
			// Private entries may sit inside public conversations; they
			// stay home.
			if env.Public && it.Private {
				continue
			}
			if it.ID == target.ID || it.ID == parent.ID {
				env.Items = append(env.Items, it)
			}
		}
	}
	return env, target.UID, nil
}

// effectiveNetwork picks the protocol branch for a contact.
//
// Threads that started on Diaspora stay on Diaspora even when the contact
// usually speaks DFRN, their URIs would not match otherwise. Contacts on the
// local instance always go through DFRN, whose loopback path imports
// directly.
func (d *Deliverer) effectiveNetwork(ctx context.Context, env *Envelope, c *contact.Contact) string {
	network := c.Network
	if target := env.Target(); target != nil && env.Mode != ModeMail {
		if target.Network == contact.NetworkDiaspora {
			network = contact.NetworkDiaspora
		} else if thrParent, err := d.Items.ByURI(ctx, target.UID, target.ThrParent); err == nil &&
			thrParent.Network == contact.NetworkDiaspora {
			network = contact.NetworkDiaspora
		}
	}
	if _, err := d.Contacts.SelfUID(ctx, contact.NormalizeURL(c.URL)); err == nil {
		network = contact.NetworkDFRN
	}
	return network
}

// owner resolves a sending user through the cache.
func (d *Deliverer) owner(ctx context.Context, uid int64) (*contact.Owner, error) {
	if cached, ok := d.ownerCache.Get(uid); ok {
		return cached.(*contact.Owner), nil
	}
	owner, err := d.Owners.ByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	d.ownerCache.Add(uid, owner)
	return owner, nil
}

// deliverDFRN delivers an envelope over DFRN.
func (d *Deliverer) deliverDFRN(ctx context.Context, env *Envelope, c *contact.Contact) error {
	if env.Mode == ModeSuggestion {
		// The suggestion is consumed by its delivery.
		defer func() {
			if err := d.Suggests.Delete(ctx, env.Suggestion.ID); err != nil {
				d.Log.Warn("Failed to delete delivered suggestion", zap.Error(err))
			}
		}()
	}

	// Loopback: the contact lives on this instance, import directly instead
	// of a network round-trip.
	if uid, err := d.Contacts.SelfUID(ctx, contact.NormalizeURL(c.URL)); err == nil {
		d.Log.Info("Local delivery", zap.String("delivery.url", c.URL))
		return d.DFRN.Import(ctx, uid, env)
	} else if err != sql.ErrNoRows {
		return err
	}

	status, err := d.DFRN.Transmit(ctx, env.Owner, c, env)
	if err != nil {
		d.Log.Warn("DFRN transport error", zap.String("delivery.url", c.URL), zap.Error(err))
		status = 0
	}
	d.Log.Info("DFRN delivery",
		zap.String("delivery.url", c.URL),
		zap.String("delivery.guid", env.GUID),
		zap.Int("delivery.status", status))

	switch {
	case delivered(status):
		return d.delivered(ctx, env, c, contact.NetworkDFRN)
	case status > 0 && status < 200:
		// The peer does not speak this DFRN dialect; Diaspora may work.
		d.Log.Info("Soft failure, falling back to Diaspora", zap.String("delivery.url", c.URL))
		return d.deliverDiaspora(ctx, env, c)
	default:
		return d.failed(ctx, env, c, contact.NetworkDFRN)
	}
}

// deliverDiaspora delivers an envelope over Diaspora.
func (d *Deliverer) deliverDiaspora(ctx context.Context, env *Envelope, c *contact.Contact) error {
	if off, err := d.federationDisabled(ctx); err != nil {
		return err
	} else if off {
		return nil
	}
	if env.Mode == ModeMail {
		return d.Diaspora.SendMail(ctx, env.Mail, env.Owner, c)
	}
	if env.Mode == ModeSuggestion {
		return nil
	}
	if c.Pubkey == "" && !env.Public {
		// Cannot encrypt a private message without a key.
		return nil
	}

	status, sent, err := d.diasporaSend(ctx, env, c)
	if err != nil {
		d.Log.Warn("Diaspora transport error", zap.String("delivery.url", c.URL), zap.Error(err))
		status = 0
	}
	if !sent {
		return nil
	}
	if delivered(status) {
		return d.delivered(ctx, env, c, contact.NetworkDiaspora)
	}
	return d.failed(ctx, env, c, contact.NetworkDiaspora)
}

// diasporaSend picks the Diaspora message kind for an envelope and sends it.
// Returns sent=false when no kind fits, which is not a failure.
func (d *Deliverer) diasporaSend(ctx context.Context, env *Envelope, c *contact.Contact) (status int, sent bool, err error) {
	target := env.Target()
	switch {
	case env.Mode == ModeRelocation:
		status, err = d.Diaspora.SendMigration(ctx, env, c)
	case target != nil && target.Deleted && (target.URI == target.ParentURI || env.Mode == ModeFollowup):
		d.Log.Debug("Diaspora retraction", zap.String("delivery.guid", env.GUID))
		status, err = d.Diaspora.SendRetraction(ctx, env, c)
	case env.Mode == ModeFollowup:
		d.Log.Debug("Diaspora followup", zap.String("delivery.guid", env.GUID))
		status, err = d.Diaspora.SendFollowup(ctx, env, c)
	case target != nil && target.URI != target.ParentURI:
		// We own the thread, relay the comment to our conversants.
		d.Log.Debug("Diaspora relay", zap.String("delivery.guid", env.GUID))
		status, err = d.Diaspora.SendRelay(ctx, env, c)
	case env.TopLevel:
		d.Log.Debug("Diaspora status", zap.String("delivery.guid", env.GUID))
		status, err = d.Diaspora.SendStatus(ctx, env, c)
	default:
		d.Log.Info("No Diaspora mode for delivery",
			zap.String("delivery.cmd", env.Command),
			zap.String("delivery.guid", env.GUID))
		return 0, false, nil
	}
	return status, true, err
}

// delivered records a successful transmission: the contact is alive.
func (d *Deliverer) delivered(ctx context.Context, env *Envelope, c *contact.Contact, network string) error {
	if err := d.Contacts.UnmarkForArchival(ctx, c); err != nil {
		return err
	}
	err := d.Hooks.CallAll(ctx, "notifier_end", map[string]interface{}{
		"command": env.Command,
		"guid":    env.GUID,
		"contact": c.ID,
		"network": network,
	})
	if err != nil {
		d.Log.Warn("Delivery hook failed", zap.Error(err))
	}
	return nil
}

// failed records a failed transmission: the archival countdown advances and
// the payload parks in the retry queue for the cron cycle.
func (d *Deliverer) failed(ctx context.Context, env *Envelope, c *contact.Contact, network string) error {
	if err := d.Contacts.MarkForArchival(ctx, c); err != nil {
		return err
	}
	if err := d.Retry.Add(ctx, c.ID, network, env); err != nil {
		return err
	}
	d.Log.Info("Delivery failed, queued for redelivery",
		zap.String("delivery.guid", env.GUID),
		zap.Int64("delivery.contact", c.ID),
		zap.String("delivery.network", network))
	return nil
}

// delivered status codes are HTTP-like.
func delivered(status int) bool {
	return status >= 200 && status < 300
}

// federationDisabled reports whether Diaspora transmission is switched off.
func (d *Deliverer) federationDisabled(ctx context.Context) (bool, error) {
	dfrnOnly, err := d.Config.GetBool(ctx, "system", "dfrn_only", false)
	if err != nil {
		return false, err
	}
	enabled, err := d.Config.GetBool(ctx, "system", "diaspora_enabled", true)
	if err != nil {
		return false, err
	}
	return dfrnOnly || !enabled, nil
}

// containsHost reports whether a URI originated on the given instance.
func containsHost(uri, baseURL string) bool {
	host := baseURL
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if host == "" {
		return false
	}
	return strings.Contains(strings.ToLower(uri), strings.ToLower(host))
}
