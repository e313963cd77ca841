package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/item"
)

type fakeContacts struct {
	mu       sync.Mutex
	contacts map[int64]*contact.Contact
	selfUIDs map[string]int64
	marked   int
	unmarked int
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{
		contacts: make(map[int64]*contact.Contact),
		selfUIDs: make(map[string]int64),
	}
}

func (f *fakeContacts) add(c *contact.Contact) *contact.Contact {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.NURL == "" {
		c.NURL = contact.NormalizeURL(c.URL)
	}
	f.contacts[c.ID] = c
	return c
}

func (f *fakeContacts) Deliverable(_ context.Context, id int64) (*contact.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok || c.Archive || c.Blocked || c.Pending || c.Self {
		return nil, fmt.Errorf("%w: id=%d", contact.ErrNotDeliverable, id)
	}
	copied := *c
	return &copied, nil
}

func (f *fakeContacts) SelfUID(_ context.Context, nurl string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid, ok := f.selfUIDs[nurl]
	if !ok {
		return 0, sql.ErrNoRows
	}
	return uid, nil
}

// MarkForArchival mirrors the store's threshold behavior: the third failure
// archives the contact.
func (f *fakeContacts) MarkForArchival(_ context.Context, c *contact.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked++
	stored, ok := f.contacts[c.ID]
	if !ok || stored.Archive || stored.Self {
		return nil
	}
	stored.Failed++
	if stored.Failed >= 3 {
		stored.Archive = true
	}
	*c = *stored
	return nil
}

func (f *fakeContacts) UnmarkForArchival(_ context.Context, c *contact.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmarked++
	if stored, ok := f.contacts[c.ID]; ok {
		stored.Failed = 0
		stored.Archive = false
		*c = *stored
	}
	return nil
}

type fakeOwners struct {
	owners map[int64]*contact.Owner
}

func (f *fakeOwners) ByUID(_ context.Context, uid int64) (*contact.Owner, error) {
	owner, ok := f.owners[uid]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return owner, nil
}

type fakeItems struct {
	threads map[int64]*item.Thread
	byURI   map[string]*item.Item
	titles  map[string]string
}

func newFakeItems() *fakeItems {
	return &fakeItems{
		threads: make(map[int64]*item.Thread),
		byURI:   make(map[string]*item.Item),
		titles:  make(map[string]string),
	}
}

func (f *fakeItems) SelectThread(_ context.Context, targetID int64) (*item.Thread, error) {
	thread, ok := f.threads[targetID]
	if !ok {
		return nil, fmt.Errorf("%w: item %d not found", item.ErrOrphan, targetID)
	}
	return thread, nil
}

func (f *fakeItems) ByURI(_ context.Context, _ int64, uri string) (*item.Item, error) {
	it, ok := f.byURI[uri]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return it, nil
}

func (f *fakeItems) Title(_ context.Context, _ int64, parentURI string) (string, error) {
	return f.titles[parentURI], nil
}

type fakeConfig struct {
	bools   map[string]bool
	strings map[string]string
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{bools: make(map[string]bool), strings: make(map[string]string)}
}

func (f *fakeConfig) GetBool(_ context.Context, scope, key string, fallback bool) (bool, error) {
	if v, ok := f.bools[scope+"."+key]; ok {
		return v, nil
	}
	return fallback, nil
}

func (f *fakeConfig) Get(_ context.Context, scope, key string) (string, error) {
	return f.strings[scope+"."+key], nil
}

type fakeDFRN struct {
	status    int
	err       error
	transmits []*Envelope
	imports   []int64
}

func (f *fakeDFRN) Transmit(_ context.Context, _ *contact.Owner, _ *contact.Contact, env *Envelope) (int, error) {
	f.transmits = append(f.transmits, env)
	return f.status, f.err
}

func (f *fakeDFRN) Import(_ context.Context, uid int64, _ *Envelope) error {
	f.imports = append(f.imports, uid)
	return nil
}

type fakeDiaspora struct {
	status int
	kinds  []string
}

func (f *fakeDiaspora) send(kind string) (int, error) {
	f.kinds = append(f.kinds, kind)
	return f.status, nil
}

func (f *fakeDiaspora) SendMail(context.Context, *Mail, *contact.Owner, *contact.Contact) error {
	f.kinds = append(f.kinds, "mail")
	return nil
}

func (f *fakeDiaspora) SendRetraction(context.Context, *Envelope, *contact.Contact) (int, error) {
	return f.send("retraction")
}

func (f *fakeDiaspora) SendFollowup(context.Context, *Envelope, *contact.Contact) (int, error) {
	return f.send("followup")
}

func (f *fakeDiaspora) SendRelay(context.Context, *Envelope, *contact.Contact) (int, error) {
	return f.send("relay")
}

func (f *fakeDiaspora) SendStatus(context.Context, *Envelope, *contact.Contact) (int, error) {
	return f.send("status")
}

func (f *fakeDiaspora) SendMigration(context.Context, *Envelope, *contact.Contact) (int, error) {
	return f.send("migration")
}

type sentMail struct {
	Addr    string
	Subject string
	Headers string
}

type fakeMailer struct {
	sent []sentMail
}

func (f *fakeMailer) Send(_ context.Context, addr, subject, headers string, _ *item.Item) error {
	f.sent = append(f.sent, sentMail{Addr: addr, Subject: subject, Headers: headers})
	return nil
}

type fakeRetry struct {
	entries map[int64]*RetryEntry
	added   []string // network:guid of parked payloads
	nextID  int64
}

func newFakeRetry() *fakeRetry {
	return &fakeRetry{entries: make(map[int64]*RetryEntry)}
}

func (f *fakeRetry) Add(_ context.Context, cid int64, network string, env *Envelope) error {
	f.added = append(f.added, network+":"+env.GUID)
	f.nextID++
	f.entries[f.nextID] = &RetryEntry{ID: f.nextID, ContactID: cid, Network: network, GUID: env.GUID, Failed: 1}
	return nil
}

func (f *fakeRetry) Get(_ context.Context, id int64) (*RetryEntry, error) {
	entry, ok := f.entries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return entry, nil
}

func (f *fakeRetry) Done(_ context.Context, id int64) error {
	delete(f.entries, id)
	return nil
}

func (f *fakeRetry) Attempted(_ context.Context, id int64) error {
	if entry, ok := f.entries[id]; ok {
		entry.Failed++
	}
	return nil
}
