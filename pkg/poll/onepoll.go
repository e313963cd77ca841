package poll

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/ratelimit"
	"go.arbor.social/arbor/pkg/worker"
)

// Fetcher pulls new content from one contact over its protocol.
type Fetcher interface {
	Fetch(ctx context.Context, c *contact.Contact) error
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, c *contact.Contact) error

// Fetch calls the function.
func (f FetcherFunc) Fetch(ctx context.Context, c *contact.Contact) error {
	return f(ctx, c)
}

// PollContacts is the contact store surface of a single poll.
type PollContacts interface {
	Get(ctx context.Context, id int64) (*contact.Contact, error)
	RecordPoll(ctx context.Context, id int64, success bool) error
	MarkForArchival(ctx context.Context, c *contact.Contact) error
	UnmarkForArchival(ctx context.Context, c *contact.Contact) error
}

// OnePoll polls a single contact and records the outcome.
type OnePoll struct {
	Log      *zap.Logger
	Contacts PollContacts
	// Fetchers maps a network tag to its protocol fetcher.
	Fetchers map[string]Fetcher
	// Limit paces outbound fetches across the workers of this process.
	// nil disables pacing.
	Limit *ratelimit.RateLimit
}

// Handler adapts the poll to the job queue.
// The job argument is the contact id.
func (p *OnePoll) Handler() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, args []string) error {
		if len(args) < 1 {
			return fmt.Errorf("poll job needs the contact id")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid poll contact id: %w", err)
		}
		return p.Poll(ctx, id)
	})
}

// Poll fetches one contact. The transport outcome is the only input to the
// contact's liveness state: success resurrects it, failure advances the
// archival countdown. A vanished contact completes the job silently.
func (p *OnePoll) Poll(ctx context.Context, id int64) error {
	c, err := p.Contacts.Get(ctx, id)
	if err == sql.ErrNoRows {
		p.Log.Info("Poll contact is gone, skipping", zap.Int64("poll.contact", id))
		return nil
	} else if err != nil {
		return err
	}
	if c.Self || c.Blocked {
		return nil
	}
	fetcher, ok := p.Fetchers[c.Network]
	if !ok {
		p.Log.Debug("No fetcher for network, skipping",
			zap.Int64("poll.contact", id),
			zap.String("poll.network", c.Network))
		return nil
	}

	if err := p.pace(ctx); err != nil {
		return err
	}

	fetchErr := fetcher.Fetch(ctx, c)
	if recErr := p.Contacts.RecordPoll(ctx, id, fetchErr == nil); recErr != nil {
		return recErr
	}
	if fetchErr != nil {
		p.Log.Info("Poll failed",
			zap.Int64("poll.contact", id),
			zap.String("poll.network", c.Network),
			zap.Error(fetchErr))
		return p.Contacts.MarkForArchival(ctx, c)
	}
	p.Log.Debug("Poll succeeded", zap.Int64("poll.contact", id))
	return p.Contacts.UnmarkForArchival(ctx, c)
}

func (p *OnePoll) pace(ctx context.Context) error {
	if p.Limit == nil {
		return nil
	}
	wait := p.Limit.Count(time.Now().Unix(), 1)
	if wait <= 0 {
		return nil
	}
	p.Log.Debug("Fetch rate exceeded, backing off", zap.Duration("poll.backoff", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
