// Package poll implements the periodic maintenance cycle.
//
// The Cron handler is itself a job: a dispatcher with cron duty enqueues it,
// the fleet executes it like any other work. One run purges completed queue
// rows, compacts the queue table, re-enqueues parked delivery payloads and
// fans out OnePoll jobs for every contact whose poll interval has elapsed.
// The OnePoll handler performs a single contact poll and feeds the result
// back into the archival state machine.
package poll

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/delivery"
	"go.arbor.social/arbor/pkg/lock"
	"go.arbor.social/arbor/pkg/queue"
	"go.arbor.social/arbor/pkg/worker"
)

// Command names of the periodic jobs.
const (
	Command        = "Cron"
	OnePollCommand = "OnePoll"
)

// PollNetworks are the protocols reached by polling. Push-only protocols
// never show up here.
var PollNetworks = []string{
	contact.NetworkDFRN,
	contact.NetworkOStatus,
	contact.NetworkFeed,
	contact.NetworkMail,
}

// Jobs is the enqueue surface of the job queue.
type Jobs interface {
	Add(ctx context.Context, spec queue.JobSpec, command string, args ...string) (bool, error)
}

// Maintenance is the queue housekeeping surface.
type Maintenance interface {
	PurgeDone(ctx context.Context, olderThan time.Time) (int64, error)
	Optimize(ctx context.Context) error
}

// Contacts is the contact store surface of the poll cycle.
type Contacts interface {
	SelectPollable(ctx context.Context, networks []string, abandonedAfter time.Duration, limit int) ([]contact.Contact, error)
}

// Retries is the parked delivery payload surface.
type Retries interface {
	SelectDue(ctx context.Context, pause time.Duration, limit int) ([]delivery.RetryEntry, error)
}

// Locker is the lock manager surface.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// KV is the dynamic config surface.
type KV interface {
	GetTime(ctx context.Context, scope, key string) (time.Time, error)
	SetTime(ctx context.Context, scope, key string, value time.Time) error
}

// Options configure the cron cycle.
type Options struct {
	// MinPollInterval floors the poll cadence of rating-zero contacts.
	MinPollInterval time.Duration
	// AbandonAfter stops polling contacts of users who have not logged in
	// for this long. Zero disables the check.
	AbandonAfter time.Duration
	// PollBatch bounds the contacts considered per cron run.
	PollBatch int
	// PurgeGrace is how long completed queue rows are kept.
	PurgeGrace time.Duration
	// OptimizeInterval is the minimum time between queue table compactions.
	// Zero disables compaction.
	OptimizeInterval time.Duration
	// RedeliverPause is the minimum rest between redelivery attempts of one
	// parked payload.
	RedeliverPause time.Duration
	// RedeliverBatch bounds the payloads re-enqueued per cron run.
	RedeliverBatch int
	// LockTTL expires the compaction lock of a crashed process.
	LockTTL time.Duration
}

// DefaultOptions for the cron cycle.
var DefaultOptions = Options{
	MinPollInterval:  time.Minute,
	AbandonAfter:     0,
	PollBatch:        100,
	PurgeGrace:       time.Hour,
	OptimizeInterval: 24 * time.Hour,
	RedeliverPause:   15 * time.Minute,
	RedeliverBatch:   100,
	LockTTL:          10 * time.Minute,
}

// Cron runs one maintenance cycle.
type Cron struct {
	Log      *zap.Logger
	Jobs     Jobs
	Queue    Maintenance
	Locks    Locker
	KV       KV
	Contacts Contacts
	Retry    Retries
	Options  *Options
}

// Handler adapts the cron cycle to the job queue.
func (c *Cron) Handler() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, _ []string) error {
		return c.Run(ctx)
	})
}

// Run performs one full maintenance cycle.
func (c *Cron) Run(ctx context.Context) error {
	c.Log.Info("Cron started")
	if err := c.maintainQueue(ctx); err != nil {
		return err
	}
	if err := c.redeliver(ctx); err != nil {
		return err
	}
	if err := c.pollContacts(ctx); err != nil {
		return err
	}
	c.Log.Info("Cron done")
	return nil
}

// maintainQueue purges completed jobs and compacts the queue table.
// Compaction is expensive and runs at most once per interval, fleet-wide.
func (c *Cron) maintainQueue(ctx context.Context) error {
	purged, err := c.Queue.PurgeDone(ctx, time.Now().UTC().Add(-c.Options.PurgeGrace))
	if err != nil {
		return err
	}
	if purged > 0 {
		c.Log.Info("Purged completed jobs", zap.Int64("cron.purged", purged))
	}
	if c.Options.OptimizeInterval == 0 {
		return nil
	}
	last, err := c.KV.GetTime(ctx, "system", "last_optimize_worker_tables")
	if err != nil {
		return err
	}
	if time.Since(last) < c.Options.OptimizeInterval {
		return nil
	}
	got, err := c.Locks.TryAcquire(ctx, lock.NameOptimize, c.Options.LockTTL)
	if err != nil {
		return err
	}
	if !got {
		// Another process is already compacting.
		return nil
	}
	defer func() {
		if relErr := c.Locks.Release(ctx, lock.NameOptimize); relErr != nil {
			c.Log.Warn("Failed to release optimize lock", zap.Error(relErr))
		}
	}()
	if err := c.KV.SetTime(ctx, "system", "last_optimize_worker_tables", time.Now().UTC()); err != nil {
		return err
	}
	c.Log.Info("Optimizing queue table")
	return c.Queue.Optimize(ctx)
}

// redeliver re-enqueues parked delivery payloads whose rest period elapsed.
// The redelivery priority trails off with the payload's failure count.
func (c *Cron) redeliver(ctx context.Context) error {
	entries, err := c.Retry.SelectDue(ctx, c.Options.RedeliverPause, c.Options.RedeliverBatch)
	if err != nil {
		return err
	}
	for i := range entries {
		entry := &entries[i]
		spec := queue.JobSpec{
			Priority: delivery.RetryPriority(entry.Failed),
			DontFork: true,
		}
		added, err := c.Jobs.Add(ctx, spec, delivery.RetryCommand, strconv.FormatInt(entry.ID, 10))
		if err != nil {
			return err
		}
		if added {
			c.Log.Debug("Queued redelivery",
				zap.Int64("retry.id", entry.ID),
				zap.Int64("retry.contact", entry.ContactID),
				zap.Int("retry.failed", entry.Failed))
		}
	}
	if len(entries) > 0 {
		c.Log.Info("Queued redeliveries", zap.Int("cron.redeliveries", len(entries)))
	}
	return nil
}

// pollContacts enqueues a OnePoll job for every contact whose interval
// elapsed. Poll jobs never force-spawn a process: when hundreds of contacts
// become due in the same minute the fleet absorbs them at its own pace.
func (c *Cron) pollContacts(ctx context.Context) error {
	contacts, err := c.Contacts.SelectPollable(ctx, PollNetworks, c.Options.AbandonAfter, c.Options.PollBatch)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	queued := 0
	for i := range contacts {
		ct := &contacts[i]
		if !Due(ct, now, c.Options.MinPollInterval) {
			continue
		}
		spec := queue.JobSpec{
			Priority: pollPriority(ct),
			DontFork: true,
		}
		added, err := c.Jobs.Add(ctx, spec, OnePollCommand, strconv.FormatInt(ct.ID, 10))
		if err != nil {
			return err
		}
		if added {
			queued++
		}
	}
	c.Log.Info("Contact polling scheduled",
		zap.Int("cron.pollable", len(contacts)),
		zap.Int("cron.queued", queued))
	return nil
}
