package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/queue"
	"go.arbor.social/arbor/pkg/sysload"
)

// Reaper takes back jobs from dead executors and kills runaway ones.
type Reaper struct {
	Log     *zap.Logger
	Queue   Queue
	Prober  sysload.Prober
	Options *Options
	Metrics *Metrics
}

// NewReaper creates a reaper.
func NewReaper(log *zap.Logger, q Queue, prober sysload.Prober, opts *Options) *Reaper {
	return &Reaper{Log: log, Queue: q, Prober: prober, Options: opts}
}

// Sweep scans all in-flight jobs once.
//
// Jobs whose executor pid no longer exists return to the queue unchanged.
// Jobs whose executor is alive but past the runtime budget of their priority
// class get their executor terminated and are requeued at the front, one
// priority class lower. Critical jobs keep their class.
func (r *Reaper) Sweep(ctx context.Context) error {
	jobs, err := r.Queue.InFlight(ctx)
	if err != nil {
		return err
	}
	for i := range jobs {
		if err := r.sweepJob(ctx, &jobs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reaper) sweepJob(ctx context.Context, job *queue.Job) error {
	if !r.Prober.Alive(job.PID) {
		r.Log.Warn("Executor is dead, releasing its job",
			zap.Int64("job.id", job.ID),
			zap.String("job.command", job.Command),
			zap.Int("job.pid", job.PID))
		r.Metrics.countReapedDead(ctx)
		return r.Queue.Reset(ctx, job.ID)
	}
	priority := job.Priority
	if !priority.Valid() {
		priority = queue.PriorityMedium
	}
	budget, ok := r.Options.MaxDuration[priority]
	if !ok {
		budget = r.Options.MaxDuration[queue.PriorityMedium]
	}
	duration := time.Since(job.Executed)
	if duration <= budget {
		r.Log.Debug("Executor runtime is okay",
			zap.Int64("job.id", job.ID),
			zap.Int("job.pid", job.PID),
			zap.Duration("job.duration", duration),
			zap.Duration("job.budget", budget))
		return nil
	}
	r.Log.Warn("Executor took too long, killing it",
		zap.Int64("job.id", job.ID),
		zap.String("job.command", job.Command),
		zap.Int("job.pid", job.PID),
		zap.Duration("job.duration", duration),
		zap.Duration("job.budget", budget))
	if err := r.Prober.Terminate(job.PID); err != nil {
		r.Log.Warn("Failed to terminate executor",
			zap.Int("job.pid", job.PID), zap.Error(err))
	}
	r.Metrics.countReapedStuck(ctx)
	// Requeued at the front so the killed work is not starved, and demoted
	// so it cannot monopolize an urgent lane again.
	return r.Queue.RequeueFront(ctx, job.ID, priority.Demoted())
}
