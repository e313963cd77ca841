package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/queue"
)

// Executor runs claimed jobs through their handlers.
type Executor struct {
	Log      *zap.Logger
	Queue    Queue
	Handlers *HandlerRegistry
	KV       KV
	Gates    Gates
	Options  *Options
	PID      int
	Metrics  *Metrics

	lastHeartbeat time.Time
	intn          func(int) int // random source, overridable in tests
}

// NewExecutor creates an executor for one dispatcher process.
func NewExecutor(log *zap.Logger, q Queue, handlers *HandlerRegistry, kv KV, gates Gates, opts *Options, pid int) *Executor {
	return &Executor{
		Log:      log,
		Queue:    q,
		Handlers: handlers,
		KV:       kv,
		Gates:    gates,
		Options:  opts,
		PID:      pid,
	}
}

// Execute runs one claimed job.
// Returns false when the process should stop claiming work, because the
// system entered maintenance or a database gate closed. A failing job never
// stops the process; errors are returned for accounting only.
func (e *Executor) Execute(ctx context.Context, job queue.Job) (bool, error) {
	maintenance, err := e.KV.GetBool(ctx, "system", "maintenance", false)
	if err != nil {
		return false, err
	}
	if maintenance {
		e.Log.Info("Maintenance mode, quitting", zap.Int("worker.pid", e.PID))
		return false, nil
	}
	// Gates are re-checked per job so a congested database stops the whole
	// fleet quickly, not just new dispatchers.
	if !e.Gates.DBProcessesOK(ctx) || !e.Gates.ConnectionsOK(ctx) {
		e.Log.Warn("Database gate closed, quitting", zap.Int("worker.pid", e.PID))
		return false, nil
	}
	if !job.Priority.Valid() {
		job.Priority = queue.PriorityMedium
	}
	args, err := job.Args()
	if err != nil {
		e.Log.Warn("Dropping job with invalid parameter",
			zap.Int64("job.id", job.ID), zap.Error(err))
		return true, e.Queue.Delete(ctx, job.ID)
	}
	handler, err := e.Handlers.Resolve(job.Command)
	if err != nil {
		// A command nobody handles can never succeed. The row is removed so
		// it cannot clog the queue, matching the long-standing behavior for
		// jobs of uninstalled addons.
		e.Log.Warn("No handler for command, deleting job",
			zap.Int64("job.id", job.ID),
			zap.String("job.command", job.Command))
		e.Metrics.countUnknown(ctx)
		if delErr := e.Queue.Delete(ctx, job.ID); delErr != nil {
			return true, delErr
		}
		return true, err
	}
	if err := e.heartbeat(ctx, &job); err != nil {
		return false, err
	}
	e.cooldown(ctx)
	runErr := e.run(ctx, &job, handler, args)
	e.cooldown(ctx)
	done, err := e.Queue.MarkDone(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if done {
		if err := e.KV.SetTime(ctx, "system", "last_worker_execution", time.Now().UTC()); err != nil {
			return false, err
		}
	}
	e.Metrics.countExecution(ctx)
	if runErr != nil {
		e.Metrics.countFailure(ctx)
		e.Log.Warn("Job failed",
			zap.Int64("job.id", job.ID),
			zap.String("job.command", job.Command),
			zap.Error(runErr))
	}
	return true, nil
}

// run invokes the handler with the live job attached to the context and
// applies a requested deferral afterwards.
func (e *Executor) run(ctx context.Context, job *queue.Job, handler Handler, args []string) error {
	run := &running{job: *job}
	runCtx := withRunning(ctx, run)
	e.Log.Info("Job start",
		zap.Int64("job.id", job.ID),
		zap.String("job.command", job.Command),
		zap.Stringer("job.priority", job.Priority))
	start := time.Now()
	err := handler.Run(runCtx, args)
	duration := time.Since(start)
	e.Log.Info("Job done",
		zap.Int64("job.id", job.ID),
		zap.String("job.command", job.Command),
		zap.Duration("job.duration", duration))
	if duration > 2*time.Minute {
		e.Log.Info("Long running job",
			zap.Int64("job.id", job.ID),
			zap.String("job.command", job.Command),
			zap.Duration("job.duration", duration))
	}
	if deferRequested(runCtx) {
		e.Metrics.countDeferral(ctx)
		if _, deferErr := e.deferJob(ctx, job); deferErr != nil {
			return deferErr
		}
	}
	return err
}

// heartbeat refreshes the executed timestamp of this process' jobs,
// at most once per heartbeat age.
func (e *Executor) heartbeat(ctx context.Context, job *queue.Job) error {
	if e.lastHeartbeat.IsZero() {
		e.lastHeartbeat = job.Executed
	}
	if time.Since(e.lastHeartbeat) <= e.Options.HeartbeatAge {
		return nil
	}
	e.lastHeartbeat = time.Now()
	if err := e.Queue.Heartbeat(ctx, e.PID); err != nil {
		return fmt.Errorf("failed to refresh heart beat: %w", err)
	}
	return nil
}

func (e *Executor) cooldown(ctx context.Context) {
	if e.Options.Cooldown <= 0 {
		return
	}
	timer := time.NewTimer(e.Options.Cooldown)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// IsUnknownCommand reports whether an execution error was an unregistered command.
func IsUnknownCommand(err error) bool {
	return errors.Is(err, ErrUnknownCommand)
}
