package worker

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/lock"
	"go.arbor.social/arbor/pkg/queue"
)

// Dispatcher drives one executor process over the shared job queue.
type Dispatcher struct {
	Log       *zap.Logger
	Queue     Queue
	Processes Processes
	Locks     Locker
	Gates     Gates
	KV        KV
	Executor  *Executor
	Reaper    *Reaper
	Options   *Options
	PID       int
	Spawn     SpawnFunc // optional, nil disables forking
	Metrics   *Metrics
}

// Add enqueues a job and wakes up the fleet if it has headroom.
// Returns whether a new job was inserted.
func (d *Dispatcher) Add(ctx context.Context, spec queue.JobSpec, command string, args ...string) (bool, error) {
	added, err := d.Queue.Add(ctx, spec, command, args...)
	if err != nil {
		return false, err
	}
	if !added || spec.DontFork || d.Options.DontFork || d.Spawn == nil || !spec.Delayed.IsZero() {
		return added, nil
	}
	tooMany, err := d.tooManyWorkers(ctx, false)
	if err != nil {
		return added, err
	}
	if !tooMany {
		if err := d.Spawn(ctx); err != nil {
			d.Log.Warn("Failed to spawn worker", zap.Error(err))
		}
	}
	return added, nil
}

// ProcessQueue is the main loop of one executor process.
//
// It claims batches of due jobs and executes them until the queue drains,
// a resource gate closes, or the process lifetime runs out. With runCron the
// process also enqueues the periodic maintenance jobs, which exactly one
// process per cron interval is expected to do.
func (d *Dispatcher) ProcessQueue(ctx context.Context, runCron bool) error {
	// Load pre-check before registering, starting up raises the load.
	if !d.Gates.LoadOK() {
		d.Log.Warn("Pre check: maximum load reached, quitting")
		return nil
	}
	if err := d.Processes.Register(ctx, d.PID, ProcessName); err != nil {
		return err
	}
	defer func() {
		if err := d.Processes.Deregister(context.Background(), d.PID); err != nil {
			d.Log.Warn("Failed to deregister process", zap.Error(err))
		}
	}()
	if err := d.sweepStaleIfDue(ctx); err != nil {
		return err
	}
	ready, err := d.isReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	if runCron {
		if err := d.runCron(ctx); err != nil {
			return err
		}
	}
	start := time.Now()
	lastCheck := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs, err := d.claimWork(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			d.Log.Info("Queue is empty, quitting", zap.Int("worker.pid", d.PID))
			return nil
		}
		refetched := false
		for _, job := range jobs {
			ok, execErr := d.Executor.Execute(ctx, job)
			if execErr != nil && !IsUnknownCommand(execErr) {
				d.Log.Warn("Job execution error", zap.Int64("job.id", job.ID), zap.Error(execErr))
			}
			if !ok {
				d.Log.Warn("Job processing stopped, quitting", zap.Int("worker.pid", d.PID))
				return nil
			}
			// Opportunistic refetch keeps the pipeline full without
			// waiting for the whole batch to finish, but only once per
			// batch to bound the claim pressure.
			if !refetched {
				refetched = d.refetch(ctx)
			}
		}
		if time.Since(lastCheck) > d.Options.GateCheck {
			quit, err := d.gateCheck(ctx)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
			lastCheck = time.Now()
		}
		if time.Since(start) > d.Options.Lifetime {
			d.Log.Info("Process lifetime reached, respawning", zap.Int("worker.pid", d.PID))
			if err := d.Queue.Unclaim(ctx, d.PID); err != nil {
				return err
			}
			if d.Spawn != nil {
				if err := d.Spawn(ctx); err != nil {
					d.Log.Warn("Failed to respawn worker", zap.Error(err))
				}
			}
			return nil
		}
	}
}

// isReady checks all gates a starting process must pass.
func (d *Dispatcher) isReady(ctx context.Context) (bool, error) {
	tooMany, err := d.tooManyWorkers(ctx, true)
	if err != nil {
		return false, err
	}
	if tooMany {
		d.Log.Info("Active worker limit reached, quitting")
		return false, nil
	}
	if !d.Gates.MemoryOK() {
		d.Log.Warn("Memory limit reached, quitting")
		return false, nil
	}
	if !d.Gates.ConnectionsOK(ctx) {
		d.Log.Warn("Maximum connections reached, quitting")
		return false, nil
	}
	if !d.Gates.DBProcessesOK(ctx) {
		d.Log.Warn("Maximum database processes reached, quitting")
		return false, nil
	}
	return true, nil
}

// gateCheck re-validates the fleet size and memory mid-loop.
// Only one process at a time runs the check, to avoid a thundering quit.
func (d *Dispatcher) gateCheck(ctx context.Context) (quit bool, err error) {
	waiting, err := d.Queue.JobsForPID(ctx, d.PID)
	if err != nil {
		return false, err
	}
	if len(waiting) > 0 {
		return false, nil
	}
	got, err := d.Locks.TryAcquire(ctx, lock.NameWorker, d.Options.LockTTL)
	if err != nil || !got {
		return false, err
	}
	defer func() {
		if relErr := d.Locks.Release(ctx, lock.NameWorker); relErr != nil && err == nil {
			err = relErr
		}
	}()
	tooMany, err := d.tooManyWorkers(ctx, false)
	if err != nil {
		return false, err
	}
	if tooMany {
		d.Log.Info("Active worker limit reached, quitting")
		return true, nil
	}
	if !d.Gates.MemoryOK() {
		d.Log.Warn("Memory limit reached, quitting")
		return true, nil
	}
	return false, nil
}

// sweepStaleIfDue runs a reaper sweep if none ran within the sweep interval.
// The timestamp lives in the shared config store so the whole fleet shares
// one sweep schedule.
func (d *Dispatcher) sweepStaleIfDue(ctx context.Context) error {
	last, err := d.KV.GetTime(ctx, "system", "worker_last_cleaned")
	if err != nil {
		return err
	}
	if time.Since(last) < d.Options.StaleSweep {
		return nil
	}
	if err := d.KV.SetTime(ctx, "system", "worker_last_cleaned", time.Now().UTC()); err != nil {
		return err
	}
	return d.Reaper.Sweep(ctx)
}

// runCron enqueues the periodic maintenance jobs.
func (d *Dispatcher) runCron(ctx context.Context) error {
	d.Log.Info("Add cron entries")
	// Check for spooled posts first, they carry user-visible content.
	if _, err := d.Queue.Add(ctx, queue.JobSpec{Priority: queue.PriorityHigh, ForcePriority: true}, "SpoolPost"); err != nil {
		return err
	}
	// The cron job fans out all other periodic work.
	if _, err := d.Queue.Add(ctx, queue.JobSpec{Priority: queue.PriorityMedium, ForcePriority: true}, "Cron"); err != nil {
		return err
	}
	return d.Reaper.Sweep(ctx)
}

// tooManyWorkers decides whether this process exceeds the effective worker
// ceiling. The ceiling shrinks superlinearly with the host load. With
// mayFork, an extra process is spawned when the ceiling permits more.
func (d *Dispatcher) tooManyWorkers(ctx context.Context, mayFork bool) (bool, error) {
	maxQueues := int(d.Options.Queues)
	queues := maxQueues
	active, err := d.Processes.CountByCommand(ctx, ProcessName)
	if err != nil {
		return false, err
	}
	load, loadOK := d.Gates.CurrentLoad()
	if loadOK {
		ceiling := d.Gates.LoadCeiling()
		if ceiling > 0 {
			slope := math.Pow(math.Max(0, ceiling-load)/ceiling, d.Options.LoadExponent)
			queues = int(math.Ceil(slope * float64(maxQueues)))
		}
	}
	pending, err := d.Queue.CountPending(ctx)
	if err != nil {
		return false, err
	}
	deferred, err := d.Queue.CountDeferred(ctx)
	if err != nil {
		return false, err
	}
	hasPending, err := d.Queue.HasPending(ctx)
	if err != nil {
		return false, err
	}
	d.Metrics.observeBacklog(pending-deferred, deferred)
	if d.Options.FastLane && queues > 0 && active >= queues && hasPending {
		opened, err := d.fastLane(ctx, active)
		if err != nil {
			return false, err
		}
		if opened {
			queues = active + 1
		}
	}
	d.Log.Info("Worker fleet state",
		zap.Float64("worker.load", load),
		zap.Int("worker.active", active),
		zap.Int("worker.deferred", deferred),
		zap.Int("worker.waiting", pending-deferred),
		zap.Int("worker.queues", queues),
		zap.Int("worker.max_queues", maxQueues))
	if mayFork && !d.Options.DontFork && d.Spawn != nil && queues > active+1 && hasPending {
		d.Log.Info("Fewer workers than possible, forking a new one",
			zap.Int("worker.active", active),
			zap.Int("worker.queues", queues))
		if err := d.Spawn(ctx); err != nil {
			d.Log.Warn("Failed to fork worker", zap.Error(err))
		}
	}
	return active > queues, nil
}

// fastLane reports whether urgent pending work is starved by the running set.
func (d *Dispatcher) fastLane(ctx context.Context, active int) (bool, error) {
	top, ok, err := d.Queue.HighestPendingPriority(ctx)
	if err != nil || !ok {
		return false, err
	}
	if top >= queue.PriorityNegligible {
		return false, nil
	}
	blocked, err := d.Queue.RunningAtOrAbove(ctx, top)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}
	d.Log.Info("Urgent jobs are waiting but none is executed, opening a fast lane",
		zap.Stringer("worker.priority", top),
		zap.Int("worker.active", active))
	return true, nil
}

// claimWork returns the jobs this process should run next, claiming new ones
// under the process lock when none are waiting.
func (d *Dispatcher) claimWork(ctx context.Context) ([]queue.Job, error) {
	waiting, err := d.Queue.JobsForPID(ctx, d.PID)
	if err != nil {
		return nil, err
	}
	if len(waiting) > 0 {
		return waiting, nil
	}
	if err := d.Locks.Acquire(ctx, lock.NameProcess, d.Options.LockWait, d.Options.LockTTL); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, nil
		}
		return nil, err
	}
	findErr := d.findWorkerProcesses(ctx)
	if relErr := d.Locks.Release(ctx, lock.NameProcess); relErr != nil && findErr == nil {
		findErr = relErr
	}
	if findErr != nil {
		return nil, findErr
	}
	return d.Queue.JobsForPID(ctx, d.PID)
}

// refetch claims more work mid-batch when the process lock is free.
func (d *Dispatcher) refetch(ctx context.Context) bool {
	got, err := d.Locks.TryAcquire(ctx, lock.NameProcess, d.Options.LockTTL)
	if err != nil || !got {
		return false
	}
	if err := d.findWorkerProcesses(ctx); err != nil {
		d.Log.Warn("Refetch failed", zap.Error(err))
	}
	if err := d.Locks.Release(ctx, lock.NameProcess); err != nil {
		d.Log.Warn("Failed to release process lock", zap.Error(err))
	}
	return true
}

// findWorkerProcesses claims the next batch of jobs for this process.
// Callers must hold the process lock.
func (d *Dispatcher) findWorkerProcesses(ctx context.Context) error {
	limit := int(d.Options.FetchLimit)
	if limit < 1 {
		limit = 1
	}
	var ids []int64
	priority, ok, err := d.nextPriority(ctx)
	if err != nil {
		return err
	}
	if ok {
		candidates, err := d.Queue.SelectCandidates(ctx, limit, queue.PriorityFilter{Exact: priority})
		if err != nil {
			return err
		}
		ids = d.collectFast(candidates, ids)
	}
	// Not enough at the chosen priority, fill up across all classes.
	if len(ids) < limit {
		candidates, err := d.Queue.SelectCandidates(ctx, limit-len(ids), queue.PriorityFilter{})
		if err != nil {
			return err
		}
		ids = d.collectFast(candidates, ids)
	}
	if len(ids) == 0 {
		return nil
	}
	claimed, err := d.Queue.Claim(ctx, d.PID, dedupe(ids))
	if err != nil {
		return err
	}
	d.Metrics.countClaims(ctx, claimed)
	return nil
}

// collectFast appends candidate ids, stopping after the first command that
// is not known to finish quickly. Slow jobs are claimed one at a time so a
// batch cannot sit unexecuted behind a long transfer.
func (d *Dispatcher) collectFast(candidates []queue.Job, ids []int64) []int64 {
	for i := range candidates {
		ids = append(ids, candidates[i].ID)
		if !d.isFastCommand(candidates[i].Command) {
			break
		}
	}
	return ids
}

func (d *Dispatcher) isFastCommand(command string) bool {
	for _, fast := range d.Options.FastCommands {
		if command == fast {
			return true
		}
	}
	return false
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// nextPriority picks the priority class to claim from.
//
// Critical work always wins. A pending class with no running worker is
// served next, so every class keeps making progress. Beyond that, each class
// gets a share of the fleet that grows quadratically with its urgency, and
// the first class below its share is chosen.
func (d *Dispatcher) nextPriority(ctx context.Context) (queue.Priority, bool, error) {
	waitingList, err := d.Queue.PendingPriorities(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(waitingList) == 0 {
		return 0, false, nil
	}
	waiting := make(map[queue.Priority]bool, len(waitingList))
	for _, p := range waitingList {
		waiting[p] = true
	}
	if waiting[queue.PriorityCritical] {
		return queue.PriorityCritical, true, nil
	}
	running, err := d.Queue.RunningByPriority(ctx)
	if err != nil {
		return 0, false, err
	}
	runningTotal := 0
	for _, n := range running {
		runningTotal += n
	}
	for _, p := range []queue.Priority{queue.PriorityHigh, queue.PriorityMedium, queue.PriorityLow, queue.PriorityNegligible} {
		if waiting[p] && running[p] == 0 {
			d.Log.Info("No running worker found for pending priority, assigning it",
				zap.Stringer("worker.priority", p))
			return p, true, nil
		}
	}
	activeProcs, err := d.Processes.CountByCommand(ctx, ProcessName)
	if err != nil {
		return 0, false, err
	}
	active := activeProcs
	if runningTotal > active {
		active = runningTotal
	}
	classes := len(waitingList)
	if len(running) > classes {
		classes = len(running)
	}
	total := 0
	for i := 1; i <= classes; i++ {
		total += i * i
	}
	limits := make([]int, classes)
	for i := 1; i <= classes; i++ {
		share := int(math.Round(float64(active) * float64(i*i) / float64(total)))
		if share < 1 {
			share = 1
		}
		limits[classes-i] = share
	}
	runKeys := make([]queue.Priority, 0, len(running))
	for p := range running {
		runKeys = append(runKeys, p)
	}
	sort.Slice(runKeys, func(i, j int) bool { return runKeys[i] < runKeys[j] })
	for i, p := range runKeys {
		if running[p] < limits[i] {
			d.Log.Info("Priority class is under its worker share, assigning it",
				zap.Stringer("worker.priority", p),
				zap.Int("worker.running", running[p]),
				zap.Int("worker.share", limits[i]))
			return p, true, nil
		}
	}
	return waitingList[0], true, nil
}
