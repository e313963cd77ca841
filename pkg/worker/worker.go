// Package worker implements the background job processing fleet.
//
// Architecture
//
// The Dispatcher drives one executor process: it claims batches of jobs from
// the persistent queue and runs them through registered handlers. Any number
// of dispatcher processes cooperate on the same queue, coordinated only
// through the job store and the lock manager. The fleet is self-regulating:
// the effective worker ceiling shrinks superlinearly as the host load rises,
// a fast lane opens when urgent jobs are starved by long-running low
// priority work, and an extra process is forked when the ceiling permits
// more workers than are running.
//
// The Reaper takes back jobs from dead executors and kills executors that
// exceed the runtime budget of their priority class. Handlers that hit a
// temporary failure defer their job; deferred jobs retry on a polynomially
// growing schedule and decay in priority as the retries pile up.
package worker

import (
	"context"
	"time"

	"go.arbor.social/arbor/pkg/queue"
)

// Options configure the worker fleet.
type Options struct {
	// Queues is the executor ceiling at zero load.
	Queues uint
	// LoadExponent shapes how fast the ceiling shrinks as load rises.
	LoadExponent float64
	// FetchLimit is the number of jobs claimed per fetch.
	FetchLimit uint
	// FastLane permits one extra executor when urgent jobs are starved.
	FastLane bool
	// DontFork disables spawning extra executors.
	DontFork bool
	// Cooldown is slept before and after every job, zero disables.
	Cooldown time.Duration
	// Lifetime is how long a dispatcher runs before respawning.
	Lifetime time.Duration
	// StaleSweep is the minimum time between reaper sweeps.
	StaleSweep time.Duration
	// GateCheck is the interval between in-loop resource gate checks.
	GateCheck time.Duration
	// HeartbeatAge is the maximum age of a job's heart beat before refresh.
	HeartbeatAge time.Duration
	// DeferLimit is the retry ceiling, beyond it a deferred job is dropped.
	DeferLimit int
	// LockWait bounds blocking lock acquisitions.
	LockWait time.Duration
	// LockTTL expires locks of crashed processes.
	LockTTL time.Duration
	// MaxDuration is the runtime budget per priority class, in effect
	// the kill threshold of the reaper.
	MaxDuration map[queue.Priority]time.Duration
	// FastCommands may be claimed in bulk beyond the first slow command.
	FastCommands []string
}

// DefaultOptions for the worker fleet.
var DefaultOptions = Options{
	Queues:       10,
	LoadExponent: 3,
	FetchLimit:   1,
	FastLane:     true,
	DontFork:     false,
	Cooldown:     0,
	Lifetime:     5 * time.Minute,
	StaleSweep:   5 * time.Minute,
	GateCheck:    5 * time.Second,
	HeartbeatAge: time.Minute,
	DeferLimit:   15,
	LockWait:     2 * time.Minute,
	LockTTL:      10 * time.Minute,
	MaxDuration: map[queue.Priority]time.Duration{
		queue.PriorityCritical:   720 * time.Minute,
		queue.PriorityHigh:       10 * time.Minute,
		queue.PriorityMedium:     60 * time.Minute,
		queue.PriorityLow:        180 * time.Minute,
		queue.PriorityNegligible: 720 * time.Minute,
	},
	FastCommands: []string{"Delivery", "APDelivery"},
}

// ProcessName is how dispatcher processes register themselves.
const ProcessName = "worker"

// Queue is the job store surface the worker components consume.
type Queue interface {
	Add(ctx context.Context, spec queue.JobSpec, command string, args ...string) (bool, error)
	HasPending(ctx context.Context) (bool, error)
	CountPending(ctx context.Context) (int, error)
	CountDeferred(ctx context.Context) (int, error)
	HighestPendingPriority(ctx context.Context) (queue.Priority, bool, error)
	PendingPriorities(ctx context.Context) ([]queue.Priority, error)
	RunningAtOrAbove(ctx context.Context, priority queue.Priority) (bool, error)
	RunningByPriority(ctx context.Context) (map[queue.Priority]int, error)
	SelectCandidates(ctx context.Context, limit int, filter queue.PriorityFilter) ([]queue.Job, error)
	Claim(ctx context.Context, pid int, ids []int64) (int64, error)
	JobsForPID(ctx context.Context, pid int) ([]queue.Job, error)
	InFlight(ctx context.Context) ([]queue.Job, error)
	Heartbeat(ctx context.Context, pid int) error
	MarkDone(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
	Reset(ctx context.Context, id int64) error
	RequeueFront(ctx context.Context, id int64, priority queue.Priority) error
	Unclaim(ctx context.Context, pid int) error
	Defer(ctx context.Context, id int64, retrial int, nextTry time.Time, priority queue.Priority) error
}

// Processes is the process registry surface.
type Processes interface {
	Register(ctx context.Context, pid int, command string) error
	Deregister(ctx context.Context, pid int) error
	CountByCommand(ctx context.Context, command string) (int, error)
}

// Locker is the lock manager surface.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Acquire(ctx context.Context, name string, wait, ttl time.Duration) error
	Release(ctx context.Context, name string) error
}

// Gates is the resource monitor surface.
type Gates interface {
	CurrentLoad() (float64, bool)
	LoadCeiling() float64
	LoadOK() bool
	MemoryOK() bool
	ConnectionsOK(ctx context.Context) bool
	DBProcessesOK(ctx context.Context) bool
}

// KV is the dynamic config surface.
type KV interface {
	GetTime(ctx context.Context, scope, key string) (time.Time, error)
	SetTime(ctx context.Context, scope, key string, value time.Time) error
	GetBool(ctx context.Context, scope, key string, fallback bool) (bool, error)
}

// SpawnFunc asks the supervisor for one additional executor process.
type SpawnFunc func(ctx context.Context) error
