package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.arbor.social/arbor/pkg/queue"
)

type dispatcherEnv struct {
	Dispatcher *Dispatcher
	Queue      *fakeQueue
	Processes  *fakeProcesses
	Gates      *fakeGates
	KV         *fakeKV
	Prober     *fakeProber
	Handlers   *HandlerRegistry
}

func newDispatcherEnv(t *testing.T, pid int) *dispatcherEnv {
	opts := DefaultOptions
	opts.Queues = 4
	log := zaptest.NewLogger(t)
	q := newFakeQueue()
	procs := newFakeProcesses()
	gates := newFakeGates()
	kv := newFakeKV()
	prober := newFakeProber()
	handlers := NewHandlerRegistry()
	exec := NewExecutor(log, q, handlers, kv, gates, &opts, pid)
	reaper := NewReaper(log, q, prober, &opts)
	d := &Dispatcher{
		Log:       log,
		Queue:     q,
		Processes: procs,
		Locks:     newFakeLocks(),
		Gates:     gates,
		KV:        kv,
		Executor:  exec,
		Reaper:    reaper,
		Options:   &opts,
		PID:       pid,
	}
	return &dispatcherEnv{
		Dispatcher: d,
		Queue:      q,
		Processes:  procs,
		Gates:      gates,
		KV:         kv,
		Prober:     prober,
		Handlers:   handlers,
	}
}

func mustAdd(t *testing.T, q *fakeQueue, spec queue.JobSpec, command string, args ...string) int64 {
	t.Helper()
	added, err := q.Add(context.Background(), spec, command, args...)
	require.NoError(t, err)
	require.True(t, added, "job should be inserted")
	return q.nextID
}

func mustClaim(t *testing.T, q *fakeQueue, pid int, ids ...int64) {
	t.Helper()
	claimed, err := q.Claim(context.Background(), pid, ids)
	require.NoError(t, err)
	require.EqualValues(t, len(ids), claimed)
}

func TestProcessQueueDrainsByPriority(t *testing.T) {
	env := newDispatcherEnv(t, 101)
	ctx := context.Background()
	var (
		mu  sync.Mutex
		ran []string
	)
	env.Handlers.Register("Note", HandlerFunc(func(_ context.Context, args []string) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, args[0])
		return nil
	}))
	now := time.Now().UTC()
	mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityLow, CreatedAt: now.Add(-2 * time.Minute)}, "Note", "low-old")
	mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityLow, CreatedAt: now.Add(-time.Minute)}, "Note", "low-new")
	mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityMedium}, "Note", "medium")
	mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityCritical}, "Note", "critical")

	require.NoError(t, env.Dispatcher.ProcessQueue(ctx, false))
	assert.Equal(t, []string{"critical", "medium", "low-old", "low-new"}, ran)
	pending, err := env.Queue.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "queue should be drained")
	assert.Empty(t, env.Processes.pids, "process should have deregistered")
}

func TestProcessQueueLoadGate(t *testing.T) {
	env := newDispatcherEnv(t, 102)
	ctx := context.Background()
	env.Handlers.Register("Note", HandlerFunc(func(context.Context, []string) error {
		t.Fatal("no job must run under full load")
		return nil
	}))
	mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "x")
	env.Gates.load = env.Gates.ceiling

	require.NoError(t, env.Dispatcher.ProcessQueue(ctx, false))
	pending, err := env.Queue.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "job must stay queued")
	assert.Empty(t, env.Processes.pids, "process must not register under full load")
}

func TestProcessQueueMaintenance(t *testing.T) {
	env := newDispatcherEnv(t, 103)
	ctx := context.Background()
	require.NoError(t, env.KV.SetBool(ctx, "system", "maintenance", true))
	env.Handlers.Register("Note", HandlerFunc(func(context.Context, []string) error {
		t.Fatal("no job must run in maintenance mode")
		return nil
	}))
	id := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "x")

	require.NoError(t, env.Dispatcher.ProcessQueue(ctx, false))
	job, ok := env.Queue.job(id)
	require.True(t, ok)
	assert.False(t, job.Done)
}

func TestTooManyWorkersLoadCeiling(t *testing.T) {
	env := newDispatcherEnv(t, 104)
	ctx := context.Background()
	for pid := 1; pid <= 3; pid++ {
		require.NoError(t, env.Processes.Register(ctx, pid, ProcessName))
	}

	// Zero load, 3 active vs ceiling 4.
	tooMany, err := env.Dispatcher.tooManyWorkers(ctx, false)
	require.NoError(t, err)
	assert.False(t, tooMany)

	// Half load shrinks the ceiling to ceil(4 * 0.5^3) = 1.
	env.Gates.load = env.Gates.ceiling / 2
	tooMany, err = env.Dispatcher.tooManyWorkers(ctx, false)
	require.NoError(t, err)
	assert.True(t, tooMany)

	// Full load shrinks the ceiling to zero, even one worker is too many.
	env.Processes.pids = map[int]string{1: ProcessName}
	env.Gates.load = env.Gates.ceiling
	tooMany, err = env.Dispatcher.tooManyWorkers(ctx, false)
	require.NoError(t, err)
	assert.True(t, tooMany)
}

func TestFastLane(t *testing.T) {
	env := newDispatcherEnv(t, 105)
	ctx := context.Background()
	env.Dispatcher.Options.Queues = 1
	require.NoError(t, env.Processes.Register(ctx, 1, ProcessName))
	require.NoError(t, env.Processes.Register(ctx, 2, ProcessName))

	// Urgent job pending, nobody executing at its level: the fast lane opens
	// one slot past the active count.
	mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "urgent")
	tooMany, err := env.Dispatcher.tooManyWorkers(ctx, false)
	require.NoError(t, err)
	assert.False(t, tooMany, "fast lane should open for starved urgent work")

	// Same urgent backlog, but an executor already runs at that level.
	blocker := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "running")
	mustClaim(t, env.Queue, 1, blocker)
	tooMany, err = env.Dispatcher.tooManyWorkers(ctx, false)
	require.NoError(t, err)
	assert.True(t, tooMany, "fast lane must stay closed while urgent work is executing")

	// Negligible work never opens the fast lane.
	env2 := newDispatcherEnv(t, 106)
	env2.Dispatcher.Options.Queues = 1
	require.NoError(t, env2.Processes.Register(ctx, 1, ProcessName))
	require.NoError(t, env2.Processes.Register(ctx, 2, ProcessName))
	mustAdd(t, env2.Queue, queue.JobSpec{Priority: queue.PriorityNegligible}, "Note", "later")
	tooMany, err = env2.Dispatcher.tooManyWorkers(ctx, false)
	require.NoError(t, err)
	assert.True(t, tooMany)
}

func TestNextPriority(t *testing.T) {
	ctx := context.Background()

	t.Run("CriticalFirst", func(t *testing.T) {
		env := newDispatcherEnv(t, 107)
		mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityLow}, "Note", "a")
		mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityCritical}, "Note", "b")
		priority, ok, err := env.Dispatcher.nextPriority(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, queue.PriorityCritical, priority)
	})

	t.Run("IdleClassWins", func(t *testing.T) {
		env := newDispatcherEnv(t, 108)
		running := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityMedium}, "Note", "claimed")
		mustClaim(t, env.Queue, 1, running)
		mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityMedium}, "Note", "a")
		mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityLow}, "Note", "b")
		priority, ok, err := env.Dispatcher.nextPriority(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, queue.PriorityLow, priority, "a pending class with no runner is served first")
	})

	t.Run("UnderShareWins", func(t *testing.T) {
		env := newDispatcherEnv(t, 109)
		// Two running per class over four executors. The quadratic split
		// grants high three slots and medium one, so high is under its share
		// and medium is over it.
		for pid := 1; pid <= 2; pid++ {
			id := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Run", "h", string(rune('0'+pid)))
			mustClaim(t, env.Queue, pid, id)
		}
		for pid := 3; pid <= 4; pid++ {
			id := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityMedium}, "Run", "m", string(rune('0'+pid)))
			mustClaim(t, env.Queue, pid, id)
		}
		mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "a")
		mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityMedium}, "Note", "b")
		priority, ok, err := env.Dispatcher.nextPriority(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, queue.PriorityHigh, priority)
	})

	t.Run("EmptyQueue", func(t *testing.T) {
		env := newDispatcherEnv(t, 110)
		_, ok, err := env.Dispatcher.nextPriority(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClaimBulkFastCommands(t *testing.T) {
	env := newDispatcherEnv(t, 111)
	ctx := context.Background()
	env.Dispatcher.Options.FetchLimit = 4
	now := time.Now().UTC()
	fast1 := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh, CreatedAt: now.Add(-4 * time.Minute)}, "Delivery", "1")
	fast2 := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh, CreatedAt: now.Add(-3 * time.Minute)}, "APDelivery", "2")
	slow := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh, CreatedAt: now.Add(-2 * time.Minute)}, "Expire", "3")
	tail := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh, CreatedAt: now.Add(-time.Minute)}, "Delivery", "4")

	require.NoError(t, env.Dispatcher.findWorkerProcesses(ctx))
	mine, err := env.Queue.JobsForPID(ctx, env.Dispatcher.PID)
	require.NoError(t, err)
	var ids []int64
	for _, job := range mine {
		ids = append(ids, job.ID)
	}
	// The claim stops after the first slow command, the trailing fast job
	// stays for the next fetch.
	assert.ElementsMatch(t, []int64{fast1, fast2, slow}, ids)
	left, ok := env.Queue.job(tail)
	require.True(t, ok)
	assert.Zero(t, left.PID)
}

func TestAddSpawnsWorker(t *testing.T) {
	env := newDispatcherEnv(t, 112)
	ctx := context.Background()
	spawned := 0
	env.Dispatcher.Spawn = func(context.Context) error {
		spawned++
		return nil
	}

	added, err := env.Dispatcher.Add(ctx, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "a")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, spawned)

	// Delayed jobs do not wake the fleet.
	added, err = env.Dispatcher.Add(ctx, queue.JobSpec{
		Priority: queue.PriorityHigh,
		Delayed:  time.Now().UTC().Add(time.Hour),
	}, "Note", "b")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, spawned)

	// Duplicates neither insert nor spawn.
	added, err = env.Dispatcher.Add(ctx, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "a")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, spawned)
}

func TestSweepStaleIfDue(t *testing.T) {
	env := newDispatcherEnv(t, 113)
	ctx := context.Background()
	dead := mustAdd(t, env.Queue, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "a")
	mustClaim(t, env.Queue, 999, dead)

	// First call is due, the dead executor's job returns to the queue.
	require.NoError(t, env.Dispatcher.sweepStaleIfDue(ctx))
	job, ok := env.Queue.job(dead)
	require.True(t, ok)
	assert.Zero(t, job.PID)

	// A sweep within the interval is skipped.
	mustClaim(t, env.Queue, 999, dead)
	require.NoError(t, env.Dispatcher.sweepStaleIfDue(ctx))
	job, ok = env.Queue.job(dead)
	require.True(t, ok)
	assert.Equal(t, 999, job.PID)
}
