package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.arbor.social/arbor/pkg/queue"
)

func newReaperEnv(t *testing.T) (*Reaper, *fakeQueue, *fakeProber) {
	opts := DefaultOptions
	q := newFakeQueue()
	prober := newFakeProber()
	return NewReaper(zaptest.NewLogger(t), q, prober, &opts), q, prober
}

func TestReaperDeadExecutor(t *testing.T) {
	r, q, _ := newReaperEnv(t)
	ctx := context.Background()
	id := mustAdd(t, q, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "a")
	mustClaim(t, q, 500, id)

	require.NoError(t, r.Sweep(ctx))
	job, ok := q.job(id)
	require.True(t, ok)
	assert.Zero(t, job.PID, "the dead executor's job returns to the queue")
	assert.False(t, job.Done)
	assert.Equal(t, queue.PriorityHigh, job.Priority, "a released job keeps its class")
	mine, err := q.JobsForPID(ctx, 500)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestReaperRuntimeBudget(t *testing.T) {
	r, q, prober := newReaperEnv(t)
	ctx := context.Background()
	prober.alive[600] = true
	prober.alive[601] = true
	stuck := mustAdd(t, q, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "stuck")
	mustClaim(t, q, 600, stuck)
	fine := mustAdd(t, q, queue.JobSpec{Priority: queue.PriorityHigh}, "Note", "fine")
	mustClaim(t, q, 601, fine)
	// Past the ten minute budget of the high class.
	q.jobs[stuck].Executed = time.Now().UTC().Add(-11 * time.Minute)

	sweepStart := time.Now().UTC()
	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, []int{600}, prober.terminated)

	job, ok := q.job(stuck)
	require.True(t, ok)
	assert.Zero(t, job.PID)
	assert.Equal(t, queue.PriorityMedium, job.Priority, "a killed job is demoted one class")
	assert.False(t, job.Created.Before(sweepStart), "a killed job is requeued at the front")

	job, ok = q.job(fine)
	require.True(t, ok)
	assert.Equal(t, 601, job.PID, "an executor within budget keeps its job")
}

func TestReaperCriticalKeepsClass(t *testing.T) {
	r, q, prober := newReaperEnv(t)
	ctx := context.Background()
	prober.alive[700] = true
	id := mustAdd(t, q, queue.JobSpec{Priority: queue.PriorityCritical}, "Note", "a")
	mustClaim(t, q, 700, id)
	q.jobs[id].Executed = time.Now().UTC().Add(-13 * time.Hour)

	require.NoError(t, r.Sweep(ctx))
	assert.Equal(t, []int{700}, prober.terminated)
	job, ok := q.job(id)
	require.True(t, ok)
	assert.Equal(t, queue.PriorityCritical, job.Priority)
}
