package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.arbor.social/arbor/pkg/redistest"
)

func TestManagerExclusion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	first := NewManager(rd.Client)
	second := NewManager(rd.Client)
	// First manager takes the lock
	ok, err := first.TryAcquire(ctx, NameWorker, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, first.IsHeld(NameWorker))
	// Re-entrant for the owner
	ok, err = first.TryAcquire(ctx, NameWorker, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	// Second manager is locked out
	ok, err = second.TryAcquire(ctx, NameWorker, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	err = second.Acquire(ctx, NameWorker, 300*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
	t.Log("Second manager timed out waiting for the lock")
	// Release hands it over
	require.NoError(t, first.Release(ctx, NameWorker))
	assert.False(t, first.IsHeld(NameWorker))
	require.NoError(t, second.Acquire(ctx, NameWorker, time.Second, time.Minute))
	assert.True(t, second.IsHeld(NameWorker))
}

func TestManagerOwnership(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	first := NewManager(rd.Client)
	second := NewManager(rd.Client)
	// First takes a lock with a tiny TTL and loses it to expiry
	ok, err := first.TryAcquire(ctx, NameProcess, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)
	ok, err = second.TryAcquire(ctx, NameProcess, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be acquirable")
	// The stale owner must not release the new owner's lock
	require.NoError(t, first.Release(ctx, NameProcess))
	exists, err := rd.Client.Exists(ctx, "lock:"+NameProcess).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "stale release must not delete the lock")
	// Releasing a lock that was never taken is a no-op
	require.NoError(t, first.Release(ctx, NameOptimize))
}

func TestManagerReleaseAll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rd := redistest.NewRedis(ctx, t)
	defer rd.Close(t)
	mgr := NewManager(rd.Client)
	for _, name := range []string{NameProcess, NameWorker, NameDBUpdate} {
		ok, err := mgr.TryAcquire(ctx, name, Forever)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, mgr.ReleaseAll(ctx))
	for _, name := range []string{NameProcess, NameWorker, NameDBUpdate} {
		assert.False(t, mgr.IsHeld(name))
		exists, err := rd.Client.Exists(ctx, "lock:"+name).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), exists)
	}
}
