// Package lock implements named distributed mutexes on Redis.
//
// Locks coordinate the worker fleet: only one process at a time may run the
// maintenance cron, compact the queue table, or apply schema migrations.
// Every lock is owned by a random token, so a process can never release a
// lock that a slow sibling lost to expiry and someone else re-acquired.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
)

// Well-known lock names.
const (
	NameProcess  = "worker_process"  // guards process registry mutations
	NameWorker   = "worker"          // guards the dispatcher critical section
	NameDBUpdate = "dbupdate"        // guards schema migrations
	NameOptimize = "optimize_tables" // guards queue table compaction
)

// Forever marks a lock without expiry, for migrations.
// Such a lock survives until its owner releases it or Redis restarts.
const Forever time.Duration = 0

// ErrNotAcquired gets raised when a lock could not be taken within the wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

// Manager acquires and releases named locks for one process.
type Manager struct {
	Redis  *redis.Client
	Prefix string // key prefix, defaults to "lock:"

	mu   sync.Mutex
	held map[string]string // lock name => owner token
}

// NewManager creates a lock manager.
func NewManager(rd *redis.Client) *Manager {
	return &Manager{
		Redis:  rd,
		Prefix: "lock:",
		held:   make(map[string]string),
	}
}

func (m *Manager) key(name string) string {
	return m.Prefix + name
}

// TryAcquire attempts to take a lock without waiting.
// Returns whether the lock was taken. Re-entrant for the owning manager.
func (m *Manager) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	if _, ok := m.held[name]; ok {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()
	var tokenBytes [16]byte
	if _, err := rand.Read(tokenBytes[:]); err != nil {
		return false, fmt.Errorf("failed to get lock token bytes: %w", err)
	}
	token := hex.EncodeToString(tokenBytes[:])
	ok, err := m.Redis.SetNX(ctx, m.key(name), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	m.mu.Lock()
	if m.held == nil {
		m.held = make(map[string]string)
	}
	m.held[name] = token
	m.mu.Unlock()
	return true, nil
}

// Acquire takes a lock, polling until it succeeds or the wait budget runs out.
// Returns ErrNotAcquired on timeout.
func (m *Manager) Acquire(ctx context.Context, name string, wait, ttl time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	poll := backoff.WithContext(backoff.NewConstantBackOff(100*time.Millisecond), waitCtx)
	err := backoff.Retry(func() error {
		ok, err := m.TryAcquire(waitCtx, name, ttl)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}, poll)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNotAcquired
	}
	return err
}

// Release frees a lock held by this manager.
// Releasing a lock that is not held is a no-op.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	token, ok := m.held[name]
	delete(m.held, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	// Script: Delete the lock only if we still own it.
	// Argument 1: Owner token
	// Key 1: Lock key
	// Returns whether the key was deleted.
	const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`
	if err := m.Redis.Eval(ctx, releaseScript, []string{m.key(name)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s via Lua: %w", name, err)
	}
	return nil
}

// ReleaseAll frees every lock held by this manager, for process shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.held))
	for name := range m.held {
		names = append(names, name)
	}
	m.mu.Unlock()
	var firstErr error
	for _, name := range names {
		if err := m.Release(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsHeld returns whether this manager currently holds the named lock.
// Expiry on the Redis side is not observed.
func (m *Manager) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}
