// Package hooks implements an in-process callback registry.
//
// Components publish named events, addon-style consumers subscribe to them.
// The delivery pipeline raises hooks around outbound transmission so local
// extensions can observe or veto a delivery.
package hooks

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Func is a hook callback. Data is shared between all callbacks of one call,
// a callback may mutate it for its successors.
type Func func(ctx context.Context, data map[string]interface{}) error

// Registry maps event names to their subscribed callbacks.
type Registry struct {
	Log *zap.Logger

	mu    sync.RWMutex
	hooks map[string][]Func
}

// NewRegistry creates an empty hook registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		Log:   log,
		hooks: make(map[string][]Func),
	}
}

// Register subscribes a callback to an event name.
// Callbacks run in registration order.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = append(r.hooks[name], fn)
}

// CallAll invokes every callback subscribed to the event.
// The first error stops the chain and is returned to the caller.
func (r *Registry) CallAll(ctx context.Context, name string, data map[string]interface{}) error {
	r.mu.RLock()
	fns := r.hooks[name]
	r.mu.RUnlock()
	for i, fn := range fns {
		if err := fn(ctx, data); err != nil {
			r.Log.Warn("Hook failed",
				zap.String("hook.name", name),
				zap.Int("hook.index", i),
				zap.Error(err))
			return err
		}
	}
	return nil
}
