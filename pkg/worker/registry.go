package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.arbor.social/arbor/pkg/queue"
)

// Handler processes the jobs of one command.
type Handler interface {
	Run(ctx context.Context, args []string) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args []string) error

// Run calls the function.
func (f HandlerFunc) Run(ctx context.Context, args []string) error {
	return f(ctx, args)
}

// ErrUnknownCommand gets raised when a job names a command nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

// HandlerRegistry maps command names to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds a command name to a handler.
// Re-registering a command replaces the previous handler.
func (r *HandlerRegistry) Register(command string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = handler
}

// Resolve returns the handler for a command.
// Returns an error wrapping ErrUnknownCommand for unregistered commands.
func (r *HandlerRegistry) Resolve(command string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[command]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	return handler, nil
}

// running carries the live job through the handler's context.
type running struct {
	mu       sync.Mutex
	job      queue.Job
	deferred bool
}

type runningKey struct{}

func withRunning(ctx context.Context, run *running) context.Context {
	return context.WithValue(ctx, runningKey{}, run)
}

// CurrentJob returns the job a handler is running for.
func CurrentJob(ctx context.Context) (queue.Job, bool) {
	run, ok := ctx.Value(runningKey{}).(*running)
	if !ok {
		return queue.Job{}, false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.job, true
}

// DeferCurrent asks the executor to retry the current job later instead of
// completing it. Outside a handler this is a no-op.
func DeferCurrent(ctx context.Context) {
	run, ok := ctx.Value(runningKey{}).(*running)
	if !ok {
		return
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	run.deferred = true
}

func deferRequested(ctx context.Context) bool {
	run, ok := ctx.Value(runningKey{}).(*running)
	if !ok {
		return false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.deferred
}
