// Package providers wires the shared components of the arbor commands.
package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric/global"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// arbor.go
	NewQueueStore,
	NewLockManager,
	NewKVStore,
	NewProcessStore,
	NewMonitor,
	NewProber,
	NewContactStore,
	NewOwnerStore,
	NewItemStore,
	NewMailStore,
	NewSuggestStore,
	NewRetryStore,
	NewHooks,
	NewWorkerOptions,
	NewWorkerMetrics,
	NewDeliverer,
	NewHandlerRegistry,
	NewExecutor,
	NewReaper,
	NewDispatcher,
	NewCron,
	NewOnePoll,
	NewSpool,
	// mysql.go
	NewMySQL,
	// providers.go
	NewContext,
	// redis.go
	NewRedis,
}

// NewApp builds the dependency graph of one command invocation.
func NewApp(cmd *cobra.Command, opts ...fx.Option) *fx.App {
	baseOpts := []fx.Option{
		fx.Provide(Providers...),
		fx.Supply(cmd),
		fx.Supply(Log),
		fx.Logger(zap.NewStdLog(Log)),
		fx.Supply(global.GetMeterProvider().Meter(cmd.Name())),
	}
	baseOpts = append(baseOpts, opts...)
	return fx.New(baseOpts...)
}

// NewContext provides a context that cancels on app shutdown.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
