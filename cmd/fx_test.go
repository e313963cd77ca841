package main

import (
	"testing"

	"go.arbor.social/arbor/cmd/providers/providerstest"
	"go.arbor.social/arbor/pkg/delivery"
	"go.arbor.social/arbor/pkg/poll"
	"go.arbor.social/arbor/pkg/worker"
	"go.uber.org/fx"
)

// Checks that the dependency graph of every subcommand resolves.
func TestAppGraph(t *testing.T) {
	providerstest.Validate(t, fx.Invoke(func(
		_ *worker.Dispatcher,
		_ *worker.Executor,
		_ *worker.Reaper,
		_ *poll.Cron,
		_ *poll.OnePoll,
		_ *poll.Spool,
		_ *delivery.Deliverer,
	) {
	}))
}
