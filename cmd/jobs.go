package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.arbor.social/arbor/cmd/providers"
	"go.arbor.social/arbor/pkg/queue"
	"go.uber.org/fx"
)

var jobsCmd = cobra.Command{
	Use:   "jobs",
	Short: "Show queue state",
	Args:  cobra.NoArgs,
	Run:   runJobs,
}

func init() {
	rootCmd.AddCommand(&jobsCmd)
}

func runJobs(cmd *cobra.Command, _ []string) {
	app := providers.NewApp(cmd,
		fx.Invoke(func(ctx context.Context, shutdown fx.Shutdowner, store *queue.Store) error {
			pending, err := store.CountPending(ctx)
			if err != nil {
				return err
			}
			deferred, err := store.CountDeferred(ctx)
			if err != nil {
				return err
			}
			running, err := store.RunningByPriority(ctx)
			if err != nil {
				return err
			}
			runningTotal := 0
			for _, n := range running {
				runningTotal += n
			}
			fmt.Printf("waiting:  %d\n", pending-deferred)
			fmt.Printf("deferred: %d\n", deferred)
			fmt.Printf("running:  %d\n", runningTotal)
			for _, p := range []queue.Priority{
				queue.PriorityCritical,
				queue.PriorityHigh,
				queue.PriorityMedium,
				queue.PriorityLow,
				queue.PriorityNegligible,
			} {
				if n := running[p]; n > 0 {
					fmt.Printf("  %s: %d\n", p, n)
				}
			}
			return shutdown.Shutdown()
		}),
	)
	app.Run()
}
