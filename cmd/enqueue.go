package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.arbor.social/arbor/cmd/providers"
	"go.arbor.social/arbor/pkg/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var enqueueCmd = cobra.Command{
	Use:   "enqueue <command> [args...]",
	Short: "Enqueue a job",
	Args:  cobra.MinimumNArgs(1),
	Run:   runEnqueue,
}

func init() {
	flags := enqueueCmd.Flags()
	flags.String("priority", "medium", "Job priority (critical, high, medium, low, negligible)")
	flags.Duration("delay", 0, "Earliest execution delay")
	flags.Bool("force", false, "Raise the priority of an already queued duplicate")

	rootCmd.AddCommand(&enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	flags := cmd.Flags()
	priorityName, err := flags.GetString("priority")
	if err != nil {
		panic(err)
	}
	priority, err := parsePriority(priorityName)
	if err != nil {
		log.Fatal("Invalid priority", zap.Error(err))
	}
	delay, err := flags.GetDuration("delay")
	if err != nil {
		panic(err)
	}
	force, err := flags.GetBool("force")
	if err != nil {
		panic(err)
	}
	spec := queue.JobSpec{
		Priority:      priority,
		ForcePriority: force,
		DontFork:      true,
	}
	if delay > 0 {
		spec.Delayed = time.Now().UTC().Add(delay)
	}
	app := providers.NewApp(cmd,
		fx.Invoke(func(ctx context.Context, shutdown fx.Shutdowner, store *queue.Store) error {
			added, err := store.Add(ctx, spec, args[0], args[1:]...)
			if err != nil {
				return err
			}
			if added {
				log.Info("Job enqueued",
					zap.String("job.command", args[0]),
					zap.Stringer("job.priority", priority))
			} else {
				log.Info("Identical job already queued",
					zap.String("job.command", args[0]))
			}
			return shutdown.Shutdown()
		}),
	)
	app.Run()
}

func parsePriority(name string) (queue.Priority, error) {
	for _, p := range []queue.Priority{
		queue.PriorityCritical,
		queue.PriorityHigh,
		queue.PriorityMedium,
		queue.PriorityLow,
		queue.PriorityNegligible,
	} {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority: %s", name)
}
