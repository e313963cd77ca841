package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.arbor.social/arbor/cmd/providers"
	"go.arbor.social/arbor/pkg/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var workerCmd = cobra.Command{
	Use:   "worker",
	Short: "Run one worker process",
	Long: "Claims and executes jobs from the shared queue until it drains,\n" +
		"a resource gate closes, or the process lifetime is reached.\n" +
		"Invoke with --cron from the system crontab to also enqueue the\n" +
		"periodic maintenance jobs.",
	Args: cobra.NoArgs,
	Run:  runWorker,
}

func init() {
	flags := workerCmd.Flags()
	flags.Bool("cron", false, "Enqueue periodic maintenance jobs")

	rootCmd.AddCommand(&workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) {
	runCron, err := cmd.Flags().GetBool("cron")
	if err != nil {
		panic(err)
	}
	app := providers.NewApp(cmd,
		fx.Invoke(providers.ServeMetrics),
		fx.Invoke(func(
			lc fx.Lifecycle,
			shutdown fx.Shutdowner,
			ctx context.Context,
			dispatcher *worker.Dispatcher,
		) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					go func() {
						err := dispatcher.ProcessQueue(ctx, runCron)
						if err != nil && !errors.Is(err, context.Canceled) {
							log.Error("Worker failed", zap.Error(err))
						}
						if err := shutdown.Shutdown(); err != nil {
							log.Error("Shutdown failed", zap.Error(err))
						}
					}()
					return nil
				},
			})
		}),
	)
	app.Run()
}
