package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.arbor.social/arbor/cmd/providers"
	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/delivery"
	"go.arbor.social/arbor/pkg/item"
	"go.arbor.social/arbor/pkg/kvstore"
	"go.arbor.social/arbor/pkg/lock"
	"go.arbor.social/arbor/pkg/queue"
	"go.arbor.social/arbor/pkg/sysload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var migrateCmd = cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: "Creates the tables of the worker core. The schema lock is held\n" +
		"without expiry; a crashed migration requires a manual unlock.",
	Args: cobra.NoArgs,
	Run:  runMigrate,
}

func init() {
	rootCmd.AddCommand(&migrateCmd)
}

// tableCreator is implemented by every store with a schema.
type tableCreator interface {
	CreateTable(ctx context.Context) error
}

func runMigrate(cmd *cobra.Command, _ []string) {
	app := providers.NewApp(cmd,
		fx.Invoke(func(
			ctx context.Context,
			shutdown fx.Shutdowner,
			locks *lock.Manager,
			jobs *queue.Store,
			kv *kvstore.Store,
			procs *sysload.ProcessStore,
			contacts *contact.Store,
			owners *contact.OwnerStore,
			items *item.Store,
			mails *delivery.MailStore,
			suggests *delivery.SuggestStore,
			retry *delivery.RetryStore,
		) error {
			ok, err := locks.TryAcquire(ctx, lock.NameDBUpdate, lock.Forever)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("another migration is in progress: %w", lock.ErrNotAcquired)
			}
			defer func() {
				if err := locks.Release(context.Background(), lock.NameDBUpdate); err != nil {
					log.Error("Failed to release schema lock", zap.Error(err))
				}
			}()
			creators := []tableCreator{
				jobs, kv, procs, owners, contacts, items, mails, suggests, retry,
			}
			for _, c := range creators {
				if err := c.CreateTable(ctx); err != nil {
					return err
				}
			}
			log.Info("Schema up to date")
			return shutdown.Shutdown()
		}),
	)
	app.Run()
}
