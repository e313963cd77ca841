package providers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/contact"
	"go.arbor.social/arbor/pkg/delivery"
	"go.arbor.social/arbor/pkg/hooks"
	"go.arbor.social/arbor/pkg/item"
	"go.arbor.social/arbor/pkg/kvstore"
	"go.arbor.social/arbor/pkg/lock"
	"go.arbor.social/arbor/pkg/poll"
	"go.arbor.social/arbor/pkg/queue"
	"go.arbor.social/arbor/pkg/ratelimit"
	"go.arbor.social/arbor/pkg/sysload"
	"go.arbor.social/arbor/pkg/worker"
)

// Config keys.
const (
	ConfBaseURL  = "system.base_url"
	ConfSpoolDir = "system.spool_dir"

	ConfWorkerQueues     = "worker.queues"
	ConfWorkerFetchLimit = "worker.fetch_limit"
	ConfWorkerFastLane   = "worker.fastlane"
	ConfWorkerDontFork   = "worker.dont_fork"
	ConfWorkerCooldown   = "worker.cooldown"
	ConfWorkerDeferLimit = "worker.defer_limit"

	ConfSysloadMaxLoad        = "sysload.max_load"
	ConfSysloadMinMemoryMB    = "sysload.min_memory_mb"
	ConfSysloadMaxConnections = "sysload.max_connections_level"
	ConfSysloadMaxDBProcesses = "sysload.max_db_processes"

	ConfPollMinInterval  = "poll.min_interval"
	ConfPollAbandonAfter = "poll.abandon_after"
	ConfPollBatch        = "poll.batch"
	ConfPollRate         = "poll.fetch_rate"
	ConfPollRateWindow   = "poll.fetch_rate_window"

	ConfDeliveryOwnerCacheSize = "delivery.owner_cache.size"
	ConfDeliveryOwnerCacheTTL  = "delivery.owner_cache.ttl"
)

func init() {
	viper.SetDefault(ConfBaseURL, "")
	viper.SetDefault(ConfSpoolDir, "/var/spool/arbor")

	viper.SetDefault(ConfWorkerQueues, worker.DefaultOptions.Queues)
	viper.SetDefault(ConfWorkerFetchLimit, worker.DefaultOptions.FetchLimit)
	viper.SetDefault(ConfWorkerFastLane, worker.DefaultOptions.FastLane)
	viper.SetDefault(ConfWorkerDontFork, worker.DefaultOptions.DontFork)
	viper.SetDefault(ConfWorkerCooldown, worker.DefaultOptions.Cooldown)
	viper.SetDefault(ConfWorkerDeferLimit, worker.DefaultOptions.DeferLimit)

	viper.SetDefault(ConfSysloadMaxLoad, sysload.DefaultOptions.MaxSysLoad)
	viper.SetDefault(ConfSysloadMinMemoryMB, sysload.DefaultOptions.MinMemoryMB)
	viper.SetDefault(ConfSysloadMaxConnections, sysload.DefaultOptions.MaxConnectionsLevel)
	viper.SetDefault(ConfSysloadMaxDBProcesses, sysload.DefaultOptions.MaxDBProcesses)

	viper.SetDefault(ConfPollMinInterval, poll.DefaultOptions.MinPollInterval)
	viper.SetDefault(ConfPollAbandonAfter, poll.DefaultOptions.AbandonAfter)
	viper.SetDefault(ConfPollBatch, poll.DefaultOptions.PollBatch)
	viper.SetDefault(ConfPollRate, float64(0))
	viper.SetDefault(ConfPollRateWindow, uint(60))

	viper.SetDefault(ConfDeliveryOwnerCacheSize, delivery.DefaultOptions.OwnerCacheSize)
	viper.SetDefault(ConfDeliveryOwnerCacheTTL, delivery.DefaultOptions.OwnerCacheTTL)
}

// Collaborators are the protocol implementations plugged in at build time.
// The worker core stays agnostic of payload encodings; a build without a
// protocol simply does not register the handlers needing it.
type Collaborators struct {
	fx.In
	DFRN     delivery.DFRNSender     `optional:"true"`
	Diaspora delivery.DiasporaSender `optional:"true"`
	Mailer   delivery.MailSender     `optional:"true"`
	Fetchers map[string]poll.Fetcher `optional:"true"`
	Spool    poll.ItemSink           `optional:"true"`
}

// NewQueueStore provides the persistent job queue.
func NewQueueStore(db *sqlx.DB) *queue.Store {
	return queue.NewStore(db)
}

// NewLockManager provides the distributed lock manager.
func NewLockManager(rd *redis.Client) *lock.Manager {
	return lock.NewManager(rd)
}

// NewKVStore provides the dynamic config store.
func NewKVStore(db *sqlx.DB) *kvstore.Store {
	return kvstore.NewStore(db)
}

// NewProcessStore provides the executor process registry.
func NewProcessStore(db *sqlx.DB) *sysload.ProcessStore {
	return sysload.NewProcessStore(db)
}

// NewMonitor provides the resource gates.
func NewMonitor(db *sqlx.DB, log *zap.Logger) *sysload.Monitor {
	opts := sysload.Options{
		MaxSysLoad:          viper.GetFloat64(ConfSysloadMaxLoad),
		MinMemoryMB:         viper.GetUint64(ConfSysloadMinMemoryMB),
		MaxConnectionsLevel: viper.GetUint(ConfSysloadMaxConnections),
		MaxDBProcesses:      viper.GetUint(ConfSysloadMaxDBProcesses),
	}
	return sysload.NewMonitor(db, log.Named("sysload"), &opts)
}

// NewProber provides the OS process liveness prober.
func NewProber() sysload.Prober {
	return sysload.UnixProber{}
}

func NewContactStore(db *sqlx.DB) *contact.Store {
	return contact.NewStore(db)
}

func NewOwnerStore(db *sqlx.DB) *contact.OwnerStore {
	return contact.NewOwnerStore(db)
}

func NewItemStore(db *sqlx.DB) *item.Store {
	return item.NewStore(db)
}

func NewMailStore(db *sqlx.DB) *delivery.MailStore {
	return delivery.NewMailStore(db)
}

func NewSuggestStore(db *sqlx.DB) *delivery.SuggestStore {
	return delivery.NewSuggestStore(db)
}

func NewRetryStore(db *sqlx.DB) *delivery.RetryStore {
	return delivery.NewRetryStore(db)
}

// NewHooks provides the addon hook registry.
func NewHooks(log *zap.Logger) *hooks.Registry {
	return hooks.NewRegistry(log.Named("hooks"))
}

// NewWorkerOptions reads the worker fleet options from config.
func NewWorkerOptions() *worker.Options {
	opts := worker.DefaultOptions
	opts.Queues = viper.GetUint(ConfWorkerQueues)
	opts.FetchLimit = viper.GetUint(ConfWorkerFetchLimit)
	opts.FastLane = viper.GetBool(ConfWorkerFastLane)
	opts.DontFork = viper.GetBool(ConfWorkerDontFork)
	opts.Cooldown = viper.GetDuration(ConfWorkerCooldown)
	opts.DeferLimit = viper.GetInt(ConfWorkerDeferLimit)
	return &opts
}

// NewWorkerMetrics registers the worker metrics on the command's meter.
func NewWorkerMetrics(m metric.Meter) (*worker.Metrics, error) {
	return worker.NewMetrics(m)
}

// NewDeliverer builds the delivery pipeline.
func NewDeliverer(
	log *zap.Logger,
	contacts *contact.Store,
	owners *contact.OwnerStore,
	items *item.Store,
	mails *delivery.MailStore,
	suggests *delivery.SuggestStore,
	retry *delivery.RetryStore,
	kv *kvstore.Store,
	hookReg *hooks.Registry,
	collab Collaborators,
) (*delivery.Deliverer, error) {
	opts := delivery.DefaultOptions
	opts.BaseURL = viper.GetString(ConfBaseURL)
	opts.OwnerCacheSize = viper.GetInt(ConfDeliveryOwnerCacheSize)
	opts.OwnerCacheTTL = viper.GetDuration(ConfDeliveryOwnerCacheTTL)
	d, err := delivery.NewDeliverer(log.Named("delivery"), &opts)
	if err != nil {
		return nil, err
	}
	d.Contacts = contacts
	d.Owners = owners
	d.Items = items
	d.Mails = mails
	d.Suggests = suggests
	d.Config = kv
	d.Retry = retry
	d.Hooks = hookReg
	d.DFRN = collab.DFRN
	d.Diaspora = collab.Diaspora
	d.Mailer = collab.Mailer
	return d, nil
}

// NewCron builds the periodic maintenance cycle.
func NewCron(
	log *zap.Logger,
	jobs *queue.Store,
	locks *lock.Manager,
	kv *kvstore.Store,
	contacts *contact.Store,
	retry *delivery.RetryStore,
) *poll.Cron {
	opts := poll.DefaultOptions
	opts.MinPollInterval = viper.GetDuration(ConfPollMinInterval)
	opts.AbandonAfter = viper.GetDuration(ConfPollAbandonAfter)
	opts.PollBatch = viper.GetInt(ConfPollBatch)
	return &poll.Cron{
		Log:      log.Named("cron"),
		Jobs:     jobs,
		Queue:    jobs,
		Locks:    locks,
		KV:       kv,
		Contacts: contacts,
		Retry:    retry,
		Options:  &opts,
	}
}

// NewOnePoll builds the single-contact poll handler.
// A zero fetch rate disables pacing.
func NewOnePoll(log *zap.Logger, contacts *contact.Store, collab Collaborators) *poll.OnePoll {
	var limit *ratelimit.RateLimit
	if rate := viper.GetFloat64(ConfPollRate); rate > 0 {
		limit = ratelimit.NewRateLimit(float32(rate), viper.GetUint(ConfPollRateWindow))
	}
	return &poll.OnePoll{
		Log:      log.Named("poll"),
		Contacts: contacts,
		Fetchers: collab.Fetchers,
		Limit:    limit,
	}
}

// NewSpool builds the on-disk post spool.
func NewSpool(log *zap.Logger, collab Collaborators) *poll.Spool {
	return &poll.Spool{
		Log:  log.Named("spool"),
		Dir:  viper.GetString(ConfSpoolDir),
		Sink: collab.Spool,
	}
}

// NewHandlerRegistry binds the job commands to their handlers.
// Commands whose protocol collaborator is absent stay unregistered.
func NewHandlerRegistry(
	d *delivery.Deliverer,
	cron *poll.Cron,
	onePoll *poll.OnePoll,
	spool *poll.Spool,
) *worker.HandlerRegistry {
	registry := worker.NewHandlerRegistry()
	registry.Register(poll.Command, cron.Handler())
	registry.Register(poll.OnePollCommand, onePoll.Handler())
	if spool.Sink != nil {
		registry.Register(poll.SpoolCommand, spool.Handler())
	}
	if d.DFRN != nil {
		registry.Register(delivery.Command, d.Handler())
		registry.Register(delivery.RetryCommand, d.RetryHandler())
	}
	return registry
}

// NewExecutor builds the job executor of this process.
func NewExecutor(
	log *zap.Logger,
	q *queue.Store,
	handlers *worker.HandlerRegistry,
	kv *kvstore.Store,
	gates *sysload.Monitor,
	opts *worker.Options,
	metrics *worker.Metrics,
) *worker.Executor {
	e := worker.NewExecutor(log.Named("executor"), q, handlers, kv, gates, opts, os.Getpid())
	e.Metrics = metrics
	return e
}

// NewReaper builds the stale worker reaper.
func NewReaper(
	log *zap.Logger,
	q *queue.Store,
	prober sysload.Prober,
	opts *worker.Options,
	metrics *worker.Metrics,
) *worker.Reaper {
	r := worker.NewReaper(log.Named("reaper"), q, prober, opts)
	r.Metrics = metrics
	return r
}

// NewDispatcher builds the dispatcher of this process.
func NewDispatcher(
	log *zap.Logger,
	q *queue.Store,
	procs *sysload.ProcessStore,
	locks *lock.Manager,
	gates *sysload.Monitor,
	kv *kvstore.Store,
	executor *worker.Executor,
	reaper *worker.Reaper,
	opts *worker.Options,
	metrics *worker.Metrics,
) *worker.Dispatcher {
	return &worker.Dispatcher{
		Log:       log.Named("dispatcher"),
		Queue:     q,
		Processes: procs,
		Locks:     locks,
		Gates:     gates,
		KV:        kv,
		Executor:  executor,
		Reaper:    reaper,
		Options:   opts,
		PID:       os.Getpid(),
		Spawn:     spawnWorker(log),
		Metrics:   metrics,
	}
}

// spawnWorker re-executes this binary as a detached worker process.
func spawnWorker(log *zap.Logger) worker.SpawnFunc {
	return func(_ context.Context) error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		cmd := exec.Command(exe, "worker")
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to spawn worker: %w", err)
		}
		log.Info("Spawned worker process", zap.Int("worker.pid", cmd.Process.Pid))
		return cmd.Process.Release()
	}
}
