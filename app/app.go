/*
Package app assembles the ledger from configuration.

STARTUP SEQUENCE:
  1. Open the SQLite store (migrations run on open)
  2. Pick the locks: redis when enabled, in-process otherwise
  3. Pick the notifiers: the log always, kafka when enabled
  4. Build the engine, its metrics and the scheduler jobs
  5. Build the HTTP router on top

The server and every CLI command go through New so they share one
definition of how the pieces fit.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credits"
	"github.com/warp/credit-ledger/lock"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/notify"
	"github.com/warp/credit-ledger/scheduler"
	"github.com/warp/credit-ledger/store/sqlite"
)

// ServiceName tags every log line.
const ServiceName = "credit-ledger"

// App holds the wired components.
type App struct {
	Config    *config.Config
	Log       *logging.Logger
	Store     *sqlite.Store
	Registry  *prometheus.Registry
	Engine    *credits.Engine
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// Option adjusts New, mostly for tests.
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock replaces the wall clock of the engine and scheduler.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg config.AppConfig) *logging.Logger {
	return logging.New(logging.Options{
		ServiceName: ServiceName,
		Level:       logging.ParseLevel(cfg.LogLevel),
		Console:     cfg.LogFormat == config.LogFormatConsole,
		ErrorStack:  true,
	})
}

// New wires every component. Close releases them.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logging.Nop()
	}

	loc, err := cfg.Ledger.Location()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.Store, err = sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.Store.Close)

	userLock, jobLock, err := a.locks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.notifier()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Engine, err = credits.New(credits.Options{
		Store:              a.Store,
		Notifier:           notifier,
		Managers:           credits.StaticManagers(cfg.Ledger.Managers),
		Gate:               credits.NewRoleGate(nil),
		Locker:             userLock,
		Logger:             log,
		Metrics:            metrics.NewLedger(a.Registry),
		Clock:              o.clock,
		Location:           loc,
		ExpiringSoonWindow: cfg.Ledger.ExpiringSoonWindow,
		NoticeStages:       cfg.Ledger.NoticeStages,
		RetryAttempts:      cfg.Ledger.RetryAttempts,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Scheduler = scheduler.New(scheduler.Options{
		Lock:     jobLock,
		Recorder: scheduler.RunRecorderFunc(a.recordRun),
		Logger:   log,
		Metrics:  metrics.NewJobs(a.Registry),
		Clock:    o.clock,
		Enabled:  cfg.Scheduler.Enabled,
	})
	a.Scheduler.Register(scheduler.ExpireJob{Engine: a.Engine}, cfg.Scheduler.ExpireInterval)
	a.Scheduler.Register(scheduler.NoticeJob{Engine: a.Engine}, cfg.Scheduler.NoticeInterval)

	return a, nil
}

// Router builds the HTTP API. It fails without a JWT secret.
func (a *App) Router() (http.Handler, error) {
	auth, err := api.NewAuthenticator(a.Config.Auth.JWTSecret, a.Config.Auth.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("api auth: %w", err)
	}
	h := api.NewHandler(a.Engine, a.Store, a.Scheduler, a.Log)
	return api.NewRouter(h, api.RouterOptions{
		Auth:        auth,
		Logger:      a.Log,
		Gatherer:    a.Registry,
		CORSOrigins: a.Config.App.CORSOrigins,
	}), nil
}

// Close stops the scheduler and releases every connection, newest first.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// locks returns the per-user lock and the scheduler lock.
func (a *App) locks(ctx context.Context) (credits.Locker, scheduler.ClusterLock, error) {
	rc := a.Config.Redis
	if !rc.Enabled {
		local := lock.NewLocal()
		return local, local, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}

	users, err := lock.NewRedis(client, lock.RedisOptions{Prefix: "credits:lock:", Logger: a.Log})
	if err != nil {
		return nil, nil, err
	}
	jobs, err := lock.NewRedis(client, lock.RedisOptions{Prefix: "credits:job:", TTL: a.Config.Scheduler.LockTTL, Logger: a.Log})
	if err != nil {
		return nil, nil, err
	}
	a.Log.Info(a.Log.WithField(ctx, "addr", rc.Addr), "using redis locks")
	return users, jobs, nil
}

func (a *App) notifier() (credits.Notifier, error) {
	logNotifier := notify.Log{Logger: a.Log}
	kc := a.Config.Kafka
	if !kc.Enabled {
		return logNotifier, nil
	}

	producer, err := notify.NewKafkaProducer(kc.Brokers)
	if err != nil {
		return nil, err
	}
	kafka := notify.NewKafka(producer, kc.Topic)
	a.closers = append(a.closers, kafka.Close)
	return notify.Multi{logNotifier, kafka}, nil
}

func (a *App) recordRun(ctx context.Context, run scheduler.Run) error {
	_, err := a.Store.SaveSweepRun(ctx, sqlite.SweepRun{
		Job:        run.Job,
		Status:     run.Status,
		Processed:  run.Result.Processed,
		Skipped:    run.Result.Skipped,
		Failed:     run.Result.Failed,
		Credits:    run.Result.Credits,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	})
	return err
}
