package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/caseflow/internal/channel"
	"github.com/jwalitptl/caseflow/internal/config"
	"github.com/jwalitptl/caseflow/internal/repository"
	"github.com/jwalitptl/caseflow/internal/repository/memory"
	"github.com/jwalitptl/caseflow/internal/repository/postgres"
	"github.com/jwalitptl/caseflow/internal/service/assignment"
	"github.com/jwalitptl/caseflow/internal/service/lifecycle"
	"github.com/jwalitptl/caseflow/internal/service/notification"
	"github.com/jwalitptl/caseflow/internal/worker"
	"github.com/jwalitptl/caseflow/pkg/lock"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/messaging"
	"github.com/jwalitptl/caseflow/pkg/messaging/redis"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

const metricsNamespace = "caseflow"

// App holds the wired services shared by the api and worker binaries.
type App struct {
	Config        *config.Config
	Logger        *logger.Logger
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Store         repository.Store
	Redis         *goredis.Client
	Broker        messaging.Broker
	Cases         *lifecycle.Service
	Notifications notification.Service
	Picker        *assignment.Manager
	Directory     *assignment.CachedDirectory

	closers []func() error
}

func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.Level),
		Format: cfg.Format,
		Output: os.Stdout,
	})
}

// New connects the store (and Redis when configured) and builds the
// services. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: reg,
		Metrics:  metrics.NewMetrics(metricsNamespace, reg),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if cfg.Redis.URL != "" {
		client, err := redis.NewClient(redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		broker, err := redis.NewRedisBroker(client, log.Zerolog())
		if err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("failed to create Redis broker: %w", err)
		}
		a.Redis = client
		a.Broker = broker
		a.closers = append(a.closers, broker.Close)
	}

	a.Notifications = notification.NewService(store, log, a.Metrics)
	a.Cases = lifecycle.NewService(store, a.Notifications, lifecycle.Config{
		SLAHours:   cfg.SLA.SLADurations(),
		DefaultSLA: cfg.SLA.DefaultSLA(),
	}, log)
	a.Directory = assignment.NewCachedDirectory(store.Directory(), cfg.Directory.CacheTTL)
	a.Picker = assignment.NewManager(a.Directory, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (repository.Store, error) {
	if a.Config.Database.Driver == config.DriverMemory {
		a.Logger.Warn("using in-memory store; data is lost on exit")
		return memory.NewStore(), nil
	}

	db, err := postgres.NewDB(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	if a.Config.Database.MigrateOnStart {
		if err := postgres.RunMigrations(db.DB, a.Logger); err != nil {
			a.Close()
			return nil, err
		}
	}
	return postgres.NewStore(db, a.Metrics), nil
}

// Dispatcher builds the delivery side with every channel adapter.
func (a *App) Dispatcher(workerID string) *notification.Dispatcher {
	cfg := a.Config
	adapters := []channel.Adapter{
		channel.NewEmailAdapter(channel.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}),
		channel.NewSMSAdapter(channel.SMSConfig{
			Endpoint: cfg.SMS.Endpoint,
			APIKey:   cfg.SMS.APIKey,
			Sender:   cfg.SMS.Sender,
			Timeout:  cfg.SMS.Timeout,
		}, nil),
		channel.NewFeedAdapter(a.Store.Feed(), a.Broker, a.Logger),
	}

	return notification.NewDispatcher(a.Store, adapters, notification.DispatcherConfig{
		WorkerID:          workerID,
		BatchSize:         cfg.Notification.BatchSize,
		MaxRetries:        cfg.Notification.MaxRetries,
		BackoffBase:       cfg.Notification.BackoffBase,
		BackoffMultiplier: cfg.Notification.BackoffMultiplier,
		DeliveryTimeout:   cfg.Notification.DeliveryTimeout,
		ClaimLease:        cfg.Notification.ClaimLease,
		RatePerSecond:     cfg.Notification.RatePerSecond,
		RateBurst:         cfg.Notification.RateBurst,
		DryRun:            cfg.DryRun,
	}, a.Logger.WithFields(map[string]interface{}{"worker_id": workerID}), a.Metrics)
}

func (a *App) Sweeper() (*worker.SLASweeper, error) {
	cfg := a.Config
	admins, err := cfg.SLA.AdminIDs()
	if err != nil {
		return nil, err
	}

	var opts []worker.SweeperOption
	if a.Redis != nil && cfg.SLA.LeaseTTL > 0 {
		opts = append(opts, worker.WithLocker(lock.NewRedisLocker(a.Redis, "caseflow:lock:")))
	}

	return worker.NewSLASweeper(a.Store, a.Cases, a.Picker, worker.SLASweeperConfig{
		Interval:        cfg.SLA.SweepInterval,
		BatchSize:       cfg.SLA.BatchSize,
		ResponseTimeout: cfg.SLA.ResponseTimeout,
		Role:            cfg.SLA.Role,
		DryRun:          cfg.DryRun,
		AdminIDs:        admins,
		LeaseTTL:        cfg.SLA.LeaseTTL,
	}, a.Logger, a.Metrics, opts...), nil
}

// WorkerID identifies this process in notification claims.
func WorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d", hostname, time.Now().UnixNano())
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", "error", err.Error())
		}
	}
	a.closers = nil
}
