package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/metrics"
	"github.com/ifuryst/herald/internal/repository"
	"github.com/ifuryst/herald/internal/service"
	"github.com/ifuryst/herald/internal/service/notify"
	"github.com/ifuryst/herald/internal/service/publisher"
	"github.com/ifuryst/herald/internal/service/publisher/natsbus"
	"github.com/ifuryst/herald/internal/service/publisher/telegram"
	"github.com/ifuryst/herald/internal/service/publisher/webhook"
)

// Deps holds the wired services shared by the HTTP server and the CLI.
type Deps struct {
	Posts        *service.PostService
	Orchestrator *service.Orchestrator
	Expiry       *service.ExpirySweeper
	Monitoring   *service.MonitoringService
	Auth         *service.AuthService
	Metrics      *metrics.Metrics
	// Scheduler is nil when the background loops are disabled.
	Scheduler *service.Scheduler
	Stats     *service.StatsUpdater

	closers []func() error
}

// Close releases connections in reverse order of creation.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Bootstrap connects the stores and transports named in cfg and wires the services.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	durations, err := cfg.Scheduler.Durations()
	if err != nil {
		return nil, err
	}
	deps := &Deps{Metrics: metrics.New()}
	fail := func(err error) (*Deps, error) {
		_ = deps.Close()
		return nil, err
	}

	store, err := openStore(cfg, logger, deps)
	if err != nil {
		return fail(err)
	}
	jobs, err := openJobStore(ctx, cfg, logger, deps)
	if err != nil {
		return fail(err)
	}

	manager := publisher.NewPublishManager(logger, durations.PublishTimeout)
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}

	if tg := cfg.Delivery.Telegram; tg.Enabled {
		bot, err := telegram.NewBot(telegram.Config{
			Token:      tg.Token,
			APIURL:     tg.APIURL,
			RatePerSec: tg.RatePerSec,
			Offline:    tg.Offline,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to create telegram bot: %w", err))
		}
		if err := manager.RegisterPublisher(telegram.NewPublisher(bot, tg.RatePerSec, logger)); err != nil {
			return fail(err)
		}
		if cfg.Notify.TelegramChatID != 0 {
			notifiers = append(notifiers, notify.NewTelegramNotifier(bot, cfg.Notify.TelegramChatID))
		}
	}

	if wh := cfg.Delivery.Webhook; wh.Enabled {
		timeout, _ := time.ParseDuration(wh.Timeout)
		if err := manager.RegisterPublisher(webhook.NewPublisher(timeout, wh.Headers)); err != nil {
			return fail(err)
		}
	}

	if cfg.Delivery.NATS.Enabled || cfg.Notify.NATSEnabled {
		nc, err := natsbus.Connect(cfg.Delivery.NATS.URL, "herald")
		if err != nil {
			return fail(err)
		}
		deps.closers = append(deps.closers, func() error {
			return nc.Drain()
		})
		if cfg.Delivery.NATS.Enabled {
			if err := manager.RegisterPublisher(natsbus.NewPublisher(nc, cfg.Delivery.NATS.SubjectPrefix)); err != nil {
				return fail(err)
			}
		}
		if cfg.Notify.NATSEnabled {
			notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.Notify.NATSSubjectPrefix))
		}
	}
	logger.Info("Publishers registered", zap.Strings("kinds", manager.Kinds()))

	notifyTimeout, _ := time.ParseDuration(cfg.Notify.Timeout)
	notifier := notify.NewAsync(logger, notifyTimeout, notifiers...)
	deps.closers = append(deps.closers, func() error {
		notifier.Wait()
		return nil
	})

	deps.Monitoring = service.NewMonitoringService(store, logger, nil)
	executor := service.NewExecutor(store, jobs, manager, notifier, deps.Monitoring, deps.Metrics, nil, logger)
	deps.Orchestrator = service.NewOrchestrator(jobs, store, executor, service.OrchestratorConfig{
		ClaimTimeout: durations.ClaimTimeout,
		BatchSize:    cfg.Scheduler.BatchSize,
		Concurrency:  cfg.Scheduler.Concurrency,
		NextPreview:  cfg.Scheduler.NextPreview,
	}, nil, logger, deps.Metrics)
	deps.Expiry = service.NewExpirySweeper(store, deps.Orchestrator, notifier, deps.Monitoring, deps.Metrics, cfg.Scheduler.BatchSize, nil, logger)
	deps.Posts = service.NewPostService(store, deps.Orchestrator, nil, logger)
	deps.Auth = service.NewAuthService(logger, cfg.Auth.APIKey, cfg.Auth.TOTPSecret)
	deps.Stats = service.NewStatsUpdater(deps.Orchestrator, deps.Metrics, logger, durations.StatsInterval)

	if cfg.Scheduler.IsEnabled() {
		deps.Scheduler = service.NewScheduler(deps.Orchestrator, deps.Expiry, service.SchedulerIntervals{
			Sweep:     durations.SweepInterval,
			Expiry:    durations.ExpiryInterval,
			Reconcile: durations.ReconcileInterval,
		}, logger)
	} else {
		logger.Info("Scheduler disabled; sweeps run only on demand")
	}

	return deps, nil
}

func openStore(cfg *config.Config, logger *zap.Logger, deps *Deps) (repository.Store, error) {
	if cfg.Database.Type == "memory" {
		logger.Warn("Using in-memory post store; state is lost on restart")
		return repository.NewMemoryRepository(), nil
	}
	db, err := repository.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		deps.closers = append(deps.closers, sqlDB.Close)
	}
	return repository.NewGormRepository(db), nil
}

func openJobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, deps *Deps) (jobstore.Store, error) {
	if cfg.Redis.Memory {
		logger.Warn("Using in-memory job store; scheduled jobs are lost on restart")
		return jobstore.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := jobstore.NewRedisStore(client, cfg.Redis.Prefix)
	deps.closers = append(deps.closers, store.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return store, nil
}
