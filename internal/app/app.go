// Package app assembles the classification service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/auditconsole/classify/internal/api"
	"github.com/auditconsole/classify/internal/auth"
	"github.com/auditconsole/classify/internal/classification"
	"github.com/auditconsole/classify/internal/config"
	"github.com/auditconsole/classify/internal/ledger"
	"github.com/auditconsole/classify/internal/lock"
	"github.com/auditconsole/classify/internal/notifications"
	"github.com/auditconsole/classify/internal/queue"
	"github.com/auditconsole/classify/internal/review"
	"github.com/auditconsole/classify/internal/rules"
	"github.com/auditconsole/classify/internal/scheduler"
	"github.com/auditconsole/classify/internal/store"
)

const (
	sweepJobName  = "classify-unclassified"
	digestJobName = "pending-review-digest"
)

// App holds every long-lived component. Scheduler, Queue and Worker are nil
// when disabled in configuration.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store         *store.Store
	Redis         *redis.Client
	Ledger        *ledger.Ledger
	Rules         *rules.Service
	Engine        *classification.Engine
	Workflow      *review.Workflow
	Auth          *auth.Service
	Notifications *notifications.Service
	Scheduler     *scheduler.Scheduler
	Queue         *queue.Queue
	Worker        *queue.Worker
}

// Build connects to the database and Redis, applies migrations, seeds the
// default rules and wires the services together.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		QueryTimeout: cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	a.Store = st

	if err := st.Migrate(ctx, logger); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	if cfg.Review.LockBackend == config.LockBackendRedis || cfg.Queue.Enabled {
		q, err := queue.New(queue.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Redis = q.Client()
		if cfg.Queue.Enabled {
			a.Queue = q
		}
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Review.LockBackend == config.LockBackendRedis {
		locker = lock.NewRedis(a.Redis, lock.RedisConfig{TTL: cfg.Review.LockTTL})
	}

	a.Ledger = ledger.New(st, st, store.NewTxManager(st.DB()), locker, ledger.WithLogger(logger))

	matcher := rules.NewMatcher(cfg.Classification.PatternCacheSize, rules.WithLogger(logger))
	ruleStore := rules.NewPostgresStore(st.DB())
	a.Rules = rules.NewService(ruleStore, matcher)
	if n, err := a.Rules.SeedDefaults(ctx, classification.SystemOperator); err != nil {
		logger.Warn("seeding default rules failed", "error", err)
	} else if n > 0 {
		logger.Info("seeded default classification rules", "count", n)
	}

	a.Notifications = notifications.NewService(notificationConfig(cfg), logger)

	a.Engine = classification.New(ruleStore, st, a.Ledger, matcher,
		classification.WithLogger(logger),
		classification.WithNotifier(a.Notifications),
		classification.WithStageSensitive(cfg.Classification.StageSensitive),
		classification.WithSweepLimit(cfg.Classification.SweepLimit),
	)

	a.Workflow = review.New(st, a.Ledger,
		review.WithLogger(logger),
		review.WithNotifier(a.Notifications),
		review.WithOptions(review.Options{RequireDistinctReviewer: cfg.Review.RequireDistinctReviewer}),
	)

	a.Auth = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, auth.NewPostgresUserStore(st.DB()))
	created, err := a.Auth.EnsureAdmin(ctx, cfg.Auth.BootstrapAdminEmail, cfg.Auth.BootstrapAdminPassword)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("bootstrapping admin: %w", err)
	}
	if created {
		logger.Info("created bootstrap admin", "email", cfg.Auth.BootstrapAdminEmail)
	}

	if cfg.Scheduler.Enabled {
		if err := a.buildScheduler(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	if a.Queue != nil {
		a.Worker = queue.NewWorker(queue.WorkerConfig{
			Queue:        a.Queue,
			Classifier:   a.Engine,
			Logger:       logger,
			Concurrency:  cfg.Queue.Workers,
			PollInterval: cfg.Queue.PollInterval,
			JobTimeout:   cfg.Queue.JobTimeout,
		})
	}

	return a, nil
}

func (a *App) buildScheduler(ctx context.Context) error {
	a.Scheduler = scheduler.NewScheduler(scheduler.NewPostgresStore(a.Store.DB()), a.Logger)
	(&scheduler.Handlers{
		ClassifyUnclassified: a.Engine.ClassifyAllUnclassified,
		PendingDigest:        a.pendingDigest,
	}).Register(a.Scheduler)

	if _, err := a.Scheduler.EnsureJob(ctx, sweepJobName, scheduler.JobTypeClassifyUnclassified, a.Config.Scheduler.SweepSchedule); err != nil {
		return fmt.Errorf("ensuring sweep job: %w", err)
	}
	if _, err := a.Scheduler.EnsureJob(ctx, digestJobName, scheduler.JobTypePendingDigest, a.Config.Scheduler.DigestSchedule); err != nil {
		return fmt.Errorf("ensuring digest job: %w", err)
	}
	return nil
}

// pendingDigest reports the review backlog and returns its size.
func (a *App) pendingDigest(ctx context.Context) (int, error) {
	newest, err := a.Workflow.PendingReviewAssets(ctx, 1, 1)
	if err != nil {
		return 0, err
	}
	counts, err := a.Store.CountAssetsByLevel(ctx)
	if err != nil {
		return 0, err
	}

	stats := notifications.DigestStats{
		Period:         "daily",
		PendingReviews: newest.Total,
		LevelCounts:    counts,
	}
	if newest.Total > 0 {
		oldest, err := a.Workflow.PendingReviewAssets(ctx, newest.Total, 1)
		if err != nil {
			return 0, err
		}
		if len(oldest.Items) > 0 {
			stats.OldestPending = oldest.Items[0].SubmittedAt
		}
	}

	if err := a.Notifications.NotifyPendingDigest(ctx, stats); err != nil {
		return 0, err
	}
	return newest.Total, nil
}

// Server builds the HTTP API over the assembled services.
func (a *App) Server() (*api.Server, error) {
	return api.NewServer(a.Config, api.Services{
		Auth:      a.Auth,
		Engine:    a.Engine,
		Workflow:  a.Workflow,
		Rules:     a.Rules,
		Assets:    a.Store,
		Scheduler: a.Scheduler,
		Queue:     a.Queue,
		Health:    a.Store,
	}, api.WithLogger(a.Logger))
}

// Close releases the database pool and the Redis client.
func (a *App) Close() error {
	var result *multierror.Error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func notificationConfig(cfg *config.Config) notifications.Config {
	return notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "Classification Bot",
			IconEmoji:  ":bank:",
			Enabled:    cfg.Notifications.Slack.Enabled,
			MinLevel:   cfg.Notifications.MinLevel,
		},
		Email: notifications.EmailConfig{
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
			Enabled:  cfg.Notifications.Email.Enabled,
			MinLevel: cfg.Notifications.MinLevel,
		},
	}
}
