// Package app wires the services from configuration for the entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/qualys/costwatch/internal/aggregation"
	"github.com/qualys/costwatch/internal/anomaly"
	"github.com/qualys/costwatch/internal/api"
	"github.com/qualys/costwatch/internal/auth"
	"github.com/qualys/costwatch/internal/config"
	"github.com/qualys/costwatch/internal/ingestion"
	"github.com/qualys/costwatch/internal/notifications"
	"github.com/qualys/costwatch/internal/queue"
	"github.com/qualys/costwatch/internal/recommendation"
	"github.com/qualys/costwatch/internal/reports"
	"github.com/qualys/costwatch/internal/scheduler"
	"github.com/qualys/costwatch/internal/store"
	"github.com/qualys/costwatch/internal/store/memory"
)

// Backend is the full persistence surface. Both the Postgres and the
// in-memory store satisfy it.
type Backend interface {
	ingestion.Store
	aggregation.Store
	anomaly.Store
	recommendation.Store
	scheduler.UserLister
	DeleteUserData(ctx context.Context, userID string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*memory.Store)(nil)
)

type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store           Backend
	Pipeline        *ingestion.Pipeline
	Aggregation     *aggregation.Engine
	Anomalies       *anomaly.Service
	Recommendations *recommendation.Engine
	Reports         *reports.Generator
	Notifications   *notifications.Service
	Auth            *auth.Service
	Scheduler       *scheduler.Scheduler

	// Queue is nil unless redis.enabled is set.
	Queue *queue.Queue
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	var history scheduler.Store
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		a.Store = memory.New()
		history = scheduler.NewMemoryStore()
	default:
		st, err := store.New(store.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		a.Store = st
		history = scheduler.NewPostgresStore(st.DB())
	}

	a.Aggregation = aggregation.NewEngine(a.Store, logger)
	a.Pipeline = ingestion.NewPipeline(a.Store, a.Aggregation, ingestion.Config{
		ChunkSize: cfg.Ingestion.ChunkSize,
		MaxErrors: cfg.Ingestion.MaxErrors,
	}, logger)

	a.Notifications = notifications.NewService(notifications.SlackConfig{
		WebhookURL:  cfg.Notifications.Slack.WebhookURL,
		Channel:     cfg.Notifications.Slack.Channel,
		Username:    cfg.Notifications.Slack.Username,
		IconEmoji:   ":moneybag:",
		Enabled:     cfg.Notifications.Slack.Enabled,
		MinSeverity: cfg.Notifications.Slack.MinSeverity,
	}, logger)

	a.Anomalies = anomaly.NewService(a.Store, anomaly.Config{
		LookbackDays:  cfg.Anomaly.LookbackDays,
		Threshold:     cfg.Anomaly.Threshold,
		MinPoints:     cfg.Anomaly.MinPoints,
		AnnotateLimit: cfg.Anomaly.AnnotateLimit,
	}, logger)
	a.Anomalies.SetNotifier(a.Notifications)

	a.Recommendations = recommendation.NewEngine(a.Store, cfg.Recommendation.LookbackDays, logger)
	a.Reports = reports.NewGenerator(a.Aggregation, a.Store, logger)
	a.Auth = auth.NewService(auth.Config{
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
	})

	if cfg.Redis.Enabled {
		q, err := queue.New(queue.Config{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Store.Close()
			return nil, fmt.Errorf("initializing queue: %w", err)
		}
		a.Queue = q
		a.Pipeline.SetProgressReporter(q)
	}

	a.Scheduler = scheduler.NewScheduler(history, logger)
	tasks := &scheduler.Tasks{
		Ingestion:       a.Pipeline,
		Aggregation:     a.Aggregation,
		Anomalies:       a.Anomalies,
		Recommendations: a.Recommendations,
		Users:           a.Store,
		Logger:          logger,
	}
	tasks.Register(a.Scheduler)
	if err := a.Scheduler.AddJob(&scheduler.Job{
		Name:     "nightly",
		Schedule: cfg.Scheduler.Nightly,
		Type:     scheduler.JobTypeNightly,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("scheduling nightly job: %w", err)
	}

	return a, nil
}

// Services exposes the wired services to the HTTP layer.
func (a *App) Services() api.Services {
	svc := api.Services{
		Store:           a.Store,
		Ingestion:       a.Pipeline,
		Aggregation:     a.Aggregation,
		Anomalies:       a.Anomalies,
		Recommendations: a.Recommendations,
		Reports:         a.Reports,
		Auth:            a.Auth,
	}
	// A nil *queue.Queue must not become a non-nil interface.
	if a.Queue != nil {
		svc.Queue = a.Queue
	}
	return svc
}

// NewWorker returns a queue worker processing jobs through the pipeline.
func (a *App) NewWorker() (*queue.Worker, error) {
	if a.Queue == nil {
		return nil, errors.New("redis queue is not enabled")
	}
	return queue.NewWorker(queue.WorkerConfig{
		Queue:        a.Queue,
		Processor:    a.Pipeline,
		Logger:       a.Logger,
		PollInterval: a.Config.Ingestion.PollInterval,
	}), nil
}

func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// Serve runs the HTTP API until ctx is cancelled, together with the
// scheduler when enabled and a queue worker when Redis is configured.
func (a *App) Serve(ctx context.Context) error {
	server, err := api.NewServer(a.Config, a.Services(), api.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if a.Config.Scheduler.Enabled {
		a.Scheduler.Start()
		defer a.Scheduler.Stop()
	}

	if a.Queue != nil {
		worker, err := a.NewWorker()
		if err != nil {
			return err
		}
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("starting worker: %w", err)
		}
		defer worker.Stop()
	}

	return server.Run(ctx)
}
