package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"contract-ingest/config"
	"contract-ingest/metrics"
	"contract-ingest/notify"
	"contract-ingest/pipeline"
	"contract-ingest/scraper"
	apisource "contract-ingest/scraper/api"
	"contract-ingest/scraper/rendered"
	"contract-ingest/services"
	"contract-ingest/storage"
	"contract-ingest/utils"
)

// streamMaxLen bounds the notification stream.
const streamMaxLen = 10000

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	logger    *utils.Logger
	sources   *config.SourcesFile
	store     storage.Store
	orch      *pipeline.Orchestrator
	summaries *services.SummaryService

	renderer *rendered.ChromeRenderer
	redis    *redis.Client
}

// newApp loads configuration and wires the store, adapters and orchestrator.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := utils.NewLogger(cfg.LogLevel)

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded %d sources for entity %q from %s", len(sources.Sources), sources.Entity.Type, cfg.SourcesFile)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		sources:   sources,
		store:     store,
		summaries: services.NewSummaryService(logger),
	}

	pipelineSources, err := a.buildSources()
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		notifier = append(notifier, notify.NewRedisNotifier(a.redis, cfg.RedisStream, streamMaxLen))
		logger.Info("Job summaries published to redis stream %s", cfg.RedisStream)
	}

	a.orch = pipeline.New(pipeline.Deps{
		Store:         store,
		Sources:       pipelineSources,
		Canonicalizer: services.NewCanonicalizer(sources.Entity, logger),
		Summaries:     a.summaries,
		Notifier:      notifier,
		Metrics:       metrics.NewMetrics(prometheus.DefaultRegisterer),
		Logger:        logger,
	}, pipeline.Options{
		MaxLogLines:  cfg.MaxLogLines,
		WriteTimeout: cfg.WriteTimeout,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	switch cfg.Store {
	case "memory":
		logger.Warn("Using the in-memory store, nothing survives a restart")
		return storage.NewMemoryStore(), nil
	case "postgres", "":
		store, err := storage.NewPostgresStore(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect to PostgreSQL (is it running? docker compose up -d): %w", err)
		}
		logger.Info("Connected to PostgreSQL at %s:%s/%s", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown STORE %q, want postgres or memory", cfg.Store)
	}
}

// buildSources creates the adapter and guard of every configured source.
func (a *app) buildSources() ([]*pipeline.Source, error) {
	governors := utils.NewGovernors()
	out := make([]*pipeline.Source, 0, len(a.sources.Sources))

	for _, src := range a.sources.Sources {
		logger := a.logger.With("source", src.ID)

		var adapter scraper.Adapter
		var err error
		switch src.Kind {
		case config.KindAPI:
			adapter, err = apisource.New(src, &http.Client{Timeout: src.Timeout}, logger)
		case config.KindRendered:
			if a.renderer == nil {
				a.renderer = rendered.NewChromeRenderer(a.cfg.ChromeBin, a.logger)
			}
			adapter, err = rendered.New(src, a.renderer, logger)
		default:
			err = fmt.Errorf("source %s: unknown kind %q", src.ID, src.Kind)
		}
		if err != nil {
			return nil, err
		}

		out = append(out, &pipeline.Source{
			Config:  src,
			Adapter: adapter,
			Guard: scraper.Guard{
				Governor: governors.Get(src.ID, utils.RateLimit{
					Requests: src.Rate.Requests,
					Interval: src.Rate.Interval,
					MinDelay: src.Rate.MinDelay,
					Cooldown: src.Rate.Cooldown,
				}),
				Retry: &utils.RetryPolicy{
					MaxAttempts: src.Retry.MaxAttempts,
					BaseDelay:   src.Retry.BaseDelay,
					MaxDelay:    src.Retry.MaxDelay,
					Logger:      logger,
				},
			},
		})
	}
	return out, nil
}

// Close releases the browser, redis client and store.
func (a *app) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Closing resources: %v", err)
	}
	_ = a.logger.Sync()
}
