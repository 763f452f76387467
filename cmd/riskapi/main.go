package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/risk-attribution-service/internal/adapter/http"
	"github.com/couchcryptid/risk-attribution-service/internal/adapter/impactapi"
	kafkaadapter "github.com/couchcryptid/risk-attribution-service/internal/adapter/kafka"
	"github.com/couchcryptid/risk-attribution-service/internal/adapter/mapbox"
	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/couchcryptid/risk-attribution-service/internal/calculation"
	"github.com/couchcryptid/risk-attribution-service/internal/catalog"
	"github.com/couchcryptid/risk-attribution-service/internal/config"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/jobs"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
	"github.com/couchcryptid/risk-attribution-service/internal/pipeline"
	"github.com/couchcryptid/risk-attribution-service/internal/planner"
	"github.com/couchcryptid/risk-attribution-service/internal/runner"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file is optional; the environment always wins.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metrics); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	var ready readinessChecks

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)
	ready = append(ready, st.checks...)

	policy, err := cache.ParsePolicy(cfg.CachePolicy)
	if err != nil {
		return err
	}
	impactCache := cache.New(st.entries, st.payloads, cache.Options{
		Policy:       policy,
		PollInterval: cfg.CachePollInterval,
		LockTTL:      cfg.CacheLockTTL,
		MaxWait:      cfg.CacheMaxWait,
		Logger:       logger,
		Metrics:      metrics,
	})
	// Job results must survive regardless of the configured policy.
	jobCache := cache.New(st.entries, st.payloads, cache.Options{
		Policy:       cache.PolicyCreate,
		PollInterval: cfg.CachePollInterval,
		LockTTL:      cfg.CacheLockTTL,
		Logger:       logger,
		Metrics:      metrics,
	})

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return err
	}

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		cached, err := mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		if err != nil {
			return err
		}
		geocoder = cached
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	var (
		reader *kafkaadapter.Reader
		writer *kafkaadapter.Writer
	)
	jobOpts := jobs.Options{
		FirstPollDelay: cfg.JobFirstPollDelay,
		Expiry:         cfg.JobTimeout,
		StaleAfter:     cfg.JobStaleAfter,
		SweepInterval:  cfg.JobSweepInterval,
	}
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		writer = kafkaadapter.NewWriter(cfg, logger)
		jobOpts.Publisher = writer
	}

	js := jobs.NewService(st.jobs, jobCache, jobOpts, logger, metrics)
	model := impactapi.NewClient(cfg.ImpactAPIURL, cfg.ImpactAPITimeout, logger)
	r := runner.New(impactCache, model, cfg.WorkerConcurrency, logger, metrics)
	calc := calculation.New(planner.New(cfg.PresentYear, cat), r, js, cat, geocoder, logger)

	var p *pipeline.Pipeline
	if cfg.KafkaEnabled {
		p = pipeline.New(reader, pipeline.NewTransformer(calc, logger), writer, logger, metrics, cfg.BatchSize)
		ready = append(ready, p)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, calc, ready, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start job record sweeper.
	go func() {
		if err := js.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job sweeper error", "error", err)
		}
	}()

	// Start Kafka intake pipeline.
	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if p == nil {
			return
		}
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout")
	}
	// Running jobs are abandoned; their records become "task lost" once
	// polled after restart.
	js.Close()

	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// readinessChecks is ready when every check passes.
type readinessChecks []sharedobs.ReadinessChecker

func (rc readinessChecks) CheckReadiness(ctx context.Context) error {
	for _, c := range rc {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}
