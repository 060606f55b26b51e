// scraper-service
//
// Scrapes French real-estate judicial auctions department by department.
// A cron fan-out enqueues one job per department on a Redis-backed queue; a
// single worker drains it, driving headless Chrome through listing discovery
// and detail extraction, then geocodes the addresses and upserts the results
// into the opportunities table.
//
// Publishes EVENT_OPPORTUNITIES_UPSERTED to Redis after every persisted job.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/api"
	"immo/scraper-service/internal/browser"
	"immo/scraper-service/internal/config"
	"immo/scraper-service/internal/db"
	"immo/scraper-service/internal/geocoder"
	"immo/scraper-service/internal/logging"
	"immo/scraper-service/internal/queue"
	"immo/scraper-service/internal/scheduler"
	"immo/scraper-service/internal/scraper"
	"immo/scraper-service/internal/store"
)

const (
	version   = "1.0.0"
	queueName = "auctions"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "json")
		boot.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	logger.Info().Msg("connecting to PostgreSQL")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	opportunities := store.NewOpportunityStore(pool, logging.Component(logger, "store"))
	if err := opportunities.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("schema")
	}
	logger.Info().Msg("PostgreSQL connected ✓")

	// ── Redis ────────────────────────────────────────────────────────────────
	logger.Info().Msg("connecting to Redis")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()
	logger.Info().Msg("Redis connected ✓")

	jobs := queue.New(rdb, queueName)
	if n, err := jobs.Recover(ctx); err != nil {
		logger.Error().Err(err).Msg("queue recovery failed")
	} else if n > 0 {
		logger.Warn().Int("jobs", n).Msg("re-queued jobs left in processing by a previous run")
	}

	// ── Pipeline ─────────────────────────────────────────────────────────────
	pipeline, err := buildPipeline(cfg, rdb, opportunities, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("pipeline")
	}
	worker := scraper.NewWorker(jobs, pipeline, logging.Component(logger, "worker"))

	// ── Scheduler ────────────────────────────────────────────────────────────
	jobOpts := queue.Options{
		Attempts:         cfg.Queue.MaxAttempts,
		Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: cfg.Queue.Backoff},
		RemoveOnComplete: cfg.Queue.KeepCompleted,
		RemoveOnFail:     cfg.Queue.KeepFailed,
	}
	sched := scheduler.New(jobs, jobOpts, cfg.ScrapeCron, cfg.ScrapeOnStart, logging.Component(logger, "scheduler"))
	if err := sched.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}

	// ── Worker ───────────────────────────────────────────────────────────────
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// ── HTTP server ──────────────────────────────────────────────────────────
	h := api.NewHandler(jobs, jobOpts, opportunities, sched, version, logging.Component(logger, "api"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info().Str("version", version).Str("port", cfg.Port).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	sched.Stop()
	cancel()
	wg.Wait()
	logger.Info().Msg("stopped")
}

func buildPipeline(cfg *config.Config, rdb scraper.Publisher, opportunities *store.OpportunityStore, logger zerolog.Logger) (*scraper.Pipeline, error) {
	sessions := browser.NewFactory(browser.Options{
		Headless:  cfg.Browser.Headless,
		Timeout:   cfg.Browser.Timeout,
		UserAgent: cfg.Browser.UserAgent,
		RemoteURL: cfg.Browser.RemoteURL,
	}, logging.Component(logger, "browser"))

	discoverer, err := scraper.NewDiscoverer(scraper.DiscovererOptions{
		BaseURL:  cfg.Site.BaseURL,
		DelayMin: cfg.Site.ScrollDelayMin,
		DelayMax: cfg.Site.ScrollDelayMax,
	}, logging.Component(logger, "discovery"))
	if err != nil {
		return nil, err
	}

	extractor, err := scraper.NewExtractor(scraper.ExtractorOptions{
		BaseURL:  cfg.Site.BaseURL,
		DelayMin: cfg.Site.DetailDelayMin,
		DelayMax: cfg.Site.DetailDelayMax,
	}, logging.Component(logger, "extractor"))
	if err != nil {
		return nil, err
	}

	geo := geocoder.New(geocoder.Options{
		BaseURL:  cfg.Geocoder.BaseURL,
		MinGap:   cfg.Geocoder.MinGap,
		MinScore: cfg.Geocoder.MinScore,
	}, logging.Component(logger, "geocoder"))

	return scraper.NewPipeline(scraper.PipelineConfig{
		SourceName:           cfg.Site.SourceName,
		BaseURL:              cfg.Site.BaseURL,
		ListingPathTemplate:  cfg.Site.ListingPathTemplate,
		NationalListingPath:  cfg.Site.NationalListingPath,
		DiscoveryMaxAttempts: cfg.Site.DiscoveryMaxAttempts,
		DetailBatchSize:      cfg.Site.DetailBatchSize,
		UpsertBatchSize:      cfg.UpsertBatchSize,
		ExcludeKeywords:      cfg.Site.ExcludeKeywords,
	}, sessions, discoverer, extractor, geo, opportunities, rdb, logging.Component(logger, "pipeline")), nil
}
