// Package main is the entrypoint for the scanpoll gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/scanpoll/internal/api"
	"github.com/kiranshivaraju/scanpoll/internal/api/handler"
	mw "github.com/kiranshivaraju/scanpoll/internal/api/middleware"
	"github.com/kiranshivaraju/scanpoll/internal/cache"
	"github.com/kiranshivaraju/scanpoll/internal/config"
	"github.com/kiranshivaraju/scanpoll/internal/controller"
	"github.com/kiranshivaraju/scanpoll/internal/events"
	"github.com/kiranshivaraju/scanpoll/internal/logger"
	"github.com/kiranshivaraju/scanpoll/internal/remote"
	"github.com/kiranshivaraju/scanpoll/internal/store"
	"github.com/kiranshivaraju/scanpoll/internal/study"
	"github.com/kiranshivaraju/scanpoll/internal/tracker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(logger.New(logger.Config{Level: "info", Format: "json"}))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)
	log.Info("config loaded", "env", cfg.Server.Env, "analysis_url", cfg.Analysis.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	log.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	log.Info("redis connected")

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPub, err := events.NewAMQPPublisher(events.Config{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange}, log)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		publisher = amqpPub
	} else {
		log.Info("AMQP_URL not set, analysis events will not be published")
	}
	defer publisher.Close()

	analysis := remote.NewHTTPClient(cfg.Analysis.BaseURL, cfg.Analysis.Timeout)
	resolver := study.NewOrthancResolver(cfg.Study.BaseURL, study.Options{
		StudyTimeout:  cfg.Study.StudyTimeout,
		SeriesTimeout: cfg.Study.SeriesTimeout,
		MaxSeries:     cfg.Study.MaxSeries,
		Logger:        log,
	})
	pgStore := store.NewPostgresStore(pool)

	trk := tracker.New(analysis, pgStore, redisCache, publisher,
		tracker.Config{CacheTTL: cfg.Server.SnapshotCacheTTL, Logger: log},
		controller.WithInterval(cfg.Poll.Interval),
		controller.WithMaxAttempts(cfg.Poll.MaxAttempts),
		controller.WithCeiling(cfg.Poll.Ceiling),
		controller.WithResolver(resolver),
	)
	defer trk.Shutdown()

	if n, err := trk.ResumeUnfinished(ctx); err != nil {
		log.Warn("resuming unfinished analyses failed", "error", err)
	} else if n > 0 {
		log.Info("resumed unfinished analyses", "count", n)
	}

	router := newRouter(app{
		store:     pgStore,
		cache:     redisCache,
		analysis:  analysis,
		resolver:  resolver,
		analyses:  trk,
		rateLimit: cfg.Server.RateLimitPerMin,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // result downloads stream through
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

// app holds what the router's handlers are built from.
type app struct {
	store     store.Store
	cache     cache.Cache
	analysis  *remote.HTTPClient
	resolver  study.Resolver
	analyses  handler.Analyses
	rateLimit int
}

func newRouter(a app) http.Handler {
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.store),
		RateLimit: mw.NewRateLimit(a.cache, a.rateLimit),

		HealthHandler: handler.NewHealthHandler(
			handler.HealthCheck{Name: "database", Check: a.store.Ping},
			handler.HealthCheck{Name: "cache", Check: a.cache.Ping},
			handler.HealthCheck{Name: "analysis_service", Check: a.analysis.Ready},
		),

		CreateAnalysis:  handler.NewCreateAnalysisHandler(a.analyses, a.resolver, a.analysis),
		ResumeAnalysis:  handler.NewResumeAnalysisHandler(a.analyses, a.analysis),
		ListAnalyses:    handler.NewListAnalysesHandler(a.analyses, a.analysis),
		GetAnalysis:     handler.NewGetAnalysisHandler(a.analyses, a.analysis),
		AnalysisHistory: handler.NewAnalysisHistoryHandler(a.analyses),
		RetryAnalysis:   handler.NewRetryAnalysisHandler(a.analyses, a.analysis),
		AbortAnalysis:   handler.NewAbortAnalysisHandler(a.analyses, a.analysis),
		DownloadResults: handler.NewDownloadResultsHandler(a.analyses, a.analysis),
		SubmitFeedback:  handler.NewFeedbackHandler(a.analyses, a.analysis),

		ServiceConfig: handler.NewServiceConfigHandler(a.analysis, a.cache),
		GetStudy:      handler.NewStudyHandler(a.resolver, a.cache),

		CreateKeyHandler: handler.NewCreateKeyHandler(a.store),
		ListKeysHandler:  handler.NewListKeysHandler(a.store),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(a.store),
	})
}
