package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"telepost/internal/audit"
	"telepost/internal/config"
	"telepost/internal/csvimport"
	"telepost/internal/infrastructure/postgres"
	"telepost/internal/infrastructure/rabbitmq"
	"telepost/internal/infrastructure/redis"
	"telepost/internal/pkg/logger"
	"telepost/internal/service"
	"telepost/internal/telegram"
	"telepost/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "telepost").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	// ---- RabbitMQ audit fan-out (optional) ----
	var sink audit.EventSink
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange, log)
		if err != nil {
			log.Warn().Err(err).Msg("rabbitmq unavailable, audit fan-out disabled")
		} else {
			defer pub.Close()
			sink = pub
			log.Info().Str("exchange", cfg.RabbitExchange).Msg("rabbitmq connected")
		}
	}

	auditWriter := audit.New(log, sink)
	repo := postgres.New(dbPool, auditWriter)

	{
		schemaCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		defer cancel()
		if err := repo.EnsureSchema(schemaCtx); err != nil {
			log.Fatal().Err(err).Msg("schema init failed")
		}
	}

	// ---- Redis (optional, fail-open) ----
	var cache *redis.Cache
	if cfg.RedisAddr != "" {
		cache = redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, cfg.CacheRuleTTL)

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Telegram client ----
	tg := telegram.NewClient(cfg.TelegramAPIBase, cfg.SendTimeout)

	// ---- Application service ----
	var ruleCache service.RuleCache
	if cache != nil {
		ruleCache = cache
	}
	svc := service.New(repo, tg, ruleCache)
	importer := csvimport.New(repo, svc)
	h := rest.NewHandler(svc, importer)

	// ---- Router ----
	var limiter rest.RateLimiter
	if cache != nil && cfg.RLEnabled {
		limiter = cache
	}
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:   h,
		Limiter:   limiter,
		RateLimit: rest.RateLimitConfig{Limit: cfg.RLLimit, Window: cfg.RLWindow},
	})

	// ---- Publication worker ----
	if cfg.DisableScheduler {
		log.Warn().Msg("publication worker disabled")
	} else {
		worker := postgres.NewWorker(repo, tg, postgres.WorkerConfig{
			BatchSize:     cfg.WorkerBatchSize,
			MaxAttempts:   cfg.MaxAttempts,
			Interval:      cfg.WorkerInterval,
			ProcessingTTL: cfg.ProcessingTTL,
			RetryFloor:    cfg.DefaultRetry,
			Concurrency:   cfg.WorkerConcurrency,
		})
		go worker.Run(rootCtx)
	}

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
