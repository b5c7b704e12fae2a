package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"safe-sketch-sandbox/internal/api"
	"safe-sketch-sandbox/internal/breaker"
	"safe-sketch-sandbox/internal/config"
	"safe-sketch-sandbox/internal/generate"
	"safe-sketch-sandbox/internal/monitor"
	"safe-sketch-sandbox/internal/sandbox"
	"safe-sketch-sandbox/internal/storage"
	"safe-sketch-sandbox/internal/validate"
	"safe-sketch-sandbox/pkg/capset"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Pre-warmed interpreter pool
	var pool *sandbox.Pool
	if cfg.Pool.Enabled {
		pool = sandbox.NewPool(sandbox.PoolConfig{
			MinIdle:     cfg.Pool.MinIdle,
			MaxIdle:     cfg.Pool.MaxIdle,
			RefillDelay: cfg.Pool.RefillDelay,
		})
		pool.Start(ctx)
		defer pool.Stop()

		// Sample the idle count so the pool gauge tracks refills.
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metrics.SetPoolSize(pool.Size())
				}
			}
		}()
	}

	// Classified security event log; events flow to the audit trail once
	// the database is wired below.
	classifier := monitor.NewClassifier()

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	var sink monitor.Sink
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		sink = auditWriter.EventSink()
	}
	recorder := monitor.NewRecorder(classifier, sink)

	// Sandbox runner
	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		MaxConcurrent:    cfg.Sandbox.MaxConcurrent,
		WatchdogInterval: cfg.Sandbox.WatchdogInterval,
		CanvasWidth:      cfg.Sandbox.CanvasWidth,
		CanvasHeight:     cfg.Sandbox.CanvasHeight,
	}, pool, recorder)
	defer runner.Close()

	// Validation pipeline, sharing the runner for smoke runs
	pipeline := validate.NewPipeline(validate.Config{
		HeuristicWarn:    cfg.Validation.HeuristicWarn,
		HeuristicCeiling: cfg.Validation.HeuristicCeiling,
		SmokeTimeout:     cfg.Validation.SmokeTimeout,
	}, runner)

	// Generation client behind a circuit breaker (optional)
	genBreaker := breaker.New(breaker.Config{
		FailureThreshold: cfg.Generation.FailureThreshold,
		ResetTimeout:     cfg.Generation.ResetTimeout,
		SuccessThreshold: cfg.Generation.SuccessThreshold,
		OnStateChange: func(_, to breaker.State) {
			metrics.SetBreakerState(int(to))
		},
	})
	var generator api.Generator
	if cfg.Generation.Endpoint != "" {
		generator = generate.NewClient(generate.Config{
			Endpoint: cfg.Generation.Endpoint,
			Token:    cfg.GenerationToken(),
			Timeout:  cfg.Generation.Timeout,
		}, genBreaker)
	} else {
		log.Warn().Msg("no generation endpoint configured, /sketches disabled")
	}

	defaultLimits := sandbox.SessionLimits{
		MaxExecution:   cfg.Sandbox.MaxExecution,
		MaxMemoryBytes: cfg.Sandbox.MaxMemoryBytes,
		MaxFrames:      cfg.Sandbox.MaxFrames,
	}
	handlers := api.NewHandlers(runner, pipeline, generator, recorder, db, auditWriter,
		metrics, capset.ParseLevel(cfg.Sandbox.DefaultLevel), defaultLimits, cfg.ProfileFor)

	server := api.NewServer(cfg, handlers, db, metrics, genBreaker)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("default_level", cfg.Sandbox.DefaultLevel).
		Bool("db_enabled", db != nil).
		Bool("generation_enabled", generator != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
