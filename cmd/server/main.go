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

	"reprorun/internal/api"
	"reprorun/internal/cas"
	"reprorun/internal/config"
	"reprorun/internal/digest"
	"reprorun/internal/engine"
	"reprorun/internal/monitor"
	"reprorun/internal/proxy"
	"reprorun/internal/storage"
)

// exitDisabled is the kill-switch exit code, distinct from ordinary startup
// failures so orchestrators can tell deliberate-off from broken.
const exitDisabled = 3

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if os.Getenv("REPRORUN_DISABLED") == "1" {
		log.Warn().Msg("REPRORUN_DISABLED=1 is set, refusing to start")
		os.Exit(exitDisabled)
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

	// The hash engine fails closed: without BLAKE3 (or the explicitly
	// permitted SHA-256 fallback) nothing else starts.
	eng, err := digest.New(digest.Options{AllowFallback: cfg.Engine.AllowHashFallback})
	if err != nil {
		log.Fatal().Err(err).Msg("hash engine unavailable")
	}
	if eng.Degraded() {
		log.Warn().
			Str("primitive", string(eng.Primitive())).
			Msg("running on fallback hash primitive, digests are not comparable with BLAKE3 deployments")
	}

	store, err := cas.Open(cfg.CAS.Root, eng, cas.Options{
		Compress:    cfg.CAS.Compress,
		CompressMin: cfg.CAS.CompressMin,
	})
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.CAS.Root).Msg("failed to open CAS")
	}

	var mirror *cas.Mirror
	if cfg.CAS.Mirror.Endpoint != "" {
		mirror, err = cas.NewMirror(ctx, cas.MirrorConfig{
			Endpoint:  cfg.CAS.Mirror.Endpoint,
			Bucket:    cfg.CAS.Mirror.Bucket,
			AccessKey: cfg.CAS.Mirror.AccessKey,
			SecretKey: cfg.CAS.Mirror.SecretKey,
			UseTLS:    cfg.CAS.Mirror.UseTLS,
		})
		if err != nil {
			log.Warn().Err(err).Msg("CAS mirror unavailable, sync disabled")
		}
	}

	// Start the cache peer if configured.
	var peer *proxy.CachePeer
	if cfg.CAS.Peer.Port > 0 {
		peer = proxy.New(cfg.CAS.Peer.Port, store, eng,
			cfg.CAS.Peer.Upstream, cfg.CAS.Peer.APIKey, cfg.CAS.Peer.Secret)
		if err := peer.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.CAS.Peer.Port).Msg("failed to start cache peer")
		}
	}

	// Initialize database (optional, runs without it for development)
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
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	exec := engine.NewExecutor(eng, engine.ExecutorOptions{
		Store:       store,
		CommitToCAS: cfg.Engine.CommitToCAS,
		Quotas:      cfg.Quotas,
		Metrics:     metrics,
	})
	sched := engine.NewScheduler(exec, cfg.Engine.SchedulerMode, cfg.Engine.Workers)
	defer sched.Close()

	handlers := api.NewHandlers(api.HandlersConfig{
		Scheduler: sched,
		Executor:  exec,
		Engine:    eng,
		Store:     store,
		Mirror:    mirror,
		DB:        db,
		Audit:     auditWriter,
		Metrics:   metrics,
		DriftRuns: cfg.Engine.DriftRuns,

		DefaultTimeout: cfg.Engine.DefaultTimeout,
		MaxTimeout:     cfg.Engine.MaxTimeout,
	})
	server := api.NewServer(cfg, handlers)

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

		if peer != nil {
			if err := peer.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("cache peer shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("scheduler", sched.Mode()).
		Int("workers", sched.Workers()).
		Str("cas_root", store.Root()).
		Bool("db_enabled", db != nil).
		Bool("hash_fallback", eng.Degraded()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
