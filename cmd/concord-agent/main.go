package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"concord/internal/config"
	"concord/internal/gateway"
	"concord/internal/metrics"
	"concord/internal/status"
	"concord/internal/store/boltstore"
	"concord/internal/store/sqlitestore"
	"concord/internal/syncer"
	"concord/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting Concord moderation sync agent")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.Init(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
		log.Info().Msg("Tracing initialized")
	}

	// Canonical snapshot store
	store, err := boltstore.Open(boltstore.Options{Path: cfg.DBPath})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	defer store.Close()
	log.Info().Str("path", cfg.DBPath).Msg("Database opened")

	// Audit log
	audit, err := sqlitestore.Open(cfg.AuditDBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.AuditDBPath).Msg("Failed to open audit database")
	}
	defer audit.Close()

	// Status reporter (disabled when no webhook configured)
	reporter := status.NewReporter(cfg.StatusWebhookURL)

	// Per-server sessions over the shared API client
	apiClient := gateway.NewRESTClient(gateway.RESTClientConfig{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.APIToken,
	})
	sessions := make([]gateway.Session, 0, len(cfg.Servers))
	for _, id := range cfg.Servers {
		sessions = append(sessions, apiClient.Session(gateway.ServerID(id)))
	}

	engine, err := syncer.New(syncer.Config{
		MutedRoleName: cfg.MutedRoleName,
		CallTimeout:   cfg.CallTimeout,
	}, sessions, store.SnapshotStore(), audit, reporter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync engine")
	}
	engine.SetSessionFactory(func(id gateway.ServerID) gateway.Session {
		return apiClient.Session(id)
	})

	// Event stream
	events, err := gateway.NewEventClient(gateway.EventClientConfig{
		Endpoints: cfg.StreamEndpoints,
		Compress:  cfg.StreamCompress,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event client")
	}
	events.Start(ctx)
	defer events.Stop()

	// Periodic reconciliation; the startup pass runs when the stream
	// delivers its ready event.
	engine.StartReconciler(ctx, cfg.ReconcileInterval)

	// Metrics gauges
	metrics.StartCollector(ctx, metrics.StatsSource{
		BannedCount:        engine.BannedCount,
		ActiveTimeoutCount: engine.ActiveTimeoutCount,
		MutedCount:         engine.MutedCount,
		ServerCount:        engine.ServerCount,
		GatewayConnected:   events.IsConnected,
	}, 30*time.Second)

	// Metrics + health endpoints
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Metrics server failed")
		}
	}()

	log.Info().
		Int("servers", len(cfg.Servers)).
		Dur("reconcile_interval", cfg.ReconcileInterval).
		Bool("status_webhook", reporter.Enabled()).
		Msg("Agent running")

	// Block dispatching events until shutdown
	engine.Run(ctx, events.Events())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
	log.Info().Msg("Agent stopped")
}
