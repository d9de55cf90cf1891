package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/converse-gateway/internal/audio"
	"github.com/lexiqai/converse-gateway/internal/completion"
	"github.com/lexiqai/converse-gateway/internal/config"
	"github.com/lexiqai/converse-gateway/internal/conversation"
	"github.com/lexiqai/converse-gateway/internal/converse"
	"github.com/lexiqai/converse-gateway/internal/observability"
	"github.com/lexiqai/converse-gateway/internal/stream"
	"github.com/lexiqai/converse-gateway/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("completion_url", cfg.CompletionURL()).
		Str("tts_provider", cfg.TTSProvider).
		Str("pacing_mode", cfg.PacingMode).
		Int("synthesis_workers", cfg.SynthesisWorkers).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Converse Gateway Service starting")

	for _, warning := range cfg.Warnings() {
		logger.Warn().Msg(warning)
	}

	store := conversation.NewStore(conversation.StoreConfig{
		MaxSessions:  cfg.SessionMax,
		TTL:          cfg.SessionTTLDuration(),
		SystemPrompt: cfg.SystemPrompt,
		Window:       cfg.HistoryWindow,
	})

	completer := completion.NewClient(cfg)

	synth, err := tts.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech synthesizer")
	}

	orch := stream.NewOrchestrator(completer, synth, audio.NewEncoder(), stream.Options{
		Workers:          cfg.SynthesisWorkers,
		SynthesisTimeout: cfg.SynthesisTimeoutDuration(),
		Pacer: stream.NewPacer(
			cfg.PacingMode,
			time.Duration(cfg.PacingInterval)*time.Millisecond,
			time.Duration(cfg.PacingLead)*time.Millisecond,
		),
		EndEvent: cfg.StreamEndEvent,
	})

	// Create HTTP server
	mux := http.NewServeMux()
	converse.NewHandler(orch, store).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness checks are built here to avoid import cycles
	checks := map[string]observability.HealthCheckFunc{
		"completion": readyCheck(completer.Ready),
		"tts":        synthCheck(synth),
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout stays 0: streams outlive any fixed write deadline
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var grpcHealth *observability.GRPCHealth
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health")
		}
		grpcHealth = observability.NewGRPCHealth(checks)
		go grpcHealth.Watch(ctx, 10*time.Second)
		go func() {
			if err := grpcHealth.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health service stopped")
			}
		}()
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/converse_stream", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stop()

	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func readyCheck(ready func(context.Context) error) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if err := ready(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}

// synthCheck asks engines that can report readiness; the rest are assumed ready
func synthCheck(synth tts.Synthesizer) observability.HealthCheckFunc {
	if hc, ok := synth.(tts.HealthChecker); ok {
		return readyCheck(hc.Ready)
	}
	return func(ctx context.Context) (bool, error) {
		return true, nil
	}
}
