package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/middleware"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/response"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/telephony"
	"github.com/lexiqai/voice-agent/internal/transcript"
	"github.com/lexiqai/voice-agent/internal/tts"
)

const shutdownTimeout = 30 * time.Second

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
		Str("response_generator", cfg.ResponseGenerator).
		Str("transcript_store", cfg.TranscriptStore).
		Dur("debounce", cfg.DebounceWindow()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Agent Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
	logger.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	listenClient.InitWithDefault()

	recognizer := stt.NewDeepgramRecognizer(cfg, logger)
	synthesizer := tts.NewCartesiaClient(cfg, logger)

	replies := response.New(cfg, logger)
	defer replies.Close()
	logger.Info().Str("generator", replies.Kind).Msg("Response generator ready")

	checks := map[string]observability.HealthCheckFunc{
		"deepgram": func(context.Context) error {
			// Opening a live session costs money, so only the key is verified
			if cfg.DeepgramAPIKey == "" {
				return errors.New("DEEPGRAM_API_KEY not set")
			}
			return nil
		},
		"cartesia": synthesizer.Ping,
	}
	if replies.Orchestrator != nil {
		checks["orchestrator"] = replies.Orchestrator.HealthCheck
	}

	services := telephony.Services{
		Recognizer:  recognizer,
		Synthesizer: synthesizer,
		Generator:   replies.Generator,
	}

	if strings.EqualFold(cfg.TranscriptStore, "redis") {
		store, err := transcript.NewRedisStore(ctx, transcript.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TranscriptTTL(),
		}, logger)
		if err != nil {
			return fmt.Errorf("transcript store: %w", err)
		}
		defer store.Close()
		services.Transcripts = store
		checks["redis"] = store.Ping
	}

	streams := telephony.NewHandler(services, telephony.OptionsFromConfig(cfg), logger)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("GET "+telephony.StreamPath, streams)
	mux.HandleFunc("/incoming-call", telephony.IncomingCallHandler(cfg.PublicURL, cfg.Greeting, logger))
	mux.HandleFunc("POST /status", telephony.StatusCallbackHandler(logger))
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	handler := middleware.Chain(mux,
		middleware.Recovery(logger),
		middleware.RequestLogger(logger),
		middleware.SecurityHeaders(),
		limiter.Middleware(),
		middleware.MaxBytes(cfg.MaxPayloadSize),
	)

	// Media streams are long lived, so no read/write timeouts on the server
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, telephony.StreamPath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Int("active_sessions", streams.ActiveSessions()).Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown does not wait for hijacked websocket connections
		streams.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
