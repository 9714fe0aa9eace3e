package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/healthsimple/companion-gateway/internal/audio"
	"github.com/healthsimple/companion-gateway/internal/config"
	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/llm"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/physio"
	"github.com/healthsimple/companion-gateway/internal/pipeline"
	"github.com/healthsimple/companion-gateway/internal/resilience"
	"github.com/healthsimple/companion-gateway/internal/session"
	"github.com/healthsimple/companion-gateway/internal/store"
	"github.com/healthsimple/companion-gateway/internal/stt"
	"github.com/healthsimple/companion-gateway/internal/transport"
	"github.com/healthsimple/companion-gateway/internal/tts"
)

// readinessInterval is how often the gRPC health status is refreshed
const readinessInterval = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Wellness voice companion gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(interpretCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("llm_provider", cfg.LLMProvider).
		Bool("voice_input", cfg.VoiceInputEnabled()).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Companion Gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initiator := newInitiator(cfg, logger)

	model, err := llm.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create language model client: %w", err)
	}
	speech := tts.NewElevenLabsClient(cfg)

	transcripts, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer transcripts.Close()

	runner := pipeline.NewRunner(model, pipeline.NewSynthesizer(speech, initiator), initiator, cfg.SegmentMaxWords)
	sessions := session.NewManager(session.Options{
		WindowSize:      cfg.FeatureWindow,
		HistoryMaxTurns: cfg.HistoryMaxTurns,
		Interpreter:     physio.NewInterpreter(cfg.FeatureFreshness(), cfg.FeatureWindow),
		Assembler:       conversation.NewAssembler(cfg.SystemPrompt),
		Runner:          runner,
		Store:           transcripts,
	})

	opts := []transport.Option{
		transport.WithMicInput(audio.MicConfig{
			Encoding:        cfg.DeepgramEncoding,
			SampleRate:      cfg.DeepgramSampleRate,
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		}, cfg.BargeIn),
	}
	if cfg.VoiceInputEnabled() {
		opts = append(opts, transport.WithTranscriber(func(l zerolog.Logger) stt.Transcriber {
			return stt.NewDeepgramClient(cfg, initiator, l)
		}))
	}

	checks := map[string]observability.HealthCheckFunc{
		"llm":   breakerCheck(initiator, model.Name()),
		"tts":   breakerCheck(initiator, speech.Name()),
		"store": func(ctx context.Context) (bool, error) {
			err := transcripts.Ping(ctx)
			return err == nil, err
		},
	}

	mux := http.NewServeMux()
	transport.NewServer(sessions, opts...).Register(mux)
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(checks))
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Audio responses are long-lived; writes are bounded per chunk instead
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	reporter := observability.NewHealthReporter(checks)
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, reporter.Server())
	go reporter.Run(ctx, readinessInterval)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC health server listening")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("Server failed")
		stop()
	}

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}

// newInitiator builds the retry policy and per-provider circuit breakers
// shared by every provider stream.
func newInitiator(cfg *config.Config, logger zerolog.Logger) *resilience.StreamInitiator {
	policy := resilience.NewPolicy(&resilience.RetryConfig{
		MaxAttempts:       cfg.RetryMaxAttempts,
		InitialBackoff:    cfg.InitialBackoff(),
		MaxBackoff:        cfg.MaxBackoff(),
		BackoffMultiplier: 2.0,
	}, resilience.DefaultRetryable)

	return resilience.NewStreamInitiator(policy,
		resilience.WithObserver(observability.StreamObserver{}),
		resilience.WithCircuitBreakers(func(provider string) *resilience.CircuitBreaker {
			cb := resilience.NewCircuitBreaker(provider, cfg.CircuitBreakerMaxFailures, cfg.CircuitResetTimeout())
			cb.OnStateChange = func(name string, state resilience.CircuitState) {
				observability.UpdateCircuitBreakerState(name, int(state))
				logger.Warn().Str("provider", name).Str("state", state.String()).Msg("Circuit breaker state changed")
			}
			observability.UpdateCircuitBreakerState(provider, int(resilience.StateClosed))
			return cb
		}),
	)
}

// breakerCheck reports a provider as not ready while its breaker is open.
func breakerCheck(initiator *resilience.StreamInitiator, provider string) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		cb := initiator.Breaker(provider)
		if cb == nil {
			return true, nil
		}
		state, requests, failures, rate := cb.GetStats()
		if state == resilience.StateOpen {
			return false, fmt.Errorf("%w: %d of %d opens failed (%.0f%%)", resilience.ErrCircuitOpen, failures, requests, rate)
		}
		return true, nil
	}
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.StoreDir == "" {
		logger.Info().Msg("Transcripts kept in memory")
		return store.NewMemory(), nil
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s, err := store.NewBadger(store.BadgerOptions{Dir: cfg.StoreDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	logger.Info().Str("dir", cfg.StoreDir).Msg("Transcripts stored on disk")
	return s, nil
}
