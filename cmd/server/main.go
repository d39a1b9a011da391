package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/endoclinic/clinic-scribe/internal/api"
	"github.com/endoclinic/clinic-scribe/internal/audio"
	"github.com/endoclinic/clinic-scribe/internal/config"
	"github.com/endoclinic/clinic-scribe/internal/gladia"
	"github.com/endoclinic/clinic-scribe/internal/observability"
	"github.com/endoclinic/clinic-scribe/internal/patients"
	"github.com/endoclinic/clinic-scribe/internal/recording"
	"github.com/endoclinic/clinic-scribe/internal/resilience"
	"github.com/endoclinic/clinic-scribe/internal/stt"
)

const probeTimeout = 5 * time.Second

// transcription bundles the session initiator and stream dialer of a provider
type transcription struct {
	initiator recording.SessionInitiator
	dialer    recording.StreamDialer
	breaker   *resilience.CircuitBreaker
}

func newTranscription(cfg *config.Config, logger zerolog.Logger) transcription {
	if cfg.TranscriptionProvider == config.ProviderDeepgram {
		provider := stt.NewDeepgramProvider(cfg, logger)
		return transcription{initiator: provider, dialer: provider, breaker: provider.Breaker()}
	}
	client := gladia.NewClient(cfg, logger)
	return transcription{initiator: client, dialer: gladia.NewDialer(logger), breaker: client.Breaker()}
}

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
		Str("provider", cfg.TranscriptionProvider).
		Str("language", cfg.TranscriptLanguage).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Clinic scribe starting")

	directory, err := patients.Load(cfg.PatientsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load patient directory")
	}
	logger.Info().Int("patients", directory.Len()).Msg("Patient directory loaded")

	provider := newTranscription(cfg, logger)
	capture := audio.NewFFmpegCapture(cfg.FFmpegPath, cfg.AudioInputFormat, cfg.AudioInputDevice, cfg.AudioBlockSize)
	recordingsDir := cfg.RecordingsPath()
	gate := recording.NewGate()
	vad := &audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		SilenceFrames:   cfg.VADSilenceFrames,
	}

	registry := api.NewRegistry(func(patientID string) *recording.Controller {
		controllerLogger := observability.ForPatient(patientID)
		return recording.NewController(recording.Options{
			PatientID:    patientID,
			Initiator:    provider.initiator,
			Dialer:       provider.dialer,
			Capture:      capture,
			Sinks:        api.WAVSinks(recordingsDir, patientID),
			Gate:         gate,
			Language:     cfg.TranscriptLanguage,
			SetupTimeout: cfg.SessionSetupTimeout,
			VAD:          vad,
			Logger:       &controllerLogger,
		})
	}, logger)

	// Report microphone permission before the first recording
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()

		if err := capture.Probe(ctx); err != nil {
			logger.Warn().Err(err).Msg("Microphone probe failed")
			if errors.Is(err, audio.ErrPermissionDenied) {
				registry.SetPermission(recording.PermissionDenied)
			}
			return
		}
		registry.SetPermission(recording.PermissionGranted)
		logger.Info().Msg("Microphone available")
	}()

	// Create HTTP server
	mux := http.NewServeMux()
	api.NewServer(directory, registry, recordingsDir, logger).Register(mux)

	// Health check endpoint
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())

	// Readiness checks are built here to keep observability free of domain imports
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		cfg.TranscriptionProvider: provider.breaker.HealthCheck,
		"ffmpeg": func(ctx context.Context) (bool, error) {
			if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
				return false, err
			}
			return true, nil
		},
		"patients": func(ctx context.Context) (bool, error) {
			if directory.Len() == 0 {
				return false, errors.New("patient directory is empty")
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Start may block for the whole setup timeout, and the live feed is long-lived,
	// so only reads and headers are bounded here
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("recordings_dir", recordingsDir).
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

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Release the microphone and close transcription streams before the listener
	if err := registry.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop recordings")
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
