package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Transcription providers understood by the service
const (
	ProviderGladia   = "gladia"
	ProviderDeepgram = "deepgram"
)

// Config holds all configuration for the clinic scribe service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Transcription provider selection: gladia or deepgram
	TranscriptionProvider string `envconfig:"TRANSCRIPTION_PROVIDER" default:"gladia"`

	// Gladia live transcription API
	GladiaAPIKey string `envconfig:"GLADIA_API_KEY" default:""`
	GladiaAPIURL string `envconfig:"GLADIA_API_URL" default:"https://api.gladia.io/v2/live"`

	// Deepgram streaming API (alternative provider)
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Only utterances in this language are committed to the transcript
	TranscriptLanguage string `envconfig:"TRANSCRIPT_LANGUAGE" default:"en"`

	// Session setup bounds
	SessionSetupTimeout   time.Duration `envconfig:"SESSION_SETUP_TIMEOUT" default:"15s"`   // session request + handshake + mic
	SessionRequestTimeout time.Duration `envconfig:"SESSION_REQUEST_TIMEOUT" default:"10s"` // single HTTP attempt

	// Microphone capture
	FFmpegPath       string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	AudioInputFormat string `envconfig:"AUDIO_INPUT_FORMAT" default:"pulse"`
	AudioInputDevice string `envconfig:"AUDIO_INPUT_DEVICE" default:"default"`
	AudioBlockSize   int    `envconfig:"AUDIO_BLOCK_SIZE" default:"4096"` // samples per captured block

	// Speaking indicator
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"3"`       // blocks of silence before speech end

	// Storage
	RecordingsDir string `envconfig:"RECORDINGS_DIR" default:""` // empty: <tmp>/clinic-scribe
	PatientsFile  string `envconfig:"PATIENTS_FILE" default:""`  // empty: built-in directory

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum session request attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	c.TranscriptionProvider = strings.ToLower(strings.TrimSpace(c.TranscriptionProvider))
	if c.TranscriptionProvider == "" {
		c.TranscriptionProvider = ProviderGladia
	}

	switch c.TranscriptionProvider {
	case ProviderGladia:
		if c.GladiaAPIKey == "" {
			return fmt.Errorf("GLADIA_API_KEY is required")
		}
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required")
		}
	default:
		return fmt.Errorf("unsupported TRANSCRIPTION_PROVIDER %q", c.TranscriptionProvider)
	}

	if c.AudioBlockSize <= 0 {
		return fmt.Errorf("AUDIO_BLOCK_SIZE must be positive, got %d", c.AudioBlockSize)
	}
	if c.SessionSetupTimeout <= 0 {
		return fmt.Errorf("SESSION_SETUP_TIMEOUT must be positive")
	}

	return nil
}

// RecordingsPath returns the directory that holds consultation recordings
func (c *Config) RecordingsPath() string {
	if c.RecordingsDir != "" {
		return c.RecordingsDir
	}
	return filepath.Join(os.TempDir(), "clinic-scribe")
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
