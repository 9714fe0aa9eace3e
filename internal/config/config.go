package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LLM provider names accepted by LLM_PROVIDER.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all configuration for the companion gateway service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// Language provider
	LLMProvider    string  `envconfig:"LLM_PROVIDER" default:"openai"` // openai, gemini
	OpenAIAPIKey   string  `envconfig:"OPENAI_API_KEY"`
	OpenAIModel    string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL  string  `envconfig:"OPENAI_BASE_URL" default:""`
	GeminiAPIKey   string  `envconfig:"GEMINI_API_KEY"`
	GeminiModel    string  `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	LLMMaxTokens   int     `envconfig:"LLM_MAX_TOKENS" default:"500"`
	LLMTemperature float64 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	SystemPrompt   string  `envconfig:"SYSTEM_PROMPT" default:""` // empty uses the built-in prompt

	// ElevenLabs TTS API configuration
	ElevenLabsAPIKey          string  `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsVoiceID         string  `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModelID         string  `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_multilingual_v2"`
	ElevenLabsStability       float64 `envconfig:"ELEVENLABS_STABILITY" default:"0.35"`
	ElevenLabsSimilarityBoost float64 `envconfig:"ELEVENLABS_SIMILARITY_BOOST" default:"0.75"`
	ElevenLabsBaseURL         string  `envconfig:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io"`

	// Deepgram STT API configuration (optional; voice input is disabled without a key)
	DeepgramAPIKey     string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel      string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage   string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`
	DeepgramEncoding   string `envconfig:"DEEPGRAM_ENCODING" default:"linear16"`
	DeepgramSampleRate int    `envconfig:"DEEPGRAM_SAMPLE_RATE" default:"16000"`

	// Microphone speech detection
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD; 0 disables
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end
	BargeIn            bool    `envconfig:"BARGE_IN" default:"true"`              // User speech interrupts the active turn

	// Conversation pipeline
	SegmentMaxWords         int `envconfig:"SEGMENT_MAX_WORDS" default:"25"`         // Word cap before a phrase is force-split
	HistoryMaxTurns         int `envconfig:"HISTORY_MAX_TURNS" default:"20"`         // Oldest turns dropped beyond this
	FeatureWindow           int `envconfig:"FEATURE_WINDOW" default:"10"`            // Samples kept for trend analysis
	FeatureFreshnessSeconds int `envconfig:"FEATURE_FRESHNESS_SECONDS" default:"5"` // Older samples lose confidence

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Attempts per stream open
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"500"`        // Initial backoff in milliseconds
	RetryMaxBackoff            int `envconfig:"RETRY_MAX_BACKOFF" default:"4000"`           // Backoff cap in milliseconds

	// Transcript storage; empty keeps transcripts in memory
	StoreDir string `envconfig:"STORE_DIR" default:""`

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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider credentials and numeric ranges.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if c.SegmentMaxWords < 1 {
		return fmt.Errorf("SEGMENT_MAX_WORDS must be positive, got %d", c.SegmentMaxWords)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	return nil
}

// VoiceInputEnabled reports whether mic audio can be transcribed.
func (c *Config) VoiceInputEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// FeatureFreshness returns the sample age beyond which confidence drops.
func (c *Config) FeatureFreshness() time.Duration {
	return time.Duration(c.FeatureFreshnessSeconds) * time.Second
}

// InitialBackoff returns the first retry wait.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// MaxBackoff returns the retry wait cap.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoff) * time.Millisecond
}

// CircuitResetTimeout returns how long an open circuit waits before probing.
func (c *Config) CircuitResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
