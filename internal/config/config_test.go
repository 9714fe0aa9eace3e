package config

import (
	"os"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("ELEVENLABS_API_KEY", "test-elevenlabs-key")
	os.Unsetenv("LLM_PROVIDER")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}

	if cfg.ElevenLabsAPIKey != "test-elevenlabs-key" {
		t.Errorf("Expected ElevenLabsAPIKey 'test-elevenlabs-key', got '%s'", cfg.ElevenLabsAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")
	os.Unsetenv("ELEVENLABS_API_KEY")
	os.Unsetenv("LLM_PROVIDER")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_GeminiRequiresKey(t *testing.T) {
	setRequired(t)
	t.Setenv("LLM_PROVIDER", "gemini")
	os.Unsetenv("GEMINI_API_KEY")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when GEMINI_API_KEY is missing")
	}

	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.LLMProvider != ProviderGemini {
		t.Errorf("Expected provider gemini, got '%s'", cfg.LLMProvider)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("LLM_PROVIDER", "parrot")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown provider")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Errorf("Expected default OpenAIModel 'gpt-4o-mini', got '%s'", cfg.OpenAIModel)
	}

	if cfg.ElevenLabsModelID != "eleven_multilingual_v2" {
		t.Errorf("Expected default ElevenLabsModelID 'eleven_multilingual_v2', got '%s'", cfg.ElevenLabsModelID)
	}

	if cfg.ElevenLabsStability != 0.35 {
		t.Errorf("Expected default ElevenLabsStability 0.35, got %f", cfg.ElevenLabsStability)
	}

	if cfg.ElevenLabsSimilarityBoost != 0.75 {
		t.Errorf("Expected default ElevenLabsSimilarityBoost 0.75, got %f", cfg.ElevenLabsSimilarityBoost)
	}

	if cfg.SegmentMaxWords != 25 {
		t.Errorf("Expected default SegmentMaxWords 25, got %d", cfg.SegmentMaxWords)
	}

	if cfg.FeatureWindow != 10 {
		t.Errorf("Expected default FeatureWindow 10, got %d", cfg.FeatureWindow)
	}

	if cfg.FeatureFreshness() != 5*time.Second {
		t.Errorf("Expected default FeatureFreshness 5s, got %v", cfg.FeatureFreshness())
	}

	if cfg.VoiceInputEnabled() {
		t.Error("Expected voice input disabled without DEEPGRAM_API_KEY")
	}
}

func TestLoad_InvalidSegmentCap(t *testing.T) {
	setRequired(t)
	t.Setenv("SEGMENT_MAX_WORDS", "0")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for non-positive SEGMENT_MAX_WORDS")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitResetTimeout() != 30*time.Second {
		t.Errorf("Expected default CircuitResetTimeout 30s, got %v", cfg.CircuitResetTimeout())
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.InitialBackoff() != 500*time.Millisecond {
		t.Errorf("Expected default InitialBackoff 500ms, got %v", cfg.InitialBackoff())
	}

	if cfg.MaxBackoff() != 4*time.Second {
		t.Errorf("Expected default MaxBackoff 4s, got %v", cfg.MaxBackoff())
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

func TestConfig_VoiceInputDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if !cfg.VoiceInputEnabled() {
		t.Error("Expected voice input enabled with DEEPGRAM_API_KEY")
	}
	if cfg.DeepgramEncoding != "linear16" || cfg.DeepgramSampleRate != 16000 {
		t.Errorf("Expected linear16 at 16000Hz, got %s at %d", cfg.DeepgramEncoding, cfg.DeepgramSampleRate)
	}
	if cfg.VADEnergyThreshold != 500.0 {
		t.Errorf("Expected default VADEnergyThreshold 500, got %f", cfg.VADEnergyThreshold)
	}
	if !cfg.BargeIn {
		t.Error("Expected barge-in enabled by default")
	}
}
