package config

import (
	"os"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("CARTESIA_API_KEY", "test-cartesia-key")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}

	if cfg.CartesiaAPIKey != "test-cartesia-key" {
		t.Errorf("Expected CartesiaAPIKey 'test-cartesia-key', got '%s'", cfg.CartesiaAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("CARTESIA_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_UnsupportedProvider(t *testing.T) {
	setRequired(t)
	t.Setenv("TTS_PROVIDER", "polly")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error for unsupported TTS provider")
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
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.DeepgramLanguage != "en" {
		t.Errorf("Expected default DeepgramLanguage 'en', got '%s'", cfg.DeepgramLanguage)
	}
	if cfg.CartesiaSampleRate != 24000 {
		t.Errorf("Expected default CartesiaSampleRate 24000, got %d", cfg.CartesiaSampleRate)
	}
	if cfg.ResponseGenerator != "basic" {
		t.Errorf("Expected default ResponseGenerator 'basic', got '%s'", cfg.ResponseGenerator)
	}
	if cfg.OrchestratorURL != "localhost:50051" {
		t.Errorf("Expected default OrchestratorURL 'localhost:50051', got '%s'", cfg.OrchestratorURL)
	}
	if cfg.AudioBufferSize != 64000 {
		t.Errorf("Expected default AudioBufferSize 64000, got %d", cfg.AudioBufferSize)
	}
	if cfg.TranscriptStore != "none" {
		t.Errorf("Expected default TranscriptStore 'none', got '%s'", cfg.TranscriptStore)
	}
}

func TestConfig_TurnTakingDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DebounceWindow() != time.Second {
		t.Errorf("Expected debounce window 1s, got %v", cfg.DebounceWindow())
	}
	if cfg.PacingDelay() != 20*time.Millisecond {
		t.Errorf("Expected pacing delay 20ms, got %v", cfg.PacingDelay())
	}
	if cfg.TranscriptTTL() != 30*24*time.Hour {
		t.Errorf("Expected transcript TTL 30 days, got %v", cfg.TranscriptTTL())
	}
}

func TestConfig_InvalidDebounce(t *testing.T) {
	setRequired(t)
	t.Setenv("TURN_DEBOUNCE_MS", "0")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for zero debounce window")
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
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
	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialBackoff != 100 {
		t.Errorf("Expected default RetryInitialBackoff 100, got %d", cfg.RetryInitialBackoff)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
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
