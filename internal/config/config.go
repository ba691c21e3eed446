package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used to build the <Stream> URL returned by /incoming-call; Twilio connects to
	// wss://<this-host>/streams/twilio. Optional; falls back to the request host.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Greeting spoken by Twilio before the media stream connects. Empty disables it.
	Greeting string `envconfig:"GREETING" default:"Welcome to the Voice Assistant Service."`

	// Speech-to-text provider
	STTProvider      string `envconfig:"STT_PROVIDER" default:"deepgram"`
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Text-to-speech provider
	TTSProvider        string `envconfig:"TTS_PROVIDER" default:"cartesia"`
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaBaseURL    string `envconfig:"CARTESIA_BASE_URL" default:"https://api.cartesia.ai"`
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"` // PCM rate requested before down-sampling to 8kHz

	// Response generation: basic, groq or orchestrator
	ResponseGenerator string  `envconfig:"RESPONSE_GENERATOR" default:"basic"`
	GroqAPIKey        string  `envconfig:"GROQ_API_KEY"`
	GroqBaseURL       string  `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1/"`
	GroqModel         string  `envconfig:"GROQ_MODEL" default:"mixtral-8x7b-32768"`
	GroqMaxTokens     int     `envconfig:"GROQ_MAX_TOKENS" default:"100"`
	GroqTemperature   float64 `envconfig:"GROQ_TEMPERATURE" default:"0.7"`
	ResponseFallback  bool    `envconfig:"RESPONSE_FALLBACK_ENABLED" default:"true"` // Fall back to basic replies on provider errors

	// Cognitive Orchestrator gRPC endpoint
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// Turn taking
	TurnDebounceMs   int `envconfig:"TURN_DEBOUNCE_MS" default:"1000"`   // Silence after the last fragment before a turn is complete
	PlaybackPacingMs int `envconfig:"PLAYBACK_PACING_MS" default:"20"`   // Delay between outbound audio chunks
	AudioBufferSize  int `envconfig:"AUDIO_BUFFER_SIZE" default:"64000"` // PCM bytes buffered for the recognizer (~4s at 8kHz)

	// Transcript storage: none or redis
	TranscriptStore    string `envconfig:"TRANSCRIPT_STORE" default:"none"`
	RedisAddr          string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB            int    `envconfig:"REDIS_DB" default:"0"`
	TranscriptTTLHours int    `envconfig:"TRANSCRIPT_TTL_HOURS" default:"720"` // 30 days retention

	// HTTP protection
	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"1.67"` // ~100 requests per minute per IP
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"100"`
	MaxPayloadSize int64   `envconfig:"MAX_PAYLOAD_SIZE" default:"5242880"` // 5MB

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

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

// Validate checks the provider specific required fields
func (c *Config) Validate() error {
	switch strings.ToLower(c.STTProvider) {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required")
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q", c.STTProvider)
	}

	switch strings.ToLower(c.TTSProvider) {
	case "cartesia":
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required")
		}
	default:
		return fmt.Errorf("unsupported TTS_PROVIDER %q", c.TTSProvider)
	}

	switch strings.ToLower(c.TranscriptStore) {
	case "none", "", "redis":
	default:
		return fmt.Errorf("unsupported TRANSCRIPT_STORE %q", c.TranscriptStore)
	}

	if c.TurnDebounceMs <= 0 {
		return fmt.Errorf("TURN_DEBOUNCE_MS must be positive")
	}
	if c.PlaybackPacingMs < 0 {
		return fmt.Errorf("PLAYBACK_PACING_MS must not be negative")
	}
	return nil
}

// DebounceWindow returns the end-of-utterance silence window
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.TurnDebounceMs) * time.Millisecond
}

// PacingDelay returns the delay between outbound audio chunks
func (c *Config) PacingDelay() time.Duration {
	return time.Duration(c.PlaybackPacingMs) * time.Millisecond
}

// TranscriptTTL returns how long stored transcripts are retained
func (c *Config) TranscriptTTL() time.Duration {
	return time.Duration(c.TranscriptTTLHours) * time.Hour
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
