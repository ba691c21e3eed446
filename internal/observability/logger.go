package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger. Only the first call
// takes effect.
func InitLogger(level string, pretty bool) {
	initOnce.Do(func() {
		globalLogger = NewLogger(os.Stdout, level, pretty)
		log.Logger = globalLogger
	})
}

// NewLogger builds a logger writing to out. Unknown levels fall back to info.
func NewLogger(out io.Writer, level string, pretty bool) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).With().Timestamp().Str("service", ServiceName).Logger()
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return globalLogger
}

// WithCorrelationID tags a logger with a correlation ID, generating one if empty
func WithCorrelationID(logger zerolog.Logger, correlationID string) (zerolog.Logger, string) {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return logger.With().Str("correlation_id", correlationID).Logger(), correlationID
}

// WithSession adds the media stream id to a call logger
func WithSession(logger zerolog.Logger, streamSid string) zerolog.Logger {
	return logger.With().Str("stream_sid", streamSid).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
