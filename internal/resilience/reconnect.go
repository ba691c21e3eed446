package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of connection attempts
	Backoff     time.Duration // Delay after the first failure
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Reconnect calls connect until it succeeds, backing off exponentially
// between attempts. It gives up when attempts are exhausted or ctx is done.
func Reconnect(ctx context.Context, cfg ReconnectConfig, logger zerolog.Logger, connect func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	backoff := cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = connect(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Reconnection successful")
			}
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
