package response

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// FallbackGenerator answers with secondary when primary fails or returns
// nothing, so a caller always hears a reply
type FallbackGenerator struct {
	primary   Generator
	secondary Generator
	logger    zerolog.Logger
}

// NewFallbackGenerator wraps primary with secondary
func NewFallbackGenerator(primary, secondary Generator, logger zerolog.Logger) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, secondary: secondary, logger: logger}
}

// GenerateReply tries primary first. Caller cancellation is returned as is.
func (f *FallbackGenerator) GenerateReply(ctx context.Context, text, sessionID string) (string, error) {
	reply, err := f.primary.GenerateReply(ctx, text, sessionID)
	if err == nil && strings.TrimSpace(reply) != "" {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	f.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Primary reply failed, using fallback")
	return f.secondary.GenerateReply(ctx, text, sessionID)
}

// ReleaseSession forwards to wrapped generators that keep session state
func (f *FallbackGenerator) ReleaseSession(sessionID string) {
	for _, g := range []Generator{f.primary, f.secondary} {
		if r, ok := g.(releaser); ok {
			r.ReleaseSession(sessionID)
		}
	}
}
