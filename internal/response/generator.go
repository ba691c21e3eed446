// Package response produces the agent's reply text for a completed caller turn.
package response

import "context"

// Generator produces a reply for one caller utterance. sessionID scopes any
// conversation history the implementation keeps.
type Generator interface {
	GenerateReply(ctx context.Context, text, sessionID string) (string, error)
}

// releaser is implemented by generators that keep per-session state
type releaser interface {
	ReleaseSession(sessionID string)
}
