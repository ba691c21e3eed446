package stt

import (
	"context"
	"io"
)

// Result is one recognizer hypothesis for the current span of speech
type Result struct {
	// Text is the transcribed text
	Text string

	// IsPartial is true for interim hypotheses that may still change
	IsPartial bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64
}

// Recognizer opens streaming speech-to-text sessions. Implementations are
// shared across calls and must be safe for concurrent use.
type Recognizer interface {
	// StartStream consumes PCM16LE 8kHz mono audio from pcm until it
	// returns io.EOF or ctx is done
	StartStream(ctx context.Context, pcm io.Reader) (Stream, error)
}

// Stream is one live recognition session
type Stream interface {
	// Results delivers hypotheses in order. It is closed when the stream ends.
	Results() <-chan Result

	// Err returns the error that ended the stream, if any
	Err() error

	// Close ends the session and releases its connection
	Close() error
}
