package tts

import "context"

// AudioChunk is one outbound telephony frame
type AudioChunk struct {
	// Payload is base64 encoded G.711 μ-law at 8kHz mono, ready to be
	// placed in an outbound media message
	Payload string
}

// Synthesizer converts reply text into a sequence of audio chunks.
// Implementations are shared across calls and must be safe for concurrent use.
type Synthesizer interface {
	// Synthesize returns a channel of chunks in playback order. The channel
	// is closed when synthesis completes, fails mid-stream or ctx is done.
	Synthesize(ctx context.Context, text string) (<-chan *AudioChunk, error)
}
