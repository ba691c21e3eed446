package audio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrTransformerClosed is returned by Write after Close
var ErrTransformerClosed = errors.New("audio transformer closed")

// mediaEnvelope is the subset of an inbound media-stream message the
// transformer needs.
type mediaEnvelope struct {
	Event string `json:"event"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// Transformer turns raw inbound media-stream messages into a continuous
// PCM16LE byte stream. It is an io.Reader for the recognizer side.
type Transformer struct {
	buffer    *RingBuffer
	logger    zerolog.Logger
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewTransformer creates a transformer buffering up to bufferSize PCM bytes
func NewTransformer(bufferSize int, logger zerolog.Logger) *Transformer {
	return &Transformer{
		buffer: NewRingBuffer(bufferSize),
		logger: logger,
	}
}

// Write accepts one raw protocol message. Media payloads are decoded and
// buffered; everything else is ignored. Malformed messages are logged and
// dropped without an error, so the stream keeps flowing.
func (t *Transformer) Write(raw []byte) (int, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return 0, ErrTransformerClosed
	}

	var msg mediaEnvelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.logger.Warn().Err(err).Msg("Dropping malformed media message")
		return len(raw), nil
	}
	if msg.Event != "media" || msg.Media == nil || msg.Media.Payload == "" {
		return len(raw), nil
	}

	mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Dropping media frame with invalid base64 payload")
		return len(raw), nil
	}

	pcm := DecodeMulaw(mulaw)
	if n := t.buffer.Write(pcm); n < len(pcm) {
		t.mu.Lock()
		t.dropped += len(pcm) - n
		t.mu.Unlock()
		t.logger.Warn().
			Int("dropped_bytes", len(pcm)-n).
			Msg("Audio buffer overflow, dropping PCM")
	}
	return len(raw), nil
}

// Read returns decoded PCM, blocking until some is available.
// It returns io.EOF after Close once the buffer is drained.
func (t *Transformer) Read(p []byte) (int, error) {
	return t.buffer.Read(p)
}

// Close stops accepting frames and releases blocked readers. Safe to call
// more than once.
func (t *Transformer) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		_ = t.buffer.Close()
	})
	return nil
}

// Dropped returns the number of PCM bytes lost to buffer overflow
func (t *Transformer) Dropped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
