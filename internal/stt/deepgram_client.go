package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

const (
	resultsBuffer = 64
	// 100ms of PCM per write keeps the websocket frame count low
	writeChunkBytes = audio.PCMFrameBytes * 5
)

// wsConn is the part of the Deepgram websocket client a stream drives
type wsConn interface {
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, callback msginterfaces.LiveMessageCallback) (wsConn, error)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

// Message forwards transcription results to the owning stream
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(message)
	return nil
}

// Error ends the owning stream with the provider error
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.handleError(errorResponse)
	return nil
}

// DeepgramRecognizer implements Recognizer using Deepgram's streaming API
type DeepgramRecognizer struct {
	cfg            *config.Config
	logger         zerolog.Logger
	circuitBreaker *resilience.CircuitBreaker
	reconnect      resilience.ReconnectConfig
	dial           dialFunc
}

// NewDeepgramRecognizer creates a recognizer for all calls of the process
func NewDeepgramRecognizer(cfg *config.Config, logger zerolog.Logger) *DeepgramRecognizer {
	r := &DeepgramRecognizer{
		cfg:    cfg,
		logger: logger.With().Str("component", "deepgram").Logger(),
		circuitBreaker: resilience.NewCircuitBreaker(
			"deepgram",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}
	r.dial = r.dialDeepgram
	return r
}

func (r *DeepgramRecognizer) options() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.DeepgramModel,
		Language:       r.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     audio.TelephonySampleRate,
	}
}

func (r *DeepgramRecognizer) dialDeepgram(ctx context.Context, callback msginterfaces.LiveMessageCallback) (wsConn, error) {
	// nil ClientOptions uses the SDK defaults
	client, err := listenClient.NewWSUsingCallback(ctx, r.cfg.DeepgramAPIKey, nil, r.options(), callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, fmt.Errorf("failed to connect to Deepgram")
	}
	return client, nil
}

// StartStream opens a Deepgram live session fed from pcm
func (r *DeepgramRecognizer) StartStream(ctx context.Context, pcm io.Reader) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		results: make(chan Result, resultsBuffer),
		cancel:  cancel,
		logger:  r.logger,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	err := resilience.Reconnect(streamCtx, r.reconnect, r.logger, func(ctx context.Context) error {
		return r.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			conn, err := r.dial(ctx, callback)
			if err != nil {
				return err
			}
			s.conn = conn
			return nil
		})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("deepgram stream: %w", err)
	}

	r.logger.Info().
		Str("model", r.cfg.DeepgramModel).
		Str("language", r.cfg.DeepgramLanguage).
		Msg("Deepgram stream started")

	go s.pump(streamCtx, pcm)
	return s, nil
}

// deepgramStream is one live Deepgram session
type deepgramStream struct {
	conn    wsConn
	cancel  context.CancelFunc
	logger  zerolog.Logger
	results chan Result

	mu     sync.Mutex
	closed bool
	err    error

	finishOnce sync.Once
}

// pump copies PCM from the reader to the websocket until EOF or cancellation
func (s *deepgramStream) pump(ctx context.Context, pcm io.Reader) {
	defer s.finish(nil)

	buf := make([]byte, writeChunkBytes)
	for {
		n, err := pcm.Read(buf)
		if n > 0 {
			if ctx.Err() != nil {
				return
			}
			if _, werr := s.conn.Write(buf[:n]); werr != nil {
				s.logger.Warn().Err(werr).Msg("Failed to send audio to Deepgram")
				s.finish(fmt.Errorf("send audio: %w", werr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.finish(fmt.Errorf("read audio: %w", err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	result := Result{
		Text:       alt.Transcript,
		IsPartial:  !msg.IsFinal,
		Confidence: alt.Confidence,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.results <- result:
		s.logger.Debug().
			Bool("final", msg.IsFinal).
			Float64("confidence", alt.Confidence).
			Str("text", alt.Transcript).
			Msg("Deepgram transcription")
	default:
		s.logger.Warn().Msg("Transcript channel full, dropping transcription")
	}
}

func (s *deepgramStream) handleError(errorResponse *msginterfaces.ErrorResponse) {
	s.logger.Error().Interface("deepgram_error", errorResponse).Msg("Deepgram stream error")
	s.finish(fmt.Errorf("deepgram error: %+v", errorResponse))
}

// finish ends the stream exactly once, recording err as the cause
func (s *deepgramStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			s.conn.Finish()
		}

		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.results)
		s.mu.Unlock()
	})
}

// Results delivers transcription results until the stream ends
func (s *deepgramStream) Results() <-chan Result {
	return s.results
}

// Err returns the error that ended the stream, if any
func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the Deepgram session. The PCM reader should be closed by the
// owner so the pump can exit.
func (s *deepgramStream) Close() error {
	s.finish(nil)
	return nil
}
