package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/audio"
	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/response"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/transcript"
	"github.com/lexiqai/voice-agent/internal/tts"
	"github.com/lexiqai/voice-agent/internal/turn"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	saveTimeout    = 5 * time.Second
)

// Services are the collaborators shared by all sessions. Transcripts is
// optional.
type Services struct {
	Recognizer  stt.Recognizer
	Synthesizer tts.Synthesizer
	Generator   response.Generator
	Transcripts transcript.Store
}

// SessionReleaser is implemented by collaborators holding per-session
// resources. ReleaseSession is called once when a session ends.
type SessionReleaser interface {
	ReleaseSession(sessionID string)
}

// Options tune turn taking and playback
type Options struct {
	DebounceWindow  time.Duration
	PacingDelay     time.Duration
	AudioBufferSize int
}

// OptionsFromConfig reads session options from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DebounceWindow:  cfg.DebounceWindow(),
		PacingDelay:     cfg.PacingDelay(),
		AudioBufferSize: cfg.AudioBufferSize,
	}
}

// playback is one agent reply being streamed to the caller
type playback struct {
	ctx    context.Context
	cancel context.CancelFunc
	turn   int
}

// Session handles one Twilio media stream connection
type Session struct {
	conn          *websocket.Conn
	services      Services
	opts          Options
	state         *turn.State
	transformer   *audio.Transformer
	marks         *MarkQueue
	metrics       *observability.Metrics
	correlationID string
	logger        atomic.Pointer[zerolog.Logger]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	// mu guards the fields below and orders playback against barge-in
	mu       sync.Mutex
	stream   stt.Stream
	callSid  string
	playback *playback
	closed   bool

	closeOnce sync.Once
}

// NewSession creates a session for an upgraded connection
func NewSession(ctx context.Context, conn *websocket.Conn, services Services, opts Options, logger zerolog.Logger) *Session {
	sessionLogger, correlationID := observability.WithCorrelationID(logger, "")

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		conn:          conn,
		services:      services,
		opts:          opts,
		state:         turn.NewState(opts.DebounceWindow, sessionLogger),
		transformer:   audio.NewTransformer(opts.AudioBufferSize, sessionLogger),
		marks:         &MarkQueue{},
		metrics:       observability.NewCallMetrics(correlationID),
		correlationID: correlationID,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.logger.Store(&sessionLogger)
	s.metrics.RecordCallStart()
	return s
}

func (s *Session) log() *zerolog.Logger {
	return s.logger.Load()
}

// Run reads protocol messages until stop, disconnect or a fatal error, then
// cleans up and waits for the session's goroutines
func (s *Session) Run() error {
	defer s.wg.Wait()
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)

	go func() {
		<-s.ctx.Done()
		s.Close()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log().Warn().Err(err).Msg("WebSocket read error")
			}
			return nil
		}

		done, err := s.dispatch(raw)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// dispatch handles one inbound message. done is true after stop.
func (s *Session) dispatch(raw []byte) (done bool, err error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log().Error().Err(err).Msg("Failed to parse media stream message")
		s.metrics.RecordError("protocol_error", "telephony")
		return false, nil
	}

	switch msg.Event {
	case EventConnected:
		s.log().Info().Str("protocol", msg.Protocol).Msg("Media stream connected")
	case EventStart:
		return false, s.handleStart(&msg)
	case EventMedia:
		s.handleMedia(raw)
	case EventMark:
		s.handleMark(&msg)
	case EventStop:
		s.log().Info().Msg("Media stream stopped")
		return true, nil
	default:
		s.log().Debug().Str("event", msg.Event).Msg("Ignoring unknown media stream event")
	}
	return false, nil
}

func (s *Session) handleStart(msg *InboundMessage) error {
	if s.state.IsStreaming() {
		s.log().Warn().Msg("Duplicate start event ignored")
		return nil
	}

	streamSid := msg.StreamSid
	var callSid string
	if msg.Start != nil {
		if msg.Start.StreamSid != "" {
			streamSid = msg.Start.StreamSid
		}
		callSid = msg.Start.CallSid
	}
	if streamSid == "" {
		s.log().Warn().Msg("Start event without streamSid ignored")
		return nil
	}

	sessionLogger := observability.WithSession(*s.log(), streamSid).With().Str("call_sid", callSid).Logger()
	s.logger.Store(&sessionLogger)

	s.state.MarkSessionStarted(streamSid)

	s.metrics.RecordStageStart(observability.StageSTT)
	stream, err := s.services.Recognizer.StartStream(s.ctx, s.transformer)
	if err != nil {
		s.metrics.RecordStageEnd(observability.StageSTT, false)
		s.metrics.RecordError("stt_start_error", "stt")
		s.log().Error().Err(err).Msg("Failed to start recognizer stream")
		return fmt.Errorf("start recognizer: %w", err)
	}
	s.metrics.RecordStageEnd(observability.StageSTT, true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return nil
	}
	s.stream = stream
	s.callSid = callSid
	s.mu.Unlock()

	s.wg.Add(2)
	go s.consumeTranscripts(stream)
	go s.processTurns()

	s.log().Info().Msg("Call started")
	return nil
}

func (s *Session) handleMedia(raw []byte) {
	if !s.state.IsStreaming() {
		s.log().Warn().Msg("Media received before start, discarding")
		return
	}

	s.checkBargeIn()

	n, err := s.transformer.Write(raw)
	if err != nil {
		if !errors.Is(err, audio.ErrTransformerClosed) {
			s.log().Warn().Err(err).Msg("Failed to forward media frame")
		}
		return
	}
	s.metrics.RecordAudioBytes("in", int64(n))
}

// checkBargeIn stops the current reply when caller audio arrives while
// sent chunks are still unacknowledged
func (s *Session) checkBargeIn() {
	s.mu.Lock()
	defer s.mu.Unlock()

	started, speaking := s.state.LastSpeechStart()
	if !speaking || s.marks.Len() == 0 {
		return
	}
	elapsed := time.Since(started)

	if s.playback != nil {
		s.playback.cancel()
		s.playback = nil
	}
	s.state.EndSpeaking()
	if err := s.writeJSON(clearMessage(s.state.StreamSid())); err != nil {
		s.log().Warn().Err(err).Msg("Failed to send clear")
	}
	outstanding := s.marks.Clear()

	s.metrics.RecordBargeIn(elapsed)
	s.log().Info().
		Dur("elapsed", elapsed).
		Int("outstanding_marks", outstanding).
		Msg("Caller barge-in, playback cleared")
}

func (s *Session) handleMark(msg *InboundMessage) {
	name := ""
	if msg.Mark != nil {
		name = msg.Mark.Name
	}
	if _, ok := s.marks.Pop(); !ok {
		s.log().Debug().Str("mark", name).Msg("Mark received with no outstanding chunk")
	}
}

// consumeTranscripts feeds recognizer results into the turn state until
// the stream ends or the session closes
func (s *Session) consumeTranscripts(stream stt.Stream) {
	defer s.wg.Done()

	results := stream.Results()
	for {
		select {
		case <-s.ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				if err := stream.Err(); err != nil && s.ctx.Err() == nil {
					s.metrics.RecordError("stt_stream_error", "stt")
					s.log().Error().Err(err).Msg("Recognizer stream failed")
				}
				return
			}
			s.log().Debug().
				Str("text", res.Text).
				Bool("partial", res.IsPartial).
				Msg("Transcript fragment")
			s.state.OnTranscriptFragment(res.Text, res.IsPartial)
		}
	}
}

// processTurns answers completed caller turns one at a time
func (s *Session) processTurns() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.state.Ready():
			s.respond(t)
		}
	}
}

func (s *Session) respond(t turn.Turn) {
	s.metrics.RecordTurn()

	logger := s.log().With().Int("turn", t.Seq).Logger()
	logger.Info().Str("text", t.Text).Msg("Caller turn complete")

	if s.state.IsSpeaking() {
		s.metrics.RecordTurnDropped(observability.DropAgentSpeaking)
		logger.Info().Msg("Agent is speaking, dropping caller turn")
		return
	}

	streamSid := s.state.StreamSid()
	s.saveTranscript(transcript.ActorCaller, t.Seq, t.Text)

	s.metrics.RecordStageStart(observability.StageReply)
	reply, err := s.services.Generator.GenerateReply(s.ctx, t.Text, streamSid)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.metrics.RecordStageEnd(observability.StageReply, false)
		s.metrics.RecordTurnDropped(observability.DropReplyError)
		s.metrics.RecordError("reply_error", "response")
		logger.Error().Err(err).Msg("Failed to generate reply")
		return
	}
	s.metrics.RecordStageEnd(observability.StageReply, true)

	reply = strings.TrimSpace(reply)
	if reply == "" {
		s.metrics.RecordTurnDropped(observability.DropEmptyReply)
		logger.Info().Msg("Empty reply, nothing to say")
		return
	}
	s.saveTranscript(transcript.ActorAgent, t.Seq, reply)

	pb := s.startPlayback(t.Seq)
	if pb == nil {
		return
	}
	logger.Info().Str("reply", reply).Msg("Speaking reply")

	s.wg.Add(1)
	go s.play(pb, reply)
}

// startPlayback makes a new reply current and marks the agent speaking
func (s *Session) startPlayback(turnSeq int) *playback {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.playback != nil {
		s.playback.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.playback = &playback{ctx: ctx, cancel: cancel, turn: turnSeq}
	s.state.BeginSpeaking()
	return s.playback
}

// play synthesizes text and streams it paced at roughly real time. It stops
// at the next chunk boundary once the playback is cancelled.
func (s *Session) play(pb *playback, text string) {
	defer s.wg.Done()
	defer s.finishPlayback(pb)

	logger := s.log().With().Int("turn", pb.turn).Logger()

	s.metrics.RecordStageStart(observability.StageTTS)
	chunks, err := s.services.Synthesizer.Synthesize(pb.ctx, text)
	if err != nil {
		s.metrics.RecordStageEnd(observability.StageTTS, false)
		s.metrics.RecordTurnDropped(observability.DropSynthesis)
		s.metrics.RecordError("tts_error", "tts")
		logger.Error().Err(err).Msg("Failed to synthesize reply")
		return
	}

	var pacing *time.Timer
	if s.opts.PacingDelay > 0 {
		pacing = time.NewTimer(s.opts.PacingDelay)
		pacing.Stop()
		defer pacing.Stop()
	}

	sent := 0
	for {
		select {
		case <-pb.ctx.Done():
			logger.Debug().Int("chunks_sent", sent).Msg("Playback interrupted")
			return
		case chunk, ok := <-chunks:
			if !ok {
				s.metrics.RecordStageEnd(observability.StageTTS, true)
				logger.Debug().Int("chunks_sent", sent).Msg("Playback complete")
				return
			}
			if chunk == nil || chunk.Payload == "" {
				continue
			}
			if !s.sendChunk(pb, chunk) {
				return
			}
			sent++

			if pacing == nil {
				continue
			}
			pacing.Reset(s.opts.PacingDelay)
			select {
			case <-pb.ctx.Done():
				return
			case <-pacing.C:
			}
		}
	}
}

// sendChunk writes one media message and its mark while pb is still the
// current playback
func (s *Session) sendChunk(pb *playback, chunk *tts.AudioChunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playback != pb || !s.state.IsSpeaking() {
		return false
	}

	streamSid := s.state.StreamSid()
	if err := s.writeJSON(mediaMessage(streamSid, chunk.Payload)); err != nil {
		s.metrics.RecordError("twilio_send_error", "telephony")
		s.log().Warn().Err(err).Msg("Failed to send audio to Twilio")
		return false
	}
	s.marks.Push(responsePartMark)
	if err := s.writeJSON(markMessage(streamSid, responsePartMark)); err != nil {
		s.metrics.RecordError("twilio_send_error", "telephony")
		s.log().Warn().Err(err).Msg("Failed to send mark to Twilio")
		return false
	}

	s.metrics.RecordAudioBytes("out", int64(base64.StdEncoding.DecodedLen(len(chunk.Payload))))
	return true
}

// finishPlayback ends speaking if pb is still the current playback
func (s *Session) finishPlayback(pb *playback) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pb.cancel()
	if s.playback != pb {
		return
	}
	s.playback = nil
	s.state.EndSpeaking()
}

func (s *Session) saveTranscript(actor string, turnSeq int, text string) {
	store := s.services.Transcripts
	if store == nil {
		return
	}
	entry := transcript.Entry{
		CallID:    s.state.StreamSid(),
		Actor:     actor,
		Text:      text,
		TurnID:    turnSeq,
		Timestamp: time.Now(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), saveTimeout)
		defer cancel()
		if err := store.Save(ctx, entry); err != nil {
			s.metrics.RecordError("transcript_save_error", "transcript")
			s.log().Warn().Err(err).Str("actor", actor).Msg("Failed to save transcript entry")
		}
	}()
}

// writeJSON serializes socket writes
func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Close tears the session down. Safe to call concurrently and more than
// once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.closed = true
		if s.playback != nil {
			s.playback.cancel()
			s.playback = nil
		}
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()

		streamSid := s.state.StreamSid()
		s.marks.Clear()
		s.state.Reset()
		_ = s.transformer.Close()

		if stream != nil {
			if err := stream.Close(); err != nil {
				s.log().Warn().Err(err).Msg("Error closing recognizer stream")
			}
		}
		if streamSid != "" {
			s.releaseCollaborators(streamSid)
		}

		s.writeMu.Lock()
		_ = s.conn.Close()
		s.writeMu.Unlock()

		s.metrics.RecordCallEnd()
		s.log().Info().Msg("Call session ended")
	})
}

func (s *Session) releaseCollaborators(streamSid string) {
	for _, c := range []any{s.services.Recognizer, s.services.Synthesizer, s.services.Generator, s.services.Transcripts} {
		if r, ok := c.(SessionReleaser); ok {
			r.ReleaseSession(streamSid)
		}
	}
}

// StreamSid returns the media stream id, empty before start
func (s *Session) StreamSid() string {
	return s.state.StreamSid()
}

// CallSid returns the Twilio call id from the start event
func (s *Session) CallSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSid
}

// CorrelationID returns the id carried by the session's logs
func (s *Session) CorrelationID() string {
	return s.correlationID
}

// IsSpeaking reports whether an agent reply is being played
func (s *Session) IsSpeaking() bool {
	return s.state.IsSpeaking()
}

// OutstandingMarks returns the number of unacknowledged audio chunks
func (s *Session) OutstandingMarks() int {
	return s.marks.Len()
}
