package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/transcript"
	"github.com/lexiqai/voice-agent/internal/tts"
)

const waitTimeout = 2 * time.Second

type fakeStream struct {
	results chan stt.Result

	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan stt.Result, 16)}
}

func (f *fakeStream) Results() <-chan stt.Result { return f.results }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fail ends the result stream with err
func (f *fakeStream) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	close(f.results)
}

type fakeRecognizer struct {
	err     error
	started chan *fakeStream

	mu       sync.Mutex
	pcmBytes int
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{started: make(chan *fakeStream, 4)}
}

func (f *fakeRecognizer) StartStream(_ context.Context, pcm io.Reader) (stt.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	go func() {
		buf := make([]byte, 320)
		for {
			n, err := pcm.Read(buf)
			f.mu.Lock()
			f.pcmBytes += n
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	stream := newFakeStream()
	f.started <- stream
	return stream, nil
}

func (f *fakeRecognizer) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcmBytes
}

type fakeSynthesizer struct {
	chunks []string
	err    error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, _ string) (<-chan *tts.AudioChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan *tts.AudioChunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- &tts.AudioChunk{Payload: c}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fakeGenerator struct {
	reply string
	err   error

	mu       sync.Mutex
	texts    []string
	sessions []string
	released []string
}

func (f *fakeGenerator) GenerateReply(_ context.Context, text, sessionID string) (string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.sessions = append(f.sessions, sessionID)
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeGenerator) ReleaseSession(sessionID string) {
	f.mu.Lock()
	f.released = append(f.released, sessionID)
	f.mu.Unlock()
}

func (f *fakeGenerator) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeGenerator) releasedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func chunkPayloads(n int) []string {
	out := make([]string, n)
	for i := range out {
		frame := make([]byte, 160)
		for j := range frame {
			frame[j] = byte(i)
		}
		out[i] = base64.StdEncoding.EncodeToString(frame)
	}
	return out
}

type harness struct {
	t       *testing.T
	client  *websocket.Conn
	session *Session
	out     chan OutboundMessage
	runErr  chan error
}

func newHarness(t *testing.T, services Services, opts Options) *harness {
	t.Helper()

	sessions := make(chan *Session, 1)
	runErr := make(chan error, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := NewSession(context.Background(), conn, services, opts, zerolog.Nop())
		sessions <- s
		runErr <- s.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	h := &harness{
		t:      t,
		client: client,
		out:    make(chan OutboundMessage, 128),
		runErr: runErr,
	}
	select {
	case h.session = <-sessions:
	case <-time.After(waitTimeout):
		t.Fatal("session was not created")
	}

	go func() {
		defer close(h.out)
		for {
			var msg OutboundMessage
			if err := client.ReadJSON(&msg); err != nil {
				return
			}
			h.out <- msg
		}
	}()
	return h
}

func (h *harness) send(v any) {
	h.t.Helper()
	require.NoError(h.t, h.client.WriteJSON(v))
}

func (h *harness) start(streamSid string) {
	h.send(map[string]any{
		"event":     "start",
		"streamSid": streamSid,
		"start":     map[string]any{"streamSid": streamSid, "callSid": "CA1", "tracks": []string{"inbound"}},
	})
}

func (h *harness) media() {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xFF
	}
	h.send(map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(frame)},
	})
}

func (h *harness) mark() {
	h.send(map[string]any{"event": "mark", "mark": map[string]any{"name": responsePartMark}})
}

func (h *harness) next() OutboundMessage {
	h.t.Helper()
	select {
	case msg, ok := <-h.out:
		require.True(h.t, ok, "connection closed")
		return msg
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for outbound message")
	}
	return OutboundMessage{}
}

// expectQuiet fails if any message arrives within d
func (h *harness) expectQuiet(d time.Duration) {
	h.t.Helper()
	select {
	case msg, ok := <-h.out:
		if ok {
			h.t.Fatalf("unexpected outbound %s message", msg.Event)
		}
	case <-time.After(d):
	}
}

func waitStream(t *testing.T, rec *fakeRecognizer) *fakeStream {
	t.Helper()
	select {
	case s := <-rec.started:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("recognizer stream not started")
	}
	return nil
}

func testOptions(pacing time.Duration) Options {
	return Options{
		DebounceWindow:  50 * time.Millisecond,
		PacingDelay:     pacing,
		AudioBufferSize: 64000,
	}
}

func TestSession_TurnRepliesWithPacedChunks(t *testing.T) {
	rec := newFakeRecognizer()
	gen := &fakeGenerator{reply: "Hi there"}
	payloads := chunkPayloads(3)
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{chunks: payloads},
		Generator:   gen,
	}, testOptions(20*time.Millisecond))

	h.start("MZ123")
	stream := waitStream(t, rec)

	stream.results <- stt.Result{Text: "hel", IsPartial: true}
	stream.results <- stt.Result{Text: "hello", IsPartial: false}

	var mediaTimes []time.Time
	for i := 0; i < 3; i++ {
		media := h.next()
		require.Equal(t, EventMedia, media.Event)
		assert.Equal(t, "MZ123", media.StreamSid)
		require.NotNil(t, media.Media)
		assert.Equal(t, payloads[i], media.Media.Payload)
		mediaTimes = append(mediaTimes, time.Now())

		mark := h.next()
		require.Equal(t, EventMark, mark.Event)
		assert.Equal(t, "MZ123", mark.StreamSid)
		require.NotNil(t, mark.Mark)
		assert.Equal(t, responsePartMark, mark.Mark.Name)
	}

	for i := 1; i < len(mediaTimes); i++ {
		assert.GreaterOrEqual(t, mediaTimes[i].Sub(mediaTimes[i-1]), 15*time.Millisecond)
	}

	assert.Equal(t, []string{"hello"}, gen.calls())
	gen.mu.Lock()
	assert.Equal(t, []string{"MZ123"}, gen.sessions)
	gen.mu.Unlock()

	require.Eventually(t, func() bool { return !h.session.IsSpeaking() }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 3, h.session.OutstandingMarks())

	for i := 0; i < 3; i++ {
		h.mark()
	}
	require.Eventually(t, func() bool { return h.session.OutstandingMarks() == 0 }, waitTimeout, 5*time.Millisecond)

	// Not speaking anymore, so caller audio is not a barge-in
	h.media()
	h.expectQuiet(100 * time.Millisecond)
}

func TestSession_BargeInClearsPlayback(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{chunks: chunkPayloads(20)},
		Generator:   &fakeGenerator{reply: "This is a long answer"},
	}, testOptions(50*time.Millisecond))

	h.start("MZ1")
	stream := waitStream(t, rec)
	stream.results <- stt.Result{Text: "tell me everything"}

	media := 0
	for media < 2 {
		if h.next().Event == EventMedia {
			media++
		}
	}
	require.GreaterOrEqual(t, h.session.OutstandingMarks(), 1)

	h.media()

	// Chunks written before the clear may still be in flight
	for {
		msg := h.next()
		if msg.Event == EventClear {
			assert.Equal(t, "MZ1", msg.StreamSid)
			break
		}
	}

	h.expectQuiet(200 * time.Millisecond)
	assert.False(t, h.session.IsSpeaking())
	assert.Equal(t, 0, h.session.OutstandingMarks())

	// A second frame is ordinary caller audio
	h.media()
	h.expectQuiet(100 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.received() == 640 }, waitTimeout, 5*time.Millisecond)
}

func TestSession_DropsTurnWhileSpeaking(t *testing.T) {
	rec := newFakeRecognizer()
	gen := &fakeGenerator{reply: "A long reply"}
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{chunks: chunkPayloads(20)},
		Generator:   gen,
	}, testOptions(50*time.Millisecond))

	h.start("MZ2")
	stream := waitStream(t, rec)
	stream.results <- stt.Result{Text: "first question"}

	require.Equal(t, EventMedia, h.next().Event)
	require.True(t, h.session.IsSpeaking())

	stream.results <- stt.Result{Text: "second question"}
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []string{"first question"}, gen.calls())
}

func TestSession_MediaBeforeStartDiscarded(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{},
		Generator:   &fakeGenerator{},
	}, testOptions(0))

	h.media()
	h.start("MZ3")
	waitStream(t, rec)
	h.media()

	require.Eventually(t, func() bool { return rec.received() == 320 }, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 320, rec.received())
}

func TestSession_MalformedMessageIgnored(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{},
		Generator:   &fakeGenerator{},
	}, testOptions(0))

	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte("not json")))
	h.send(map[string]any{"event": "connected", "protocol": "Call"})
	h.send(map[string]any{"event": "dtmf"})
	h.start("MZ4")

	waitStream(t, rec)
	assert.Equal(t, "MZ4", h.session.StreamSid())
	assert.Equal(t, "CA1", h.session.CallSid())
}

func TestSession_DuplicateStartIgnored(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{},
		Generator:   &fakeGenerator{},
	}, testOptions(0))

	h.start("MZ5")
	waitStream(t, rec)
	h.start("MZ6")

	h.send(map[string]any{"event": "stop"})
	require.NoError(t, <-h.runErr)
	assert.Len(t, rec.started, 0)
}

func TestSession_RecognizerStartFailure(t *testing.T) {
	rec := newFakeRecognizer()
	rec.err = errors.New("deepgram unavailable")
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{},
		Generator:   &fakeGenerator{},
	}, testOptions(0))

	h.start("MZ7")

	select {
	case err := <-h.runErr:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "start recognizer")
	case <-time.After(waitTimeout):
		t.Fatal("session did not abort")
	}

	// The socket is closed by cleanup
	select {
	case _, ok := <-h.out:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("connection was not closed")
	}
}

func TestSession_StopCleansUpOnce(t *testing.T) {
	rec := newFakeRecognizer()
	gen := &fakeGenerator{}
	store := transcript.NewMemoryStore()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{},
		Generator:   gen,
		Transcripts: store,
	}, testOptions(0))

	h.start("MZ8")
	stream := waitStream(t, rec)
	h.send(map[string]any{"event": "stop"})

	require.NoError(t, <-h.runErr)
	assert.True(t, stream.isClosed())
	assert.Equal(t, []string{"MZ8"}, gen.releasedSessions())
	assert.Equal(t, "", h.session.StreamSid())

	h.session.Close()
	h.session.Close()
	assert.Equal(t, []string{"MZ8"}, gen.releasedSessions())
	assert.False(t, h.session.IsSpeaking())
	assert.Equal(t, 0, h.session.OutstandingMarks())
}

func TestSession_CloseDuringPlayback(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{chunks: chunkPayloads(50)},
		Generator:   &fakeGenerator{reply: "long"},
	}, testOptions(20*time.Millisecond))

	h.start("MZ9")
	stream := waitStream(t, rec)
	stream.results <- stt.Result{Text: "hi"}
	require.Equal(t, EventMedia, h.next().Event)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Close()
		}()
	}
	wg.Wait()

	select {
	case err := <-h.runErr:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after Close")
	}
	assert.False(t, h.session.IsSpeaking())
	assert.Equal(t, 0, h.session.OutstandingMarks())
}

func TestSession_GeneratorErrorStaysIdle(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{chunks: chunkPayloads(3)},
		Generator:   &fakeGenerator{err: errors.New("llm down")},
	}, testOptions(0))

	h.start("MZ10")
	stream := waitStream(t, rec)
	stream.results <- stt.Result{Text: "hello"}

	h.expectQuiet(200 * time.Millisecond)
	assert.False(t, h.session.IsSpeaking())

	h.send(map[string]any{"event": "stop"})
	assert.NoError(t, <-h.runErr)
}

func TestSession_SynthesisErrorClearsSpeaking(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{err: errors.New("tts down")},
		Generator:   &fakeGenerator{reply: "hi"},
	}, testOptions(0))

	h.start("MZ11")
	stream := waitStream(t, rec)
	stream.results <- stt.Result{Text: "hello"}

	h.expectQuiet(200 * time.Millisecond)
	assert.False(t, h.session.IsSpeaking())
}

func TestSession_RecognizerStreamErrorNotFatal(t *testing.T) {
	rec := newFakeRecognizer()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{},
		Generator:   &fakeGenerator{},
	}, testOptions(0))

	h.start("MZ12")
	stream := waitStream(t, rec)
	stream.fail(errors.New("socket reset"))

	h.media()
	require.Eventually(t, func() bool { return rec.received() == 320 }, waitTimeout, 5*time.Millisecond)

	select {
	case err := <-h.runErr:
		t.Fatalf("session ended early: %v", err)
	default:
	}

	h.send(map[string]any{"event": "stop"})
	assert.NoError(t, <-h.runErr)
}

func TestSession_SavesTranscript(t *testing.T) {
	rec := newFakeRecognizer()
	store := transcript.NewMemoryStore()
	h := newHarness(t, Services{
		Recognizer:  rec,
		Synthesizer: &fakeSynthesizer{chunks: chunkPayloads(1)},
		Generator:   &fakeGenerator{reply: "How can I help?"},
		Transcripts: store,
	}, testOptions(0))

	h.start("MZ13")
	stream := waitStream(t, rec)
	stream.results <- stt.Result{Text: "hello"}
	require.Equal(t, EventMedia, h.next().Event)

	var entries []transcript.Entry
	require.Eventually(t, func() bool {
		var err error
		entries, err = store.List(context.Background(), "MZ13")
		return err == nil && len(entries) == 2
	}, waitTimeout, 5*time.Millisecond)

	assert.Equal(t, transcript.ActorCaller, entries[0].Actor)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, transcript.ActorAgent, entries[1].Actor)
	assert.Equal(t, "How can I help?", entries[1].Text)
	assert.Equal(t, 1, entries[1].TurnID)
}
