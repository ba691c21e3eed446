package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDebounceWindow is the silence after the last transcript fragment
// before the caller's utterance is treated as complete
const DefaultDebounceWindow = 1000 * time.Millisecond

const readyBuffer = 4

// Speaker identifies who currently holds the floor
type Speaker int

const (
	SpeakerNone Speaker = iota
	SpeakerCaller
	SpeakerAgent
)

// String returns the string representation of the speaker
func (s Speaker) String() string {
	switch s {
	case SpeakerCaller:
		return "caller"
	case SpeakerAgent:
		return "agent"
	default:
		return "none"
	}
}

// Turn is one complete caller utterance
type Turn struct {
	Seq     int
	Text    string
	ReadyAt time.Time
}

// State is the turn-taking state machine for a single media session.
// All fields are guarded by mu; callers interact only through methods.
type State struct {
	logger zerolog.Logger
	ready  chan Turn

	mu               sync.Mutex
	debouncer        *Debouncer
	streamSid        string
	started          bool
	speaker          Speaker
	fragments        []string
	lastFragmentTime time.Time
	speaking         bool
	lastSpeechStart  time.Time
	seq              int
}

// NewState creates turn state with the given debounce window.
// A non-positive window uses DefaultDebounceWindow.
func NewState(window time.Duration, logger zerolog.Logger) *State {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	s := &State{
		logger: logger,
		ready:  make(chan Turn, readyBuffer),
	}
	s.debouncer = NewDebouncer(window, s.finalize)
	return s
}

// Ready delivers one Turn per completed caller utterance
func (s *State) Ready() <-chan Turn {
	return s.ready
}

// MarkSessionStarted records the media stream id and enables streaming
func (s *State) MarkSessionStarted(streamSid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSid = streamSid
	s.started = true
}

// StreamSid returns the media stream id, empty before start
func (s *State) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// IsStreaming reports whether the session has started
func (s *State) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// IsSpeaking reports whether an agent reply is being played out
func (s *State) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Speaker returns who currently holds the floor
func (s *State) Speaker() Speaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaker
}

// Transcript returns the text accumulated since the last finalize
func (s *State) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.fragments, " ")
}

// LastFragmentTime returns when the last non-empty final fragment arrived
func (s *State) LastFragmentTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFragmentTime
}

// LastSpeechStart returns when the current agent reply began. The boolean
// is false when the agent is not speaking.
func (s *State) LastSpeechStart() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpeechStart, !s.lastSpeechStart.IsZero()
}

// OnTranscriptFragment feeds one recognizer result into the state machine.
// Partial results only restart the debounce window; final results are
// trimmed and appended.
func (s *State) OnTranscriptFragment(text string, isPartial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.speaker = SpeakerCaller
	if isPartial {
		s.debouncer.Reset()
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.fragments = append(s.fragments, text)
	s.lastFragmentTime = time.Now()
	s.debouncer.Reset()
}

// BeginSpeaking marks the start of an agent reply
func (s *State) BeginSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = true
	s.lastSpeechStart = time.Now()
	s.speaker = SpeakerAgent
}

// EndSpeaking marks the end of an agent reply, whether it completed or
// was interrupted
func (s *State) EndSpeaking() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSpeakingLocked()
}

func (s *State) endSpeakingLocked() {
	s.speaking = false
	s.lastSpeechStart = time.Time{}
	s.speaker = SpeakerNone
}

// Reset cancels any pending finalize and clears all session fields
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.debouncer.Stop()
	s.fragments = nil
	s.lastFragmentTime = time.Time{}
	s.endSpeakingLocked()
	s.streamSid = ""
	s.started = false
}

// finalize runs when the debounce window elapses with no new fragment
func (s *State) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A fragment landed between the timer firing and this call
	if s.debouncer.Pending() {
		return
	}

	text := strings.TrimSpace(strings.Join(s.fragments, " "))
	if text == "" {
		return
	}
	s.fragments = nil
	s.seq++

	turn := Turn{Seq: s.seq, Text: text, ReadyAt: time.Now()}
	select {
	case s.ready <- turn:
		s.logger.Debug().
			Int("turn", turn.Seq).
			Str("text", turn.Text).
			Msg("Caller turn ready")
	default:
		s.logger.Warn().
			Int("turn", turn.Seq).
			Msg("Turn channel full, dropping caller turn")
	}
}
