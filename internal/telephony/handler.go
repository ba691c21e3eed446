package telephony

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler upgrades Twilio media stream requests and runs one Session per
// connection
type Handler struct {
	services Services
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewHandler creates a media stream handler
func NewHandler(services Services, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		services: services,
		opts:     opts,
		logger:   logger.With().Str("component", "telephony").Logger(),
		upgrader: websocket.Upgrader{
			// Twilio does not send an Origin header
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP handles GET /streams/twilio
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	session := NewSession(r.Context(), conn, h.services, h.opts, h.logger)
	h.track(session)
	defer h.untrack(session)

	h.logger.Info().
		Str("correlation_id", session.CorrelationID()).
		Str("remote_addr", r.RemoteAddr).
		Msg("New Twilio WebSocket connection established")

	if err := session.Run(); err != nil {
		h.logger.Error().
			Err(err).
			Str("correlation_id", session.CorrelationID()).
			Msg("Call session aborted")
	}
}

func (h *Handler) track(s *Session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// ActiveSessions returns the number of connected media streams
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll ends every active session, used on shutdown
func (h *Handler) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
