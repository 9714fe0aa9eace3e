// Package transport exposes companion sessions over HTTP and WebSocket.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/healthsimple/companion-gateway/internal/audio"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/physio"
	"github.com/healthsimple/companion-gateway/internal/session"
	"github.com/healthsimple/companion-gateway/internal/store"
	"github.com/healthsimple/companion-gateway/internal/stt"
)

const (
	// maxBodyBytes bounds JSON request bodies
	maxBodyBytes = 64 << 10

	// chunkWriteTimeout bounds the write of one audio chunk
	chunkWriteTimeout = 15 * time.Second

	maxSessionIDLen = 128
)

// TranscriberFactory creates a speech-to-text session for a WebSocket
// connection.
type TranscriberFactory func(logger zerolog.Logger) stt.Transcriber

// Server serves the companion API.
type Server struct {
	sessions       *session.Manager
	newTranscriber TranscriberFactory
	mic            audio.MicConfig
	bargeIn        bool
	now            func() time.Time
	logger         zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTranscriber enables voice input on WebSocket connections.
func WithTranscriber(factory TranscriberFactory) Option {
	return func(s *Server) { s.newTranscriber = factory }
}

// WithMicInput sets the microphone format. With bargeIn, user speech
// interrupts the active turn.
func WithMicInput(mic audio.MicConfig, bargeIn bool) Option {
	return func(s *Server) {
		s.mic = mic
		s.bargeIn = bargeIn
	}
}

// WithClock sets the clock used to timestamp samples without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a Server over sessions.
func NewServer(sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		now:      time.Now,
		logger:   observability.GetLogger().With().Str("component", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the session routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/{id}/features", s.handleFeatures)
	mux.HandleFunc("GET /sessions/{id}/state", s.handleState)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEnd)
	mux.HandleFunc("GET /sessions/{id}/summary", s.handleSummary)
}

type errorResponse struct {
	Error string `json:"error"`
}

type turnRequest struct {
	Text string `json:"text"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// validSessionID accepts IDs made of letters, digits, '-' and '_'.
func validSessionID(id string) bool {
	if id == "" || len(id) > maxSessionIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !validSessionID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

// handleFeatures ingests one biometric sample and returns its interpretation
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var record map[string]any
	if err := decodeBody(w, r, &record); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feature record")
		return
	}

	sess, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to open session")
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	state := sess.Ingest(physio.ParseSample(record, s.now()))
	writeJSON(w, http.StatusOK, state)
}

// handleState returns the latest interpreted state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	state, ok := sess.State()
	if !ok {
		writeError(w, http.StatusNotFound, "no feature samples received")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleTurn streams the spoken reply to the user's text as audio/mpeg.
// Provider failures before the first byte are reported as 502; later ones
// end the response early.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	var req turnRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid turn request")
		return
	}

	sess, err := s.sessions.Open(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to open session")
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	turn, err := sess.StartTurn(r.Context(), req.Text)
	switch {
	case errors.Is(err, session.ErrTurnInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer turn.Close()

	logger := s.logger.With().Str("session_id", id).Str("turn_id", turn.ID).Logger()

	chunk, err := turn.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		if observability.IsCancellation(err) {
			return
		}
		logger.Error().Err(err).Msg("Turn failed before audio")
		writeError(w, http.StatusBadGateway, "speech generation failed")
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Turn-ID", turn.ID)
	w.WriteHeader(http.StatusOK)
	if errors.Is(err, iterator.Done) {
		return
	}

	rc := http.NewResponseController(w)
	for {
		rc.SetWriteDeadline(time.Now().Add(chunkWriteTimeout))
		if _, err := w.Write(chunk.Data); err != nil {
			logger.Debug().Err(err).Msg("Client stopped reading audio")
			return
		}
		rc.Flush()

		chunk, err = turn.Next()
		if errors.Is(err, iterator.Done) {
			return
		}
		if err != nil {
			if !observability.IsCancellation(err) {
				logger.Error().Err(err).Msg("Turn failed mid-stream")
			}
			return
		}
	}
}

// handleEnd closes the session and returns its reflection
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	summary, err := s.sessions.End(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrTurnInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNoConversation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil && summary.Note != "":
		// Summary was written but could not be stored
		s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to store session summary")
		writeJSON(w, http.StatusOK, summary)
	case err != nil:
		if observability.IsCancellation(err) {
			return
		}
		s.logger.Error().Err(err).Str("session_id", id).Msg("Session summary failed")
		writeError(w, http.StatusBadGateway, "summary generation failed")
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

// handleSummary returns the stored reflection of an ended session
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}

	summary, err := s.sessions.Summary(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "summary not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to read session summary")
		writeError(w, http.StatusInternalServerError, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
