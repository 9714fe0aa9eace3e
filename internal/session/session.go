// Package session keeps per-session companion state: the biometric window,
// the latest interpreted state, and the conversation history.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthsimple/companion-gateway/internal/conversation"
	"github.com/healthsimple/companion-gateway/internal/observability"
	"github.com/healthsimple/companion-gateway/internal/physio"
	"github.com/healthsimple/companion-gateway/internal/pipeline"
	"github.com/healthsimple/companion-gateway/internal/store"
)

var (
	// ErrTurnInProgress is returned when a session already has an active turn.
	ErrTurnInProgress = errors.New("session: a turn is already in progress")

	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrEmptyText is returned for a turn with no user text.
	ErrEmptyText = errors.New("session: empty user text")

	// ErrNoConversation is returned when ending a session nobody spoke in.
	ErrNoConversation = errors.New("session: no conversation to summarize")
)

const (
	// persistTimeout bounds transcript writes made after the client is gone.
	persistTimeout = 5 * time.Second

	// summaryTimeout bounds the reflection written when a session ends.
	summaryTimeout = 30 * time.Second
)

// Options configure every session created by a Manager.
type Options struct {
	WindowSize      int
	HistoryMaxTurns int
	Interpreter     *physio.Interpreter
	Assembler       *conversation.Assembler
	Runner          *pipeline.Runner
	Store           store.Store
	Now             func() time.Time
}

// Session is one user's companion session. At most one turn runs at a time.
type Session struct {
	ID string

	opts    *Options
	window  *physio.Window
	history *conversation.History
	logger  zerolog.Logger

	// mu guards state and orders ingestion into the window
	mu    sync.RWMutex
	state *physio.State

	busy atomic.Bool
}

func newSession(id string, opts *Options) *Session {
	return &Session{
		ID:      id,
		opts:    opts,
		window:  physio.NewWindow(opts.WindowSize),
		history: conversation.NewHistory(opts.HistoryMaxTurns),
		logger:  observability.WithSession(id),
	}
}

// Ingest interprets sample against the session's recent samples, then adds
// it to the window and makes the result the latest state.
func (s *Session) Ingest(sample physio.Sample) physio.State {
	s.mu.Lock()
	state := s.opts.Interpreter.Interpret(sample, s.window.Samples(), s.opts.Now())
	s.window.Push(sample)
	s.state = &state
	s.mu.Unlock()

	observability.RecordFeatureSample(state.Confidence)
	s.logger.Debug().
		Str("arousal", string(state.ArousalLevel)).
		Str("regulation", string(state.RegulationState)).
		Float64("confidence", state.Confidence).
		Msg("Feature sample ingested")
	return state
}

// State returns the latest interpreted state.
func (s *Session) State() (physio.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return physio.State{}, false
	}
	return *s.state, true
}

// History returns a copy of the conversation so far.
func (s *Session) History() []conversation.Turn {
	return s.history.Turns()
}

// Busy reports whether a turn is active.
func (s *Session) Busy() bool {
	return s.busy.Load()
}

// StartTurn records the user's text and starts the spoken response. The
// session stays busy until the returned turn is closed. The assistant's
// reply is added to the history only when all of its audio was delivered.
func (s *Session) StartTurn(ctx context.Context, text string) (*pipeline.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}

	var state *physio.State
	if current, ok := s.State(); ok {
		state = &current
	}

	now := s.opts.Now()
	req := s.opts.Assembler.Assemble(state, s.history, text, now)
	s.persist(conversation.Turn{Role: conversation.RoleUser, Text: text, At: now})

	return s.opts.Runner.Start(ctx, req, s.logger, s.finishTurn), nil
}

func (s *Session) finishTurn(r pipeline.Result) {
	defer s.busy.Store(false)

	if !r.Completed {
		return
	}
	reply := conversation.Turn{
		Role: conversation.RoleAssistant,
		Text: r.Response,
		At:   s.opts.Now(),
	}
	s.history.Append(reply)
	s.persist(reply)
}

func (s *Session) persist(turn conversation.Turn) {
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.opts.Store.Append(ctx, s.ID, turn); err != nil {
		observability.RecordError("persist", "store")
		s.logger.Warn().Err(err).Str("role", string(turn.Role)).Msg("Failed to persist turn")
	}
}

// Manager owns the sessions of the process.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Unset options use package defaults.
func NewManager(opts Options) *Manager {
	if opts.WindowSize < 1 {
		opts.WindowSize = physio.DefaultWindowSize
	}
	if opts.HistoryMaxTurns < 1 {
		opts.HistoryMaxTurns = conversation.DefaultMaxTurns
	}
	if opts.Interpreter == nil {
		opts.Interpreter = physio.NewInterpreter(physio.DefaultFreshness, opts.WindowSize)
	}
	if opts.Assembler == nil {
		opts.Assembler = conversation.NewAssembler("")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for id, creating it on first use. A new session
// starts with the most recent stored transcript.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	s := newSession(id, &m.opts)
	if m.opts.Store != nil {
		turns, err := m.opts.Store.List(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(turns) > 0 {
			s.history.Append(turns...)
			s.logger.Info().Int("turns", s.history.Len()).Msg("Restored conversation history")
		}
	}
	m.sessions[id] = s
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Close forgets a session. Stored transcripts are kept.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// End closes the session and writes a reflection on its conversation. The
// session must be idle. The reflection covers the stored transcript when
// there is one, otherwise the in-memory history.
func (m *Manager) End(ctx context.Context, id string) (store.Summary, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return store.Summary{}, ErrSessionNotFound
	}
	// Stays busy for good so holders of the old session cannot start turns
	if !s.busy.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return store.Summary{}, ErrTurnInProgress
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	turns := s.History()
	if m.opts.Store != nil {
		if stored, err := m.opts.Store.List(ctx, id); err == nil && len(stored) > 0 {
			turns = stored
		} else if err != nil {
			s.logger.Warn().Err(err).Msg("Summarizing in-memory history only")
		}
	}
	if len(turns) == 0 {
		s.logger.Info().Msg("Session ended without conversation")
		return store.Summary{}, ErrNoConversation
	}

	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	now := m.opts.Now()
	note, err := m.opts.Runner.Summarize(ctx, turns, now)
	if err != nil {
		observability.LogStreamEnd(s.logger, err, "Session summary failed")
		return store.Summary{}, fmt.Errorf("summarize session: %w", err)
	}

	summary := store.Summary{SessionID: id, Note: note, CreatedAt: now}
	if m.opts.Store != nil {
		if err := m.opts.Store.SaveSummary(ctx, summary); err != nil {
			observability.RecordError("persist", "store")
			return summary, fmt.Errorf("save session summary: %w", err)
		}
	}
	s.logger.Info().Int("turns", len(turns)).Msg("Session ended with summary")
	return summary, nil
}

// Summary returns the stored reflection of an ended session.
func (m *Manager) Summary(ctx context.Context, id string) (store.Summary, error) {
	if m.opts.Store == nil {
		return store.Summary{}, store.ErrNotFound
	}
	return m.opts.Store.Summary(ctx, id)
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
