// Package store persists conversation transcripts and session summaries.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/healthsimple/companion-gateway/internal/conversation"
)

var (
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store: closed")

	// ErrNotFound is returned for a session without a summary.
	ErrNotFound = errors.New("store: not found")
)

// Summary is the reflection written when a session ends.
type Summary struct {
	SessionID string    `json:"session_id" msgpack:"session_id"`
	Note      string    `json:"note" msgpack:"note"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// Store keeps an ordered, append-only transcript for each session.
type Store interface {
	// Append adds turns to the end of the session's transcript
	Append(ctx context.Context, sessionID string, turns ...conversation.Turn) error

	// List returns the session's transcript, oldest first
	List(ctx context.Context, sessionID string) ([]conversation.Turn, error)

	// SaveSummary stores the session's summary, replacing any earlier one
	SaveSummary(ctx context.Context, summary Summary) error

	// Summary returns the session's summary or ErrNotFound
	Summary(ctx context.Context, sessionID string) (Summary, error)

	// Ping reports whether the store can serve requests
	Ping(ctx context.Context) error

	Close() error
}

// Memory is an in-process Store. Transcripts are lost on restart.
type Memory struct {
	mu        sync.RWMutex
	sessions  map[string][]conversation.Turn
	summaries map[string]Summary
	closed    bool
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:  make(map[string][]conversation.Turn),
		summaries: make(map[string]Summary),
	}
}

func (m *Memory) Append(_ context.Context, sessionID string, turns ...conversation.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], turns...)
	return nil
}

func (m *Memory) List(_ context.Context, sessionID string) ([]conversation.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]conversation.Turn(nil), m.sessions[sessionID]...), nil
}

func (m *Memory) SaveSummary(_ context.Context, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.summaries[summary.SessionID] = summary
	return nil
}

func (m *Memory) Summary(_ context.Context, sessionID string) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Summary{}, ErrClosed
	}
	summary, ok := m.summaries[sessionID]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return summary, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
