package conversation

import (
	"sync"
	"time"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role Role      `json:"role" msgpack:"role"`
	Text string    `json:"text" msgpack:"text"`
	At   time.Time `json:"at" msgpack:"at"`
}

// DefaultMaxTurns caps a history when no limit is configured.
const DefaultMaxTurns = 20

// History is the ordered turn log of one session. Once full, appending
// drops the oldest turn.
type History struct {
	mu       sync.RWMutex
	turns    []Turn
	maxTurns int
}

// NewHistory creates a history holding at most maxTurns turns.
func NewHistory(maxTurns int) *History {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &History{maxTurns: maxTurns}
}

// Append adds a turn, dropping the oldest ones beyond the cap.
func (h *History) Append(turns ...Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, turns...)
	if over := len(h.turns) - h.maxTurns; over > 0 {
		h.turns = append(h.turns[:0:0], h.turns[over:]...)
	}
}

// Turns returns a copy of the turns, oldest first.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of held turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// MaxTurns returns the cap.
func (h *History) MaxTurns() int {
	return h.maxTurns
}
