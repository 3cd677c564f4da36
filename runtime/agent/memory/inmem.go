package memory

import (
	"context"
	"sync"
	"time"
)

// InMem is a process-local Store. It is safe for concurrent use.
type InMem struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
	now      func() time.Time
}

// NewInMem returns an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{sessions: make(map[string][]Turn), now: time.Now}
}

// AppendTurn implements Store.
func (m *InMem) AppendTurn(_ context.Context, sessionID string, turn Turn) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], turn)
	return nil
}

// LastTurns implements Store.
func (m *InMem) LastTurns(_ context.Context, sessionID string, k int) ([]Turn, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Tail(m.sessions[sessionID], k), nil
}

// Tail returns a copy of the last k turns. k <= 0 yields an empty slice.
func Tail(turns []Turn, k int) []Turn {
	if k <= 0 || len(turns) == 0 {
		return []Turn{}
	}
	if k > len(turns) {
		k = len(turns)
	}
	out := make([]Turn, k)
	copy(out, turns[len(turns)-k:])
	return out
}
