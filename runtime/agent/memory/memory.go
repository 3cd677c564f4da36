// Package memory defines the conversation memory contract: completed
// user/assistant turns keyed by session, read back as the most recent k
// turns.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultSessionID is used when a request carries no session identifier.
const DefaultSessionID = "default_session"

// Role labels one side of a turn.
type Role string

const (
	// RoleUser marks the user prompt of a turn.
	RoleUser Role = "user"
	// RoleAssistant marks the assistant reply of a turn.
	RoleAssistant Role = "assistant"
)

type (
	// Turn is one completed exchange.
	Turn struct {
		User      string
		Assistant string
		CreatedAt time.Time
	}

	// Message is one side of a turn, as returned by history listings.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Store persists turns per session.
	Store interface {
		// AppendTurn records a completed turn for the session.
		AppendTurn(ctx context.Context, sessionID string, turn Turn) error
		// LastTurns returns at most k turns, oldest first. A session with no
		// turns yields an empty slice and no error.
		LastTurns(ctx context.Context, sessionID string, k int) ([]Turn, error)
	}
)

// ErrSessionRequired is returned when a session identifier is empty.
var ErrSessionRequired = errors.New("memory: session id is required")

// Messages flattens turns into alternating user and assistant messages.
func Messages(turns []Turn) []Message {
	out := make([]Message, 0, 2*len(turns))
	for _, t := range turns {
		out = append(out,
			Message{Role: RoleUser, Content: t.User},
			Message{Role: RoleAssistant, Content: t.Assistant},
		)
	}
	return out
}

// Context renders turns as a prompt prefix. It returns "" when there is
// nothing to render.
func Context(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, m := range Messages(turns) {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// SessionOrDefault returns id, or DefaultSessionID when id is empty.
func SessionOrDefault(id string) string {
	if id == "" {
		return DefaultSessionID
	}
	return id
}
