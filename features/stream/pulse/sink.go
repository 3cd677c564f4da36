// Package pulse publishes merged invocation events to goa.design/pulse
// streams and tails them back. Services build a Redis client, wrap it with
// clients/pulse, and hand the resulting Publisher to the HTTP layer, which
// opens one Sink per invocation.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/awschat/supervisor/features/stream/pulse/clients/pulse"
	"github.com/awschat/supervisor/runtime/agent/stream"
)

type (
	// Options configures the Publisher.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamName maps a session to its Pulse stream. Defaults to
		// `session/<id>`.
		StreamName func(sessionID string) string
	}

	// Publisher opens per-session sinks and subscribers over one client.
	Publisher struct {
		client     clientspulse.Client
		streamName func(string) string
	}

	// Sink publishes the events of one session. Safe for concurrent Send
	// calls.
	Sink struct {
		stream  clientspulse.Stream
		session string
		now     func() time.Time
	}

	// envelope is the JSON entry stored in Pulse.
	envelope struct {
		Type      stream.EventType `json:"type"`
		SessionID string           `json:"session_id"`
		Timestamp time.Time        `json:"timestamp"`
		Payload   json.RawMessage  `json:"payload,omitempty"`
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewPublisher returns a Publisher using opts.Client.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	return &Publisher{client: opts.Client, streamName: name}, nil
}

// Client returns the underlying Pulse client.
func (p *Publisher) Client() clientspulse.Client { return p.client }

// Sink opens the stream of sessionID for publishing.
func (p *Publisher) Sink(sessionID string) (*Sink, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	str, err := p.client.Stream(p.streamName(sessionID))
	if err != nil {
		return nil, err
	}
	return &Sink{stream: str, session: sessionID, now: time.Now}, nil
}

// Send appends ev to the session stream, named after the event type.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	data, err := json.Marshal(envelope{
		Type:      ev.Type(),
		SessionID: s.session,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	_, err = s.stream.Add(ctx, string(ev.Type()), data)
	return err
}

// Close is a no-op: the stream lives in Redis and the client is shared.
func (s *Sink) Close(context.Context) error { return nil }

func defaultStreamName(sessionID string) string {
	return "session/" + sessionID
}
