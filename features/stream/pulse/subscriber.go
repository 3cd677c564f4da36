package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/awschat/supervisor/features/stream/pulse/clients/pulse"
	"github.com/awschat/supervisor/runtime/agent/stream"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// SinkName identifies the Pulse consumer group. Defaults to
		// "supervisor_tail".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber tails session streams and decodes entries back into
	// stream events.
	Subscriber struct {
		client     clientspulse.Client
		streamName func(string) string
		name       string
		buffer     int
	}
)

// NewSubscriber returns a Subscriber sharing the publisher's client.
func (p *Publisher) NewSubscriber(opts SubscriberOptions) *Subscriber {
	name := opts.SinkName
	if name == "" {
		name = "supervisor_tail"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: p.client, streamName: p.streamName, name: name, buffer: buffer}
}

// Subscribe opens a consumer group on the session stream. Events are
// delivered on the first channel; a decode or ack failure is sent on the
// second and ends the subscription. cancel stops consumption, closes the
// consumer group and, once the goroutine exits, both channels.
func (s *Subscriber) Subscribe(ctx context.Context, sessionID string, opts ...streamopts.Sink) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	if sessionID == "" {
		return nil, nil, nil, errors.New("session id is required")
	}
	str, err := s.client.Stream(s.streamName(sessionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			ev, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decodeEnvelope(data []byte) (stream.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return stream.Decode(env.Type, env.Payload)
}
