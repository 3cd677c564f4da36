package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/awschat/supervisor/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu      sync.Mutex
		entries []fakeEntry
		sink    *fakeSink
		addErr  error
	}

	fakeEntry struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		ackErr error
		mu     sync.Mutex
		acked  []string
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	return c.stream(name), nil
}

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: &fakeSink{ch: make(chan *streaming.Event, 16)}}
		c.streams[name] = s
	}
	return s
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, fakeEntry{event: event, payload: payload})
	return fmt.Sprintf("%d-0", len(s.entries)), nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return s.ackErr
}

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
