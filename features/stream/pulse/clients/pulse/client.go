// Package pulse wraps goa.design/pulse streams behind the small interface used
// to publish and tail invocation events. Callers own the Redis connection:
// build it, pass it to New, and close it after the client is done.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

const clientName = "event-stream-redis"

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// keeps the Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add call. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams. It also reports Redis health.
	Client interface {
		// Name identifies the dependency in health reports.
		Name() string
		// Ping checks the Redis connection.
		Ping(ctx context.Context) error
		// Stream returns a handle to the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
	}

	// Stream publishes to and reads from one Pulse stream.
	Stream interface {
		// Add appends an entry and returns the Redis entry ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group on a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	if c.maxLen > 0 {
		opts = append([]streamopts.Stream{streamopts.WithStreamMaxLen(c.maxLen)}, opts...)
	}
	s, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %s: %w", name, err)
	}
	return &handle{stream: s, timeout: c.timeout}, nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse sink %s: %w", name, err)
	}
	return sinkAdapter{Sink: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
