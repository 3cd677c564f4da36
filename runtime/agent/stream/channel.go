package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned when sending to, or receiving from, a closed
// and drained Channel.
var ErrChannelClosed = errors.New("stream: channel closed")

// Channel is an unbounded multi-producer single-consumer FIFO of events.
//
// Send never blocks, so relays cannot deadlock against a slow consumer.
// Producers that may still send register with Acquire; the consumer treats
// the channel as finished once it is empty and either closed or without
// registered producers. A Channel belongs to a single invocation and must
// not be reused.
type Channel struct {
	mu        sync.Mutex
	items     []Event
	producers int
	closed    bool
	ready     chan struct{}
}

// NewChannel returns an empty, open channel.
func NewChannel() *Channel {
	return &Channel{ready: make(chan struct{}, 1)}
}

// Send enqueues ev. It returns ErrChannelClosed after Close.
func (c *Channel) Send(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.items = append(c.items, ev)
	c.mu.Unlock()
	c.notify()
	return nil
}

// TryRecv dequeues the oldest event without blocking.
func (c *Channel) TryRecv() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return nil, false
	}
	ev := c.items[0]
	c.items[0] = nil
	c.items = c.items[1:]
	if len(c.items) == 0 {
		c.items = nil
	} else {
		c.notify()
	}
	return ev, true
}

// Recv blocks until an event is available, the channel is finished or ctx
// is done. It returns ErrChannelClosed once the channel is finished.
func (c *Channel) Recv(ctx context.Context) (Event, error) {
	for {
		if ev, ok := c.TryRecv(); ok {
			return ev, nil
		}
		if c.Finished() {
			return nil, ErrChannelClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ready:
		}
	}
}

// Ready returns a channel signalled whenever the state of c changes: an
// event was enqueued, a producer released or the channel closed. Receivers
// must re-check state with TryRecv and Finished after each signal.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Acquire registers a producer. The returned release function is
// idempotent.
func (c *Channel) Acquire() (release func()) {
	c.mu.Lock()
	c.producers++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.producers--
			c.mu.Unlock()
			c.notify()
		})
	}
}

// Len returns the number of buffered events.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Producers returns the number of registered producers.
func (c *Channel) Producers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producers
}

// Finished reports whether no further event can be received: the channel
// is empty and either closed or without registered producers. The answer is
// a point-in-time observation.
func (c *Channel) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items) == 0 && (c.closed || c.producers == 0)
}

// Close tears the channel down. Buffered events remain receivable;
// subsequent sends fail. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.notify()
}

func (c *Channel) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}
