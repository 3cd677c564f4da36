package stream

import (
	"context"
	"io"
)

type (
	// Source is a pull-based event stream. Next returns io.EOF once the
	// stream is naturally exhausted; any other error is a stream failure.
	// A Source is consumed by a single goroutine and iterated once.
	Source interface {
		Next(ctx context.Context) (Event, error)
	}

	// SourceFunc adapts a function to the Source interface.
	SourceFunc func(ctx context.Context) (Event, error)

	sliceSource struct {
		events []Event
		pos    int
	}

	chanSource struct {
		ch   <-chan any
		errc <-chan error
	}
)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (Event, error) { return f(ctx) }

// FromSlice returns a Source yielding events in order.
func FromSlice(events ...Event) Source {
	return &sliceSource{events: events}
}

func (s *sliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

// FromChan returns a Source reading loosely typed items from ch and
// classifying each one. The stream ends when ch is closed; if errc is not
// nil the first error received on it after ch is closed is returned instead
// of io.EOF.
func FromChan(ch <-chan any, errc <-chan error) Source {
	return &chanSource{ch: ch, errc: errc}
}

func (s *chanSource) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v, ok := <-s.ch:
		if ok {
			return Classify(v), nil
		}
	}
	if s.errc != nil {
		select {
		case err := <-s.errc:
			if err != nil {
				return nil, err
			}
		default:
		}
	}
	return nil, io.EOF
}
