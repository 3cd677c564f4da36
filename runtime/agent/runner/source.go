package runner

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/awschat/supervisor/runtime/agent/stream"
)

type (
	emitFunc func(ctx context.Context, ev stream.Event) error

	// runSource adapts a push-style run to the pull-based stream.Source.
	// The run executes in its own goroutine and hands events over one at a
	// time.
	runSource struct {
		run    func(ctx context.Context, emit emitFunc) error
		once   sync.Once
		events chan stream.Event
		done   chan struct{}
		err    error
	}
)

func newRunSource(run func(ctx context.Context, emit emitFunc) error) *runSource {
	return &runSource{
		run:    run,
		events: make(chan stream.Event),
		done:   make(chan struct{}),
	}
}

func (s *runSource) start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.err = s.run(ctx, func(ctx context.Context, ev stream.Event) error {
			select {
			case s.events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
}

// Next implements stream.Source.
func (s *runSource) Next(ctx context.Context) (stream.Event, error) {
	s.once.Do(func() { s.start(ctx) })
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isEOF(err error) bool { return errors.Is(err, io.EOF) }
