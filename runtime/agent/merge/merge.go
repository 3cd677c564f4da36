// Package merge fans in the primary agent stream and the shared sub-task
// channel of one invocation into a single ordered event sequence.
//
// The merger races the two sides: whichever produces first is yielded
// first, and an idle side never delays the other. Order within each side is
// preserved. The merge ends when the primary stream is exhausted and the
// channel is finished (empty, and closed or without registered producers).
// A primary stream error ends the merge with that error; the channel being
// closed or finished is never an error.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
)

type (
	// Merger merges one primary stream with one channel. A Merger is single
	// use.
	Merger struct {
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		state   atomic.Int32
	}

	// State is the lifecycle state of a Merger.
	State int32

	// Option configures a Merger.
	Option func(*Merger)

	// YieldFunc receives merged events. Returning an error stops the merge
	// and Run returns that error.
	YieldFunc func(stream.Event) error

	pulled struct {
		ev  stream.Event
		err error
	}
)

const (
	// StateIdle is the state of a Merger that has not started.
	StateIdle State = iota
	// StateActive means both sides are raced.
	StateActive
	// StatePrimaryDraining means the primary stream ended and the channel
	// is drained until finished.
	StatePrimaryDraining
	// StateTerminated means Run returned.
	StateTerminated
)

// ErrAlreadyRun is returned when Run is called more than once on the same
// Merger.
var ErrAlreadyRun = errors.New("merge: merger already run")

var errStopped = errors.New("merge: consumer stopped")

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(m *Merger) { m.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt telemetry.Metrics) Option {
	return func(m *Merger) { m.metrics = mt }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(m *Merger) { m.tracer = t }
}

// New returns an idle Merger.
func New(opts ...Option) *Merger {
	m := &Merger{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Merge runs a fresh Merger with default options.
func Merge(ctx context.Context, primary stream.Source, ch *stream.Channel, yield YieldFunc) error {
	return New().Run(ctx, primary, ch, yield)
}

// State returns the current lifecycle state.
func (m *Merger) State() State { return State(m.state.Load()) }

// Run merges primary and ch, calling yield for every event in merged
// order. It returns nil once primary is exhausted and ch is finished, the
// primary error if primary fails, the yield error if yield fails, or the
// context error if ctx is done first. A nil ch is treated as a channel that
// is already finished, so only the primary is forwarded.
func (m *Merger) Run(ctx context.Context, primary stream.Source, ch *stream.Channel, yield YieldFunc) (err error) {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
		return ErrAlreadyRun
	}
	if ch == nil {
		ch = stream.NewChannel()
		ch.Close()
	}
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "merge.run")
	ctx, cancel := context.WithCancel(ctx)
	var primaryCount, channelCount int
	defer func() {
		cancel()
		m.state.Store(int32(StateTerminated))
		m.metrics.RecordTimer("merge.duration", time.Since(start))
		m.logger.Debug(ctx, "merge terminated", "primary_events", primaryCount, "channel_events", channelCount, "err", err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	emit := func(ev stream.Event, side string) error {
		if side == "primary" {
			primaryCount++
		} else {
			channelCount++
		}
		m.metrics.IncCounter("merge.events", 1, "side", side, "type", string(ev.Type()))
		return yield(ev)
	}

	// At most one primary pull is outstanding so primary order holds.
	pending := make(chan pulled, 1)
	pull := func() {
		go func() {
			ev, err := primary.Next(ctx)
			pending <- pulled{ev: ev, err: err}
		}()
	}
	pull()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-pending:
			if errors.Is(p.err, io.EOF) {
				m.state.Store(int32(StatePrimaryDraining))
				m.logger.Debug(ctx, "primary stream exhausted", "pending", ch.Len(), "producers", ch.Producers())
				return m.drain(ctx, ch, func(ev stream.Event) error {
					return emit(ev, "channel")
				})
			}
			if p.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("primary stream: %w", p.err)
			}
			if err := emit(stream.Classify(p.ev), "primary"); err != nil {
				return err
			}
			pull()
		case <-ch.Ready():
			if ev, ok := ch.TryRecv(); ok {
				if err := emit(ev, "channel"); err != nil {
					return err
				}
			}
		}
	}
}

// drain yields channel events until the channel is finished. Finished is
// checked when no event is buffered, so an empty channel without producers
// ends the merge immediately.
func (m *Merger) drain(ctx context.Context, ch *stream.Channel, yield YieldFunc) error {
	for {
		if ev, ok := ch.TryRecv(); ok {
			if err := yield(ev); err != nil {
				return err
			}
			continue
		}
		if ch.Finished() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch.Ready():
		}
	}
}

// Events returns the merged sequence as an iterator. A terminal error is
// yielded as the last pair with a nil event. Breaking out of the loop stops
// the merge.
func (m *Merger) Events(ctx context.Context, primary stream.Source, ch *stream.Channel) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		err := m.Run(ctx, primary, ch, func(ev stream.Event) error {
			if !yield(ev, nil) {
				return errStopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StatePrimaryDraining:
		return "primary_draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
