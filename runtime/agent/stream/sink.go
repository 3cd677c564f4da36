package stream

import "context"

// Sink delivers events to a transport (SSE response, message bus).
// Implementations must be safe for concurrent Send calls.
type Sink interface {
	// Send publishes ev. It returns an error when delivery fails.
	Send(ctx context.Context, ev Event) error
	// Close releases resources owned by the sink. Close is idempotent.
	Close(ctx context.Context) error
}

// MultiSink fans events out to every sink in order, stopping at the first
// error.
type MultiSink []Sink

// Send forwards ev to each sink.
func (m MultiSink) Send(ctx context.Context, ev Event) error {
	for _, s := range m {
		if err := s.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (m MultiSink) Close(ctx context.Context) error {
	var first error
	for _, s := range m {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
