// Package telemetry defines the logging, metrics and tracing seams used by the
// merger, the relays and the agents. Production wiring delegates to Clue and
// OpenTelemetry; tests use the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Key-value pairs follow the
	// k1, v1, k2, v2 convention.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. Tags follow the
	// k1, v1, k2, v2 convention.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation so callers stay agnostic of the
	// configured OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
