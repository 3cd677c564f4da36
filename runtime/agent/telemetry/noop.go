package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// discard backs relays, mergers and agents built without observability.
// One value serves as Logger, Metrics, Tracer and the Span it starts.
type discard struct{}

var (
	_ Logger  = discard{}
	_ Metrics = discard{}
	_ Tracer  = discard{}
	_ Span    = discard{}
)

// NewNoopLogger returns a Logger that drops every message.
func NewNoopLogger() Logger { return discard{} }

// NewNoopMetrics returns a Metrics recorder that drops every sample.
func NewNoopMetrics() Metrics { return discard{} }

// NewNoopTracer returns a Tracer whose spans record nothing and leave the
// context untouched.
func NewNoopTracer() Tracer { return discard{} }

func (discard) Debug(context.Context, string, ...any) {}
func (discard) Info(context.Context, string, ...any)  {}
func (discard) Warn(context.Context, string, ...any)  {}
func (discard) Error(context.Context, string, ...any) {}

func (discard) IncCounter(string, float64, ...string)         {}
func (discard) RecordTimer(string, time.Duration, ...string) {}

func (d discard) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, d
}

func (discard) End(...trace.SpanEndOption)              {}
func (discard) AddEvent(string, ...any)                 {}
func (discard) SetStatus(codes.Code, string)            {}
func (discard) RecordError(error, ...trace.EventOption) {}
