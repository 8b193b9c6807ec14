// Package telemetry wires OpenTelemetry tracing into the gateway.
//
// Every dispatch runs inside a "dispatch.<type>" span. Limiter calls to the
// counter store, identity service lookups and identity cache reads and writes
// get client spans beneath it. Without an initialized Provider the global
// tracer is a no-op.
package telemetry

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer adds gateway helpers on top of an OpenTelemetry tracer.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // include payload excerpts in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if none is set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NewTracerFromProvider(noop.NewTracerProvider(), "", false)
	}
	return globalTracer
}

// NewTracer uses the global OpenTelemetry provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// DispatchSpanOptions are recorded when a dispatch span ends.
type DispatchSpanOptions struct {
	Identity string
	Status   string
	Payload  []byte // only recorded in debug mode
}

// StartDispatchSpan opens "dispatch.<type>" for one inbound message.
func (t *Tracer) StartDispatchSpan(ctx context.Context, messageTypeID int, correlationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "dispatch."+strconv.Itoa(messageTypeID),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int("gatekit.message_type_id", messageTypeID),
			attribute.String("gatekit.correlation_id", correlationID),
		),
	)
}

func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("gatekit.identity", opts.Identity),
		attribute.String("gatekit.status", opts.Status),
	}
	if t.debug && len(opts.Payload) > 0 {
		attrs = append(attrs, attribute.String("gatekit.payload", truncate(string(opts.Payload), 2000)))
	}
	span.SetAttributes(attrs...)
	finish(span, err)
}

// StartDependencySpan opens a client span for a call to an external
// dependency such as "redis" or "identity".
func (t *Tracer) StartDependencySpan(ctx context.Context, dependency, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, dependency+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gatekit.dependency", dependency),
			attribute.String("gatekit.operation", operation),
		),
	)
}

// EndDependencySpan marks whether the caller proceeded without the
// dependency's answer.
func (t *Tracer) EndDependencySpan(span trace.Span, degraded bool, err error) {
	span.SetAttributes(attribute.Bool("gatekit.degraded", degraded))
	finish(span, err)
}

// StartSessionSpan covers a WebSocket session from admission to close.
func (t *Tracer) StartSessionSpan(ctx context.Context, identity, connID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("gatekit.identity", identity),
			attribute.String("gatekit.connection_id", connID),
		),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ExtractContext reads a trace context from carrier, e.g. the headers of
// the WebSocket upgrade request.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}
