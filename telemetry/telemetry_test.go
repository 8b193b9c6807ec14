package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(debug bool) (*Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return NewTracerFromProvider(tp, "test", debug), rec
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDispatchSpan(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	_, span := tr.StartDispatchSpan(context.Background(), 7, "cid-1")
	tr.EndDispatchSpan(span, DispatchSpanOptions{Identity: "alice", Status: "OK", Payload: []byte(`{"x":1}`)}, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "dispatch.7" {
		t.Errorf("name = %q", s.Name())
	}
	if v, _ := attr(s, "gatekit.correlation_id"); v.AsString() != "cid-1" {
		t.Errorf("correlation_id = %q", v.AsString())
	}
	if v, _ := attr(s, "gatekit.status"); v.AsString() != "OK" {
		t.Errorf("status = %q", v.AsString())
	}
	if _, ok := attr(s, "gatekit.payload"); ok {
		t.Error("payload recorded outside debug mode")
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("span status = %v", s.Status().Code)
	}
}

func TestDispatchSpan_DebugAndError(t *testing.T) {
	tr, rec := newRecordingTracer(true)

	_, span := tr.StartDispatchSpan(context.Background(), 1, "cid")
	tr.EndDispatchSpan(span, DispatchSpanOptions{Status: "ERROR", Payload: []byte(strings.Repeat("a", 3000))}, errors.New("boom"))

	s := rec.Ended()[0]
	v, ok := attr(s, "gatekit.payload")
	if !ok || !strings.HasSuffix(v.AsString(), "...[truncated]") {
		t.Errorf("payload attr = %q", v.AsString())
	}
	if s.Status().Code != codes.Error || s.Status().Description != "boom" {
		t.Errorf("status = %+v", s.Status())
	}
}

func TestDependencySpanIsChild(t *testing.T) {
	tr, rec := newRecordingTracer(false)

	ctx, parent := tr.StartDispatchSpan(context.Background(), 1, "cid")
	_, child := tr.StartDependencySpan(ctx, "redis", "check")
	tr.EndDependencySpan(child, true, nil)
	parent.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d", len(spans))
	}
	dep := spans[0]
	if dep.Name() != "redis.check" {
		t.Errorf("name = %q", dep.Name())
	}
	if dep.Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("dependency span should be a child of dispatch")
	}
	if v, _ := attr(dep, "gatekit.degraded"); !v.AsBool() {
		t.Error("degraded not recorded")
	}
}

func TestGetTracer_NoopByDefault(t *testing.T) {
	SetGlobalTracer(nil)
	tr := GetTracer()
	_, span := tr.StartSessionSpan(context.Background(), "alice", "c1")
	if span.SpanContext().IsValid() {
		t.Error("no-op tracer should not produce valid spans")
	}
	span.End()
}

func TestSetGlobalTracer(t *testing.T) {
	tr, _ := newRecordingTracer(false)
	SetGlobalTracer(tr)
	defer SetGlobalTracer(nil)
	if GetTracer() != tr {
		t.Error("GetTracer did not return the global tracer")
	}
}

func TestExtractContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tr, _ := newRecordingTracer(false)

	ctx, span := tr.tracer.Start(context.Background(), "upstream")
	defer span.End()

	h := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}

	_, child := tr.tracer.Start(ExtractContext(context.Background(), propagation.HeaderCarrier(h)), "downstream")
	defer child.End()
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Error("trace id not propagated")
	}
}

func TestInitProvider_Errors(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if _, err := InitProvider(context.Background(), ProviderConfig{}); err == nil {
		t.Error("expected error without endpoint")
	}
	if _, err := InitProvider(context.Background(), ProviderConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestInitProvider_HTTP(t *testing.T) {
	defer SetGlobalTracer(nil)
	p, err := InitProvider(context.Background(), ProviderConfig{
		Endpoint: "http://127.0.0.1:4318",
		Protocol: "http",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if p.Tracer() != GetTracer() {
		t.Error("provider tracer should be global")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}
