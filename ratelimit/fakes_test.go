package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/gatekit/store"
	"github.com/vinayprograms/gatekit/telemetry"
)

var errStoreDown = errors.New("connection refused")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newRecordingTracer() (*telemetry.Tracer, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return telemetry.NewTracerFromProvider(tp, "test", false), rec
}

func spanBool(span sdktrace.ReadOnlySpan, key string) bool {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.AsBool()
		}
	}
	return false
}

func newMemoryStore(t *testing.T, clk *testClock) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	s.SetClock(clk.Now)
	t.Cleanup(func() { s.Close() })
	return s
}

// failingStore fails every call whose name is in failOn (all calls if empty)
// with err, or errStoreDown when err is nil.
type failingStore struct {
	store.CounterStore
	failOn map[string]bool
	err    error
	calls  []string
}

func (f *failingStore) fail(op string) error {
	f.calls = append(f.calls, op)
	if len(f.failOn) == 0 || f.failOn[op] {
		if f.err != nil {
			return f.err
		}
		return errStoreDown
	}
	return nil
}

func (f *failingStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := f.fail("zadd"); err != nil {
		return err
	}
	return f.CounterStore.ZAdd(ctx, key, score, member)
}

func (f *failingStore) ZRemRangeByScore(ctx context.Context, key string, r store.ScoreRange) (int64, error) {
	if err := f.fail("zremrangebyscore"); err != nil {
		return 0, err
	}
	return f.CounterStore.ZRemRangeByScore(ctx, key, r)
}

func (f *failingStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := f.fail("zcard"); err != nil {
		return 0, err
	}
	return f.CounterStore.ZCard(ctx, key)
}

func (f *failingStore) SAdd(ctx context.Context, key, member string) (int64, error) {
	if err := f.fail("sadd"); err != nil {
		return 0, err
	}
	return f.CounterStore.SAdd(ctx, key, member)
}

func (f *failingStore) SRem(ctx context.Context, key, member string) (int64, error) {
	if err := f.fail("srem"); err != nil {
		return 0, err
	}
	return f.CounterStore.SRem(ctx, key, member)
}

func (f *failingStore) SCard(ctx context.Context, key string) (int64, error) {
	if err := f.fail("scard"); err != nil {
		return 0, err
	}
	return f.CounterStore.SCard(ctx, key)
}

func (f *failingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.fail("expire"); err != nil {
		return err
	}
	return f.CounterStore.Expire(ctx, key, ttl)
}

// slowStore blocks every call until the context ends.
type slowStore struct {
	store.CounterStore
}

func (s slowStore) ZRemRangeByScore(ctx context.Context, _ string, _ store.ScoreRange) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (s slowStore) SAdd(ctx context.Context, _, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
