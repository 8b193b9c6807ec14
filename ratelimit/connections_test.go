package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/store"
)

func newTestConnLimiter(t *testing.T, s store.CounterStore, cfg ConnectionConfig) *ConnectionLimiter {
	t.Helper()
	l, err := NewConnectionLimiter(s, cfg)
	if err != nil {
		t.Fatalf("NewConnectionLimiter: %v", err)
	}
	return l
}

func TestConnectionLimiter_Ceiling(t *testing.T) {
	for _, hardCap := range []bool{false, true} {
		t.Run(fmt.Sprintf("hard_cap=%v", hardCap), func(t *testing.T) {
			clk := &testClock{now: time.Unix(100, 0)}
			s := newMemoryStore(t, clk)
			l := newTestConnLimiter(t, s, ConnectionConfig{MaxPerIdentity: 2, HardCap: hardCap})
			ctx := context.Background()

			for i, id := range []string{"c1", "c2"} {
				adm := l.Add(ctx, "alice", id)
				if !adm.Accepted || adm.Active != int64(i+1) {
					t.Fatalf("Add(%s) = %+v", id, adm)
				}
			}
			adm := l.Add(ctx, "alice", "c3")
			if adm.Accepted {
				t.Fatal("third connection should be rejected")
			}
			if adm.Active != 2 {
				t.Errorf("Active after rejection = %d, want 2", adm.Active)
			}
			if n, _ := l.Active(ctx, "alice"); n != 2 {
				t.Errorf("rejected id left in the set: %d members", n)
			}

			if err := l.Remove(ctx, "alice", "c1"); err != nil {
				t.Fatal(err)
			}
			if adm := l.Add(ctx, "alice", "c3"); !adm.Accepted {
				t.Error("slot freed by Remove should admit a new connection")
			}
		})
	}
}

func TestConnectionLimiter_RemoveIdempotent(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	l := newTestConnLimiter(t, newMemoryStore(t, clk), ConnectionConfig{MaxPerIdentity: 3})
	ctx := context.Background()

	l.Add(ctx, "alice", "c1")
	l.Add(ctx, "bob", "c1")

	for i := 0; i < 3; i++ {
		if err := l.Remove(ctx, "alice", "c1"); err != nil {
			t.Fatalf("Remove #%d: %v", i, err)
		}
	}
	if err := l.Remove(ctx, "alice", "never-added"); err != nil {
		t.Errorf("Remove of absent id = %v", err)
	}
	if n, _ := l.Active(ctx, "alice"); n != 0 {
		t.Errorf("alice active = %d", n)
	}
	if n, _ := l.Active(ctx, "bob"); n != 1 {
		t.Errorf("removing alice's c1 touched bob: %d", n)
	}
}

func TestConnectionLimiter_IdentitiesIndependent(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	l := newTestConnLimiter(t, newMemoryStore(t, clk), ConnectionConfig{MaxPerIdentity: 1})
	ctx := context.Background()

	if !l.Add(ctx, "alice", "a1").Accepted || !l.Add(ctx, "bob", "b1").Accepted {
		t.Fatal("each identity gets its own ceiling")
	}
	if l.Add(ctx, "alice", "a2").Accepted || l.Add(ctx, "bob", "b2").Accepted {
		t.Error("both identities are at their ceiling")
	}
}

func TestConnectionLimiter_TTLRefreshed(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	s := newMemoryStore(t, clk)
	l := newTestConnLimiter(t, s, ConnectionConfig{MaxPerIdentity: 2, TTL: time.Hour})

	l.Add(context.Background(), "alice", "c1")
	if ttl, err := s.TTL("gatekit:conns:alice"); err != nil || ttl != time.Hour {
		t.Errorf("TTL = %v, %v", ttl, err)
	}
}

func TestConnectionLimiter_FailModes(t *testing.T) {
	for _, op := range []string{"sadd", "scard"} {
		for _, mode := range []FailMode{FailOpen, FailClosed} {
			t.Run(op+"/"+mode.String(), func(t *testing.T) {
				clk := &testClock{now: time.Unix(100, 0)}
				fs := &failingStore{CounterStore: newMemoryStore(t, clk), failOn: map[string]bool{op: true}}
				l := newTestConnLimiter(t, fs, ConnectionConfig{MaxPerIdentity: 1, FailMode: mode})

				adm := l.Add(context.Background(), "alice", "c1")
				if !adm.Degraded || !errors.Is(adm.Cause, errors.ErrCodeStore) {
					t.Fatalf("expected degraded admission, got %+v", adm)
				}
				if want := mode == FailOpen; adm.Accepted != want {
					t.Errorf("Accepted = %v, want %v", adm.Accepted, want)
				}
			})
		}
	}
}

func TestConnectionLimiter_RevertFailureStillRejects(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	mem := newMemoryStore(t, clk)
	l := newTestConnLimiter(t, &failingStore{CounterStore: mem, failOn: map[string]bool{"srem": true}},
		ConnectionConfig{MaxPerIdentity: 1})
	ctx := context.Background()

	l.Add(ctx, "alice", "c1")
	adm := l.Add(ctx, "alice", "c2")
	if adm.Accepted || adm.Degraded {
		t.Errorf("rejection stands even if revert fails: %+v", adm)
	}
	if adm.Cause == nil {
		t.Error("failed revert should be reported in Cause")
	}
}

func TestConnectionLimiter_FailedCountLeavesNoMember(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	mem := newMemoryStore(t, clk)
	fs := &failingStore{CounterStore: mem, failOn: map[string]bool{"scard": true}}
	l := newTestConnLimiter(t, fs, ConnectionConfig{MaxPerIdentity: 1, FailMode: FailClosed})
	ctx := context.Background()

	adm := l.Add(ctx, "alice", "c1")
	if adm.Accepted || !adm.Degraded {
		t.Fatalf("Add = %+v, want degraded rejection", adm)
	}
	if n, _ := mem.SCard(ctx, "gatekit:conns:alice"); n != 0 {
		t.Errorf("rejected id left in the set: %d members", n)
	}

	healthy := newTestConnLimiter(t, mem, ConnectionConfig{MaxPerIdentity: 1})
	if adm := healthy.Add(ctx, "alice", "c2"); !adm.Accepted || adm.Active != 1 {
		t.Errorf("after recovery Add = %+v, want the free slot", adm)
	}
}

func TestConnectionLimiter_FailOpenCountKeepsMember(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	mem := newMemoryStore(t, clk)
	fs := &failingStore{CounterStore: mem, failOn: map[string]bool{"scard": true}}
	l := newTestConnLimiter(t, fs, ConnectionConfig{MaxPerIdentity: 1, TTL: time.Hour})
	ctx := context.Background()

	if adm := l.Add(ctx, "alice", "c1"); !adm.Accepted || !adm.Degraded {
		t.Fatalf("Add = %+v, want degraded admission", adm)
	}
	if n, _ := mem.SCard(ctx, "gatekit:conns:alice"); n != 1 {
		t.Errorf("admitted id should stay until Remove: %d members", n)
	}
	if ttl, err := mem.TTL("gatekit:conns:alice"); err != nil || ttl != time.Hour {
		t.Errorf("TTL = %v, %v", ttl, err)
	}
}

func TestConnectionLimiter_FailedRevertStillExpires(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	mem := newMemoryStore(t, clk)
	l := newTestConnLimiter(t, &failingStore{CounterStore: mem, failOn: map[string]bool{"srem": true}},
		ConnectionConfig{MaxPerIdentity: 1, TTL: time.Hour})
	ctx := context.Background()

	l.Add(ctx, "alice", "c1")
	clk.Set(time.Unix(100, 0).Add(30 * time.Minute))
	if adm := l.Add(ctx, "alice", "c2"); adm.Accepted {
		t.Fatalf("Add = %+v", adm)
	}
	if ttl, err := mem.TTL("gatekit:conns:alice"); err != nil || ttl != time.Hour {
		t.Errorf("TTL after rejected add = %v, %v, want refreshed", ttl, err)
	}
}

func TestConnectionLimiter_IdentityWithWhitespace(t *testing.T) {
	for _, hardCap := range []bool{false, true} {
		t.Run(fmt.Sprintf("hard_cap=%v", hardCap), func(t *testing.T) {
			clk := &testClock{now: time.Unix(100, 0)}
			l := newTestConnLimiter(t, newMemoryStore(t, clk), ConnectionConfig{MaxPerIdentity: 1, HardCap: hardCap})
			ctx := context.Background()

			if adm := l.Add(ctx, "Jane Doe", "c1"); !adm.Accepted || adm.Degraded {
				t.Fatalf("first Add = %+v", adm)
			}
			for _, id := range []string{"c2", "c3"} {
				if adm := l.Add(ctx, "Jane Doe", id); adm.Accepted || adm.Degraded {
					t.Errorf("Add(%s) = %+v, want a plain rejection", id, adm)
				}
			}
		})
	}
}

func TestConnectionLimiter_KeyErrorIsNotAnOutage(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	fs := &failingStore{CounterStore: newMemoryStore(t, clk), err: store.ErrInvalidKey}
	l := newTestConnLimiter(t, fs, ConnectionConfig{MaxPerIdentity: 1, FailMode: FailOpen})

	adm := l.Add(context.Background(), "alice", "c1")
	if adm.Accepted || adm.Degraded {
		t.Errorf("refused key under FailOpen = %+v", adm)
	}
	if !errors.Is(adm.Cause, errors.ErrCodeInvalidInput) {
		t.Errorf("Cause = %v", adm.Cause)
	}
}

func TestConnectionLimiter_Spans(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	tr, rec := newRecordingTracer()
	l := newTestConnLimiter(t, newMemoryStore(t, clk), ConnectionConfig{MaxPerIdentity: 1, Tracer: tr})
	ctx := context.Background()

	l.Add(ctx, "alice", "c1")
	l.Remove(ctx, "alice", "c1")

	spans := rec.Ended()
	if len(spans) != 2 || spans[0].Name() != "store.admit" || spans[1].Name() != "store.release" {
		t.Fatalf("spans = %v", spans)
	}
}

func TestConnectionLimiter_RemoveError(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	fs := &failingStore{CounterStore: newMemoryStore(t, clk)}
	l := newTestConnLimiter(t, fs, ConnectionConfig{MaxPerIdentity: 1})

	err := l.Remove(context.Background(), "alice", "c1")
	if !errors.Is(err, errors.ErrCodeStore) {
		t.Errorf("Remove = %v, want STORE error", err)
	}
	if _, err := l.Active(context.Background(), "alice"); err == nil {
		t.Error("Active should surface store errors")
	}
}

func TestConnectionLimiter_Timeout(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	l := newTestConnLimiter(t, slowStore{CounterStore: newMemoryStore(t, clk)},
		ConnectionConfig{MaxPerIdentity: 1, FailMode: FailClosed, OpTimeout: 20 * time.Millisecond})

	adm := l.Add(context.Background(), "alice", "c1")
	if adm.Accepted || !adm.Degraded {
		t.Errorf("timed-out admission under FailClosed: %+v", adm)
	}
}

func TestConnectionLimiter_HardCapConcurrent(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	l := newTestConnLimiter(t, newMemoryStore(t, clk), ConnectionConfig{MaxPerIdentity: 3, HardCap: true})

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Add(context.Background(), "alice", fmt.Sprintf("c%d", i)).Accepted {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if accepted.Load() != 3 {
		t.Errorf("accepted %d, want exactly 3 under hard cap", accepted.Load())
	}
}

func TestConnectionLimiter_OptimisticNeverExceeds(t *testing.T) {
	clk := &testClock{now: time.Unix(100, 0)}
	l := newTestConnLimiter(t, newMemoryStore(t, clk), ConnectionConfig{MaxPerIdentity: 3})

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if l.Add(context.Background(), "alice", fmt.Sprintf("c%d", i)).Accepted {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if accepted.Load() > 3 {
		t.Errorf("accepted %d, ceiling is 3", accepted.Load())
	}
	if n, _ := l.Active(context.Background(), "alice"); n != int64(accepted.Load()) {
		t.Errorf("set holds %d members, %d were accepted", n, accepted.Load())
	}
}

func TestNewConnectionLimiter_Config(t *testing.T) {
	if _, err := NewConnectionLimiter(nil, DefaultConnectionConfig()); err == nil {
		t.Error("expected error for nil store")
	}
	clk := &testClock{}
	s := newMemoryStore(t, clk)
	if _, err := NewConnectionLimiter(s, ConnectionConfig{MaxPerIdentity: -1}); err == nil {
		t.Error("expected error for negative ceiling")
	}
	if _, err := NewConnectionLimiter(&failingStore{CounterStore: s}, ConnectionConfig{HardCap: true}); err != ErrNoBoundedAdd {
		t.Errorf("hard cap on a store without bounded add = %v", err)
	}
	l, err := NewConnectionLimiter(s, ConnectionConfig{})
	if err != nil || l.Max() != 5 {
		t.Errorf("defaults: %v max=%d", err, l.Max())
	}
}
