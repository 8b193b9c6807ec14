package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/gatekit/audit"
	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/protocol"
	"github.com/vinayprograms/gatekit/ratelimit"
	"github.com/vinayprograms/gatekit/router"
	"github.com/vinayprograms/gatekit/store"
	"github.com/vinayprograms/gatekit/transport"
)

type fixture struct {
	store   *store.MemoryStore
	router  *router.Router
	conns   *ratelimit.ConnectionLimiter
	window  *ratelimit.SlidingWindow
	audit   *audit.MemorySink
	manager *Manager
}

func newFixture(t *testing.T, maxConns int, rule ratelimit.Rule, mutate func(*Config)) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	conns, err := ratelimit.NewConnectionLimiter(s, ratelimit.ConnectionConfig{MaxPerIdentity: maxConns})
	if err != nil {
		t.Fatalf("NewConnectionLimiter: %v", err)
	}
	window, err := ratelimit.NewSlidingWindow(s, ratelimit.DefaultWindowConfig())
	if err != nil {
		t.Fatalf("NewSlidingWindow: %v", err)
	}

	f := &fixture{store: s, router: router.New(router.Config{}), conns: conns, window: window, audit: &audit.MemorySink{}}
	f.router.MustRegister(0, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		return router.OK("pong"), nil
	})

	cfg := Config{
		Router:      f.router,
		Limiter:     window,
		Rule:        rule,
		Connections: conns,
		Audit:       f.audit,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.manager, err = NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return f
}

var generous = ratelimit.Rule{Limit: 1000, Window: time.Minute}

// serve starts a session and returns the pipe plus Serve's result channel.
func (f *fixture) serve(t *testing.T, identity string) (*transport.PipeTransport, <-chan error) {
	t.Helper()
	p := transport.NewPipeTransport(transport.Config{})
	errc := make(chan error, 1)
	go func() { errc <- f.manager.Serve(context.Background(), identity, p) }()
	return p, errc
}

func frame(typeID int, cid uuid.UUID, payload string) []byte {
	if payload == "" {
		payload = "null"
	}
	return []byte(fmt.Sprintf(`{"message_type_id":%d,"correlation_id":%q,"payload":%s}`, typeID, cid, payload))
}

func next(t *testing.T, p *transport.PipeTransport) *protocol.Response {
	t.Helper()
	select {
	case out := <-p.Outbound():
		return out.Response
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
		return nil
	}
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func waitActive(t *testing.T, l *ratelimit.ConnectionLimiter, identity string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := l.Active(context.Background(), identity); n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	n, _ := l.Active(context.Background(), identity)
	t.Fatalf("active = %d, want %d", n, want)
}

func TestServe_Dispatches(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	p, errc := f.serve(t, "alice")

	cid := uuid.New()
	if err := p.Inject(frame(0, cid, "")); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	resp := next(t, p)
	if resp.StatusCode != protocol.StatusOK || resp.CorrelationID != cid || resp.Payload != "pong" {
		t.Errorf("response = %+v", resp)
	}

	p.Hangup()
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve = %v", err)
	}

	entries := f.audit.Entries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d", len(entries))
	}
	if e := entries[0]; e.Identity != "alice" || e.Outcome != "OK" || e.CorrelationID != cid.String() || e.ConnectionID == "" {
		t.Errorf("audit entry = %+v", e)
	}
	if f.manager.Active() != 0 {
		t.Errorf("Active = %d", f.manager.Active())
	}
}

func TestServe_MalformedEnvelope(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	p, errc := f.serve(t, "alice")
	defer func() { p.Hangup(); wait(t, errc) }()

	frames := [][]byte{
		// Well formed, but type 4 is not registered.
		[]byte(fmt.Sprintf(`{"message_type_id":4,"correlation_id":%q}`, uuid.New())),
		[]byte(`{"message_type_id":4,"correlation_id":"not-a-uuid"}`),
		[]byte(`{"correlation_id":"` + uuid.NewString() + `"}`),
		[]byte(`garbage`),
	}
	for _, fr := range frames {
		p.Inject(fr)
	}
	for range frames {
		if resp := next(t, p); resp.StatusCode != protocol.StatusInvalidData {
			t.Errorf("status = %v, want INVALID_DATA", resp.StatusCode)
		}
	}
	if f.audit.Len() != len(frames) {
		t.Errorf("audit entries = %d", f.audit.Len())
	}
}

func TestServe_MalformedEchoesType(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	p, errc := f.serve(t, "alice")
	defer func() { p.Hangup(); wait(t, errc) }()

	p.Inject([]byte(`{"message_type_id":9,"correlation_id":"nope"}`))
	resp := next(t, p)
	if resp.StatusCode != protocol.StatusInvalidData || resp.MessageTypeID != 9 {
		t.Errorf("response = %+v", resp)
	}
	if resp.CorrelationID != uuid.Nil {
		t.Errorf("correlation id = %v, want nil uuid", resp.CorrelationID)
	}
}

func TestServe_RateLimited(t *testing.T) {
	var calls atomic.Int64
	f := newFixture(t, 5, ratelimit.Rule{Limit: 2, Window: time.Minute}, nil)
	r := router.New(router.Config{})
	r.MustRegister(1, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		calls.Add(1)
		return router.OK(nil), nil
	})
	f.manager.config.Router = r

	p, errc := f.serve(t, "alice")
	defer func() { p.Hangup(); wait(t, errc) }()

	// Sequential so the window sees them in order.
	for i := 0; i < 2; i++ {
		p.Inject(frame(1, uuid.New(), ""))
		if resp := next(t, p); resp.StatusCode != protocol.StatusOK {
			t.Fatalf("message %d status = %v", i, resp.StatusCode)
		}
	}

	cid := uuid.New()
	p.Inject(frame(1, cid, ""))
	resp := next(t, p)
	if resp.StatusCode != protocol.StatusError || resp.CorrelationID != cid {
		t.Fatalf("response = %+v", resp)
	}
	payload, ok := resp.Payload.(protocol.ErrorPayload)
	if !ok || payload.Message != "rate limit exceeded" || payload.Code != string(errors.ErrCodeRateLimit) {
		t.Errorf("payload = %+v", resp.Payload)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
}

func TestServe_AdmissionRejected(t *testing.T) {
	f := newFixture(t, 1, generous, nil)

	p1, errc1 := f.serve(t, "alice")
	waitActive(t, f.conns, "alice", 1)

	p2 := transport.NewPipeTransport(transport.Config{})
	err := f.manager.Serve(context.Background(), "alice", p2)
	if !stderrors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("Serve = %v, want ErrAdmissionRejected", err)
	}
	if code, _ := p2.CloseStatus(); code != transport.ClosePolicyViolation {
		t.Errorf("close code = %d", code)
	}
	select {
	case out := <-p2.Outbound():
		t.Errorf("rejected connection received %+v", out.Response)
	default:
	}
	waitActive(t, f.conns, "alice", 1)

	// Another identity is unaffected.
	p3, errc3 := f.serve(t, "bob")
	waitActive(t, f.conns, "bob", 1)

	p1.Hangup()
	p3.Hangup()
	wait(t, errc1)
	wait(t, errc3)
	waitActive(t, f.conns, "alice", 0)
	waitActive(t, f.conns, "bob", 0)
}

func TestServe_ReconnectAfterClose(t *testing.T) {
	f := newFixture(t, 1, generous, nil)

	p, errc := f.serve(t, "alice")
	waitActive(t, f.conns, "alice", 1)
	p.Hangup()
	wait(t, errc)

	p, errc = f.serve(t, "alice")
	p.Inject(frame(0, uuid.New(), ""))
	if resp := next(t, p); resp.StatusCode != protocol.StatusOK {
		t.Errorf("status = %v", resp.StatusCode)
	}
	p.Hangup()
	wait(t, errc)
}

func TestServe_HandlersOutliveConnection(t *testing.T) {
	release := make(chan struct{})
	var handlerErr atomic.Value
	var finished atomic.Bool

	f := newFixture(t, 5, generous, nil)
	r := router.New(router.Config{})
	r.MustRegister(1, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		<-release
		if err := ctx.Err(); err != nil {
			handlerErr.Store(err)
		}
		finished.Store(true)
		return router.OK(nil), nil
	})
	f.manager.config.Router = r

	p, errc := f.serve(t, "alice")
	p.Inject(frame(1, uuid.New(), ""))
	time.Sleep(20 * time.Millisecond)
	p.Hangup()

	select {
	case <-errc:
		t.Fatal("Serve returned before in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if !finished.Load() {
		t.Error("handler did not finish")
	}
	if v := handlerErr.Load(); v != nil {
		t.Errorf("handler context cancelled: %v", v)
	}
	// Response was discarded but still audited.
	if f.audit.Len() != 1 {
		t.Errorf("audit entries = %d", f.audit.Len())
	}
	waitActive(t, f.conns, "alice", 0)
}

func TestServe_MaxInFlight(t *testing.T) {
	var running, peak atomic.Int64
	release := make(chan struct{})

	f := newFixture(t, 5, generous, func(c *Config) { c.MaxInFlight = 2 })
	r := router.New(router.Config{})
	r.MustRegister(1, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return router.OK(nil), nil
	})
	f.manager.config.Router = r

	p, errc := f.serve(t, "alice")
	for i := 0; i < 5; i++ {
		p.Inject(frame(1, uuid.New(), ""))
	}
	time.Sleep(50 * time.Millisecond)
	if got := running.Load(); got != 2 {
		t.Errorf("running = %d, want 2", got)
	}
	close(release)
	for i := 0; i < 5; i++ {
		next(t, p)
	}
	p.Hangup()
	wait(t, errc)

	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestServe_CloseOnDenied(t *testing.T) {
	f := newFixture(t, 5, generous, func(c *Config) { c.CloseOnDenied = true })
	r := router.New(router.Config{})
	r.MustRegister(2, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		return router.Denied("no"), nil
	})
	f.manager.config.Router = r

	p, errc := f.serve(t, "alice")
	p.Inject(frame(2, uuid.New(), ""))

	if resp := next(t, p); resp.StatusCode != protocol.StatusPermissionDenied {
		t.Errorf("status = %v", resp.StatusCode)
	}
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if code, _ := p.CloseStatus(); code != transport.ClosePolicyViolation {
		t.Errorf("close code = %d", code)
	}
}

func TestServe_DeniedKeepsConnectionByDefault(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	r := router.New(router.Config{})
	r.MustRegister(2, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		return router.Denied("no"), nil
	})
	r.MustRegister(0, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		return router.OK("pong"), nil
	})
	f.manager.config.Router = r

	p, errc := f.serve(t, "alice")
	defer func() { p.Hangup(); wait(t, errc) }()

	p.Inject(frame(2, uuid.New(), ""))
	next(t, p)
	p.Inject(frame(0, uuid.New(), ""))
	if resp := next(t, p); resp.StatusCode != protocol.StatusOK {
		t.Errorf("status = %v", resp.StatusCode)
	}
}

// downStore fails every counter call.
type downStore struct{ store.CounterStore }

var errDown = stderrors.New("redis: connection refused")

func (downStore) ZRemRangeByScore(context.Context, string, store.ScoreRange) (int64, error) {
	return 0, errDown
}
func (downStore) SAdd(context.Context, string, string) (int64, error) { return 0, errDown }
func (downStore) SRem(context.Context, string, string) (int64, error) { return 0, errDown }

func TestServe_StoreOutageFailsOpen(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	var ds downStore
	window, _ := ratelimit.NewSlidingWindow(ds, ratelimit.DefaultWindowConfig())
	conns, _ := ratelimit.NewConnectionLimiter(ds, ratelimit.DefaultConnectionConfig())
	f.manager.config.Limiter = window
	f.manager.config.Connections = conns

	p, errc := f.serve(t, "alice")
	p.Inject(frame(0, uuid.New(), ""))
	if resp := next(t, p); resp.StatusCode != protocol.StatusOK {
		t.Errorf("status = %v", resp.StatusCode)
	}
	p.Hangup()
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve = %v", err)
	}
}

func TestServe_ContextCancel(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	p := transport.NewPipeTransport(transport.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.manager.Serve(ctx, "alice", p) }()

	waitActive(t, f.conns, "alice", 1)
	cancel()
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve = %v, want nil on cancellation", err)
	}
	waitActive(t, f.conns, "alice", 0)
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Error("expected error without router")
	}
	_, err := NewManager(Config{
		Router:  router.New(router.Config{}),
		Limiter: &ratelimit.SlidingWindow{},
		Rule:    ratelimit.Rule{},
	})
	if err == nil {
		t.Error("expected error for invalid rule")
	}
}

func TestServe_ConcurrentSessions(t *testing.T) {
	f := newFixture(t, 3, generous, nil)
	conns, err := ratelimit.NewConnectionLimiter(f.store, ratelimit.ConnectionConfig{MaxPerIdentity: 3, HardCap: true})
	if err != nil {
		t.Fatalf("NewConnectionLimiter: %v", err)
	}
	f.manager.config.Connections = conns

	var wg sync.WaitGroup
	var rejected atomic.Int64
	pipes := make(chan *transport.PipeTransport, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := transport.NewPipeTransport(transport.Config{})
			pipes <- p
			if err := f.manager.Serve(context.Background(), "alice", p); stderrors.Is(err, ErrAdmissionRejected) {
				rejected.Add(1)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for rejected.Load() < 7 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := f.conns.Active(context.Background(), "alice"); n > 3 {
		t.Errorf("active = %d, exceeds ceiling", n)
	}

	close(pipes)
	for p := range pipes {
		p.Hangup()
	}
	wg.Wait()
	if rejected.Load() != 7 {
		t.Errorf("rejected = %d, want 7", rejected.Load())
	}
}

func TestServe_UnencodableResultBecomesError(t *testing.T) {
	f := newFixture(t, 5, generous, nil)
	f.router.MustRegister(9, func(ctx context.Context, req *router.Request) (*router.Result, error) {
		return router.OK(math.NaN()), nil
	})
	p, errc := f.serve(t, "alice")

	cid := uuid.New()
	if err := p.Inject(frame(9, cid, "")); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	resp := next(t, p)
	if resp.StatusCode != protocol.StatusError || resp.CorrelationID != cid || resp.MessageTypeID != 9 {
		t.Errorf("response = %+v", resp)
	}

	p.Hangup()
	if err := wait(t, errc); err != nil {
		t.Errorf("Serve = %v", err)
	}
}
