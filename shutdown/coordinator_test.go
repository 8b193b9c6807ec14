package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/gatekit/logging"
)

func TestShutdown_PhaseOrder(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	c.RegisterFunc("store", PhaseBackends, record("store"))
	c.RegisterFunc("listener", PhaseListener, record("listener"))
	c.RegisterFunc("audit", PhaseFlush, record("audit"))
	c.RegisterFunc("sessions", PhaseSessions, record("sessions"))

	if err := c.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"listener", "sessions", "audit", "store"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}

	res := c.Result()
	if res == nil || res.Failed() || len(res.Handlers) != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestShutdown_SamePhaseConcurrent(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}
	c.RegisterFunc("a", PhaseFlush, barrier)
	c.RegisterFunc("b", PhaseFlush, barrier)

	if err := c.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("handlers in one phase should run together: %v", err)
	}
}

func TestShutdown_HandlerFailure(t *testing.T) {
	tests := []struct {
		name        string
		stopOnError bool
		wantLater   bool
	}{
		{"continue", false, true},
		{"stop", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.New()
			logger.SetOutput(&buf)

			c := NewCoordinator(Config{StopOnError: tt.stopOnError, Logger: logger})
			var later atomic.Bool
			c.RegisterFunc("bus", PhaseFlush, func(context.Context) error { return errors.New("drain failed") })
			c.RegisterFunc("store", PhaseBackends, func(context.Context) error { later.Store(true); return nil })

			err := c.ShutdownWithTimeout(time.Second)
			if !errors.Is(err, ErrHandlerFailed) || !strings.Contains(err.Error(), "bus") {
				t.Fatalf("err = %v", err)
			}
			if later.Load() != tt.wantLater {
				t.Errorf("later phase ran = %v, want %v", later.Load(), tt.wantLater)
			}
			if got := c.Result().FailedHandlers(); len(got) != 1 || got[0] != "bus" {
				t.Errorf("FailedHandlers = %v", got)
			}
			if !strings.Contains(buf.String(), "shutdown step failed") {
				t.Errorf("log = %q", buf.String())
			}
		})
	}
}

func TestShutdown_Timeout(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	var ran atomic.Bool
	c.RegisterFunc("sessions", PhaseSessions, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("store", PhaseBackends, func(context.Context) error { ran.Store(true); return nil })

	err := c.ShutdownWithTimeout(30 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if ran.Load() {
		t.Error("phase after the deadline should be skipped")
	}

	res := c.Result()
	last := res.Handlers[len(res.Handlers)-1]
	if last.Name != "store" || !last.Skipped {
		t.Errorf("last handler = %+v", last)
	}
}

func TestShutdown_Once(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	var calls atomic.Int32
	c.RegisterFunc("x", PhaseFlush, func(context.Context) error { calls.Add(1); return nil })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.ShutdownWithTimeout(time.Second); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d", calls.Load())
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestShutdown_SecondCallGivesUp(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	release := make(chan struct{})
	c.RegisterFunc("slow", PhaseFlush, func(context.Context) error { <-release; return nil })

	go c.ShutdownWithTimeout(time.Second)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("err = %v, want ErrAlreadyShutdown", err)
	}
	close(release)
	<-c.Done()
}

func TestRegister_AfterShutdownIgnored(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	c.ShutdownWithTimeout(time.Second)

	c.RegisterFunc("late", PhaseFlush, func(context.Context) error {
		t.Error("late handler ran")
		return nil
	})
	c.ShutdownWithTimeout(time.Second)
	if len(c.Result().Handlers) != 0 {
		t.Errorf("handlers = %+v", c.Result().Handlers)
	}
	if c.Result() == nil {
		t.Error("Result should be set after Done")
	}
}

func TestResult_BeforeShutdown(t *testing.T) {
	c := NewCoordinator(Config{})
	if c.Result() != nil {
		t.Error("Result before shutdown should be nil")
	}
	if c.config.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v", c.config.Timeout)
	}
}
