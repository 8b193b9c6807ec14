package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/gatekit/logging"
)

// Gateway shutdown phases.
const (
	PhaseListener = 10
	PhaseSessions = 20
	PhaseFlush    = 30
	PhaseBackends = 40
)

var (
	ErrAlreadyShutdown = errors.New("shutdown already initiated")
	ErrTimeout         = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New("one or more shutdown handlers failed")
)

// Handler is implemented by components released at shutdown. The context
// ends when the shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

func (f Func) OnShutdown(ctx context.Context) error { return f(ctx) }

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
	Skipped  bool
}

// Result is the outcome of a whole shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// Failed reports whether any handler failed or was skipped.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers names the handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var names []string
	for _, h := range r.Handlers {
		if h.Err != nil {
			names = append(names, h.Name)
		}
	}
	return names
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout when it is given zero.
	// Default: 30s
	Timeout time.Duration

	// StopOnError skips later phases once a handler fails.
	StopOnError bool

	// Logger records each handler's outcome. Default: logging.Nop()
	Logger *logging.Logger
}

func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

type registration struct {
	name    string
	phase   int
	handler Handler
}
