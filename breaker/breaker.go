// Package breaker implements a three-state circuit breaker for calls to
// external dependencies.
//
// A Breaker starts Closed and counts consecutive failures. After FailMax of
// them it opens and rejects every call without invoking the operation. Once
// Timeout has passed, the next call is let through as a single trial
// (HalfOpen): success closes the breaker, failure reopens it for another
// Timeout.
//
// Construct one Breaker per protected dependency and pass it to the code that
// calls that dependency.
package breaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/gatekit/errors"
)

// ErrOpen is returned, wrapped in a CIRCUIT_OPEN error, when a call is
// rejected without being attempted.
var ErrOpen = stderrors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Breaker.
type Config struct {
	// Name identifies the protected dependency in errors, logs and metrics.
	Name string

	// FailMax is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailMax int

	// Timeout is how long the breaker stays open before allowing a trial.
	// Default: 30s
	Timeout time.Duration

	// CallTimeout bounds each protected call. Zero disables the bound.
	// DefaultConfig: 2s
	CallTimeout time.Duration

	// IsFailure classifies an error returned by the operation. Errors it
	// rejects are passed through without counting. Default: every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		FailMax:     5,
		Timeout:     30 * time.Second,
		CallTimeout: 2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailMax < 0 {
		return fmt.Errorf("breaker %q: fail_max must be positive", c.Name)
	}
	if c.Timeout < 0 || c.CallTimeout < 0 {
		return fmt.Errorf("breaker %q: timeouts must not be negative", c.Name)
	}
	return nil
}

// Breaker guards calls to one dependency.
type Breaker struct {
	config Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	nowFunc func() time.Time // for testing
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string
	State         State
	Failures      int
	OpenedAt      time.Time
	TrialInFlight bool
}

// New creates a closed Breaker. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailMax <= 0 {
		cfg.FailMax = def.FailMax
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CallTimeout < 0 {
		cfg.CallTimeout = 0
	}
	return &Breaker{config: cfg, nowFunc: time.Now}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.config.Name }

// State returns the current state. An open breaker whose timeout has elapsed
// still reports open until the next call moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:          b.config.Name,
		State:         b.state,
		Failures:      b.failures,
		OpenedAt:      b.openedAt,
		TrialInFlight: b.trialInFlight,
	}
}

// Execute runs fn under the breaker.
//
// Rejected calls return a CIRCUIT_OPEN error wrapping ErrOpen and never
// invoke fn. A panic in fn is recovered and counted as a failure. If the
// caller's own context is cancelled, the outcome is not held against the
// dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	err = b.run(callCtx, fn)

	if err != nil && stderrors.Is(ctx.Err(), context.Canceled) {
		b.release(trial)
		return err
	}
	b.record(trial, err)
	return err
}

// Call runs fn under b and returns its value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return fn(ctx)
}

// allow decides whether a call may proceed and whether it is the trial.
func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	var changed bool
	from := b.state

	switch b.state {
	case StateOpen:
		if b.nowFunc().Sub(b.openedAt) < b.config.Timeout {
			b.mu.Unlock()
			return false, b.openError()
		}
		b.state = StateHalfOpen
		changed = true
		fallthrough
	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return false, b.openError()
		}
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(changed, from, StateHalfOpen)
		return true, nil
	default:
		b.mu.Unlock()
		return false, nil
	}
}

// record applies a call outcome.
func (b *Breaker) record(trial bool, err error) {
	failed := err != nil && b.isFailure(err)

	b.mu.Lock()
	from := b.state
	if trial {
		b.trialInFlight = false
	}

	switch {
	case !failed:
		b.failures = 0
		if trial {
			b.state = StateClosed
		}
	case trial:
		b.state = StateOpen
		b.openedAt = b.nowFunc()
	case b.state == StateClosed:
		b.failures++
		if b.failures >= b.config.FailMax {
			b.state = StateOpen
			b.openedAt = b.nowFunc()
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from != to, from, to)
}

// release frees the trial slot without judging the dependency.
func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) isFailure(err error) bool {
	if b.config.IsFailure == nil {
		return true
	}
	if errors.Is(err, errors.ErrCodePanic) {
		return true
	}
	return b.config.IsFailure(err)
}

func (b *Breaker) notify(changed bool, from, to State) {
	if changed && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}

func (b *Breaker) openError() error {
	return errors.New(errors.ErrCodeCircuitOpen,
		fmt.Sprintf("%s: circuit breaker open", b.config.Name),
		errors.WithCause(ErrOpen),
		errors.WithMetadata("breaker", b.config.Name),
	)
}
