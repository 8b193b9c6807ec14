package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/store"
	"github.com/vinayprograms/gatekit/telemetry"
)

// WindowConfig configures a SlidingWindow.
type WindowConfig struct {
	// KeyPrefix namespaces the per-identity sorted sets.
	// Default: "gatekit:"
	KeyPrefix string

	// FailMode applies when the store errors or times out.
	// Default: FailOpen
	FailMode FailMode

	// OpTimeout bounds one Check, covering all of its store calls.
	// Default: 2s
	OpTimeout time.Duration

	// Tracer records a client span per Check. Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

// DefaultWindowConfig returns configuration with sensible defaults.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		KeyPrefix: DefaultKeyPrefix,
		FailMode:  FailOpen,
		OpTimeout: 2 * time.Second,
	}
}

// SlidingWindow is a per-identity sliding-window rate limiter.
type SlidingWindow struct {
	store  store.CounterStore
	config WindowConfig

	nowFunc   func() time.Time // for testing
	newMember func() string
}

// NewSlidingWindow creates a limiter on s.
func NewSlidingWindow(s store.CounterStore, cfg WindowConfig) (*SlidingWindow, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidConfig)
	}
	cfg.KeyPrefix = normalizePrefix(cfg.KeyPrefix)
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultWindowConfig().OpTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &SlidingWindow{
		store:     s,
		config:    cfg,
		nowFunc:   time.Now,
		newMember: uuid.NewString,
	}, nil
}

// Check records one message for identity if rule still admits it.
//
// Entries older than rule.Window (strictly) are pruned first. If the pruned
// window already holds rule.Max() entries the message is denied and nothing is
// recorded. Otherwise a new entry is added, the key's expiry is pushed to twice
// the window, and the decision reports how many more messages fit.
func (w *SlidingWindow) Check(ctx context.Context, identity string, rule Rule) Decision {
	if err := rule.Validate(); err != nil {
		return Decision{Allowed: false, Cause: err}
	}

	ctx, span := w.config.Tracer.StartDependencySpan(ctx, "store", "rate_window")
	d := w.check(ctx, identity, rule)
	w.config.Tracer.EndDependencySpan(span, d.Degraded, d.Cause)
	return d
}

func (w *SlidingWindow) check(ctx context.Context, identity string, rule Rule) Decision {
	ceiling := rule.Max()

	ctx, cancel := context.WithTimeout(ctx, w.config.OpTimeout)
	defer cancel()

	now := w.nowFunc()
	key := rateKey(w.config.KeyPrefix, identity)

	cutoff := store.Score(now.Add(-rule.Window))
	if _, err := w.store.ZRemRangeByScore(ctx, key, store.Below(cutoff)); err != nil {
		return w.degraded(ceiling, "prune", err)
	}

	count, err := w.store.ZCard(ctx, key)
	if err != nil {
		return w.degraded(ceiling, "count", err)
	}
	if count >= int64(ceiling) {
		return Decision{Allowed: false, Remaining: 0}
	}

	if err := w.store.ZAdd(ctx, key, store.Score(now), w.newMember()); err != nil {
		return w.degraded(ceiling, "record", err)
	}
	if err := w.store.Expire(ctx, key, 2*rule.Window); err != nil {
		return w.degraded(ceiling, "expire", err)
	}

	return Decision{Allowed: true, Remaining: ceiling - int(count) - 1}
}

// degraded applies the fail mode. An allowed degraded decision reports the
// headroom of an empty window since the real count is unknown. A key the
// store refuses is not an outage and is denied outright.
func (w *SlidingWindow) degraded(ceiling int, op string, err error) Decision {
	if isKeyError(err) {
		return Decision{Allowed: false, Cause: errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "rate window "+op)}
	}
	cause := errors.WrapWithCode(err, errors.ErrCodeStore, "rate window "+op)
	if w.config.FailMode == FailClosed {
		return Decision{Allowed: false, Remaining: 0, Degraded: true, Cause: cause}
	}
	return Decision{Allowed: true, Remaining: ceiling - 1, Degraded: true, Cause: cause}
}

// FailMode returns the configured fail mode.
func (w *SlidingWindow) FailMode() FailMode { return w.config.FailMode }
