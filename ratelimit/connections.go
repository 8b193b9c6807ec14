package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/store"
	"github.com/vinayprograms/gatekit/telemetry"
)

// ConnectionConfig configures a ConnectionLimiter.
type ConnectionConfig struct {
	// KeyPrefix namespaces the per-identity sets.
	// Default: "gatekit:"
	KeyPrefix string

	// MaxPerIdentity is the most connections one identity may hold.
	// Default: 5
	MaxPerIdentity int

	// FailMode applies when the store errors or times out.
	// Default: FailOpen
	FailMode FailMode

	// OpTimeout bounds one Add or Remove.
	// Default: 2s
	OpTimeout time.Duration

	// HardCap uses the store's atomic bounded add instead of add-then-revert.
	// The store must implement store.BoundedSetAdder.
	HardCap bool

	// TTL is refreshed on the identity's set whenever an admission touched it,
	// so members left behind by a crashed replica or a failed revert expire.
	// Zero disables the refresh.
	// Default: 24h
	TTL time.Duration

	// Tracer records a client span per Add and Remove.
	// Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

// DefaultConnectionConfig returns configuration with sensible defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		KeyPrefix:      DefaultKeyPrefix,
		MaxPerIdentity: 5,
		FailMode:       FailOpen,
		OpTimeout:      2 * time.Second,
		TTL:            24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c ConnectionConfig) Validate() error {
	if c.MaxPerIdentity <= 0 {
		return fmt.Errorf("%w: max_per_identity must be positive", ErrInvalidConfig)
	}
	if c.TTL < 0 {
		return fmt.Errorf("%w: ttl must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ConnectionLimiter caps concurrent connections per identity.
type ConnectionLimiter struct {
	store   store.CounterStore
	bounded store.BoundedSetAdder
	config  ConnectionConfig
}

// NewConnectionLimiter creates a limiter on s.
func NewConnectionLimiter(s store.CounterStore, cfg ConnectionConfig) (*ConnectionLimiter, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidConfig)
	}
	if cfg.MaxPerIdentity == 0 {
		cfg.MaxPerIdentity = DefaultConnectionConfig().MaxPerIdentity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.KeyPrefix = normalizePrefix(cfg.KeyPrefix)
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConnectionConfig().OpTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}

	l := &ConnectionLimiter{store: s, config: cfg}
	if cfg.HardCap {
		b, ok := s.(store.BoundedSetAdder)
		if !ok {
			return nil, ErrNoBoundedAdd
		}
		l.bounded = b
	}
	return l, nil
}

// Max returns the per-identity ceiling.
func (l *ConnectionLimiter) Max() int { return l.config.MaxPerIdentity }

// Add admits connID for identity if the identity is below its ceiling.
//
// The default path adds first and reverts if the set grew past the ceiling.
// Two simultaneous admissions can both see the set over the ceiling and both
// revert; an identity can therefore be refused while momentarily one below its
// ceiling, but never admitted above it. Whenever connID is not admitted it is
// removed again, best effort, and the set's TTL is refreshed so a member that
// could not be removed still expires.
func (l *ConnectionLimiter) Add(ctx context.Context, identity, connID string) Admission {
	ctx, span := l.config.Tracer.StartDependencySpan(ctx, "store", "admit")
	adm := l.add(ctx, identity, connID)
	l.config.Tracer.EndDependencySpan(span, adm.Degraded, adm.Cause)
	return adm
}

func (l *ConnectionLimiter) add(ctx context.Context, identity, connID string) Admission {
	ctx, cancel := context.WithTimeout(ctx, l.config.OpTimeout)
	defer cancel()

	key := connKey(l.config.KeyPrefix, identity)
	ceiling := int64(l.config.MaxPerIdentity)

	var adm Admission
	if l.bounded != nil {
		ok, n, err := l.bounded.SAddBounded(ctx, key, connID, ceiling)
		if err != nil {
			return l.degraded("bounded add", err)
		}
		adm = Admission{Accepted: ok, Active: n}
	} else {
		if _, err := l.store.SAdd(ctx, key, connID); err != nil {
			return l.degraded("add", err)
		}
		n, err := l.store.SCard(ctx, key)
		switch {
		case err != nil:
			adm = l.degraded("count", err)
			if !adm.Accepted {
				l.revert(ctx, key, connID, &adm)
			}
		case n > ceiling:
			adm = Admission{Accepted: false, Active: n - 1}
			l.revert(ctx, key, connID, &adm)
		default:
			adm = Admission{Accepted: true, Active: n}
		}
	}

	l.refresh(ctx, key, &adm)
	return adm
}

// revert removes a member that was added but not admitted. It gets its own
// deadline since the admission's may already be spent. A failure is recorded
// in adm.Cause unless a cause is already set.
func (l *ConnectionLimiter) revert(ctx context.Context, key, connID string, adm *Admission) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.OpTimeout)
	defer cancel()
	if _, err := l.store.SRem(ctx, key, connID); err != nil && adm.Cause == nil {
		adm.Cause = errors.WrapWithCode(err, errors.ErrCodeStore, "connection revert")
	}
}

func (l *ConnectionLimiter) refresh(ctx context.Context, key string, adm *Admission) {
	if l.config.TTL <= 0 {
		return
	}
	if err := l.store.Expire(ctx, key, l.config.TTL); err != nil && adm.Cause == nil {
		adm.Cause = errors.WrapWithCode(err, errors.ErrCodeStore, "connection ttl")
	}
}

// Remove discards connID from identity's set. Removing a connection that is
// not present is not an error.
func (l *ConnectionLimiter) Remove(ctx context.Context, identity, connID string) error {
	ctx, span := l.config.Tracer.StartDependencySpan(ctx, "store", "release")
	ctx, cancel := context.WithTimeout(ctx, l.config.OpTimeout)
	defer cancel()

	var err error
	if _, serr := l.store.SRem(ctx, connKey(l.config.KeyPrefix, identity), connID); serr != nil {
		err = errors.WrapWithCode(serr, errors.ErrCodeStore, "connection remove", errors.WithIdentity(identity))
	}
	l.config.Tracer.EndDependencySpan(span, false, err)
	return err
}

// Active returns the number of connections identity holds.
func (l *ConnectionLimiter) Active(ctx context.Context, identity string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.OpTimeout)
	defer cancel()

	n, err := l.store.SCard(ctx, connKey(l.config.KeyPrefix, identity))
	if err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrCodeStore, "connection count", errors.WithIdentity(identity))
	}
	return n, nil
}

// degraded applies the fail mode to a store error. A key the store refuses is
// rejected without applying it.
func (l *ConnectionLimiter) degraded(op string, err error) Admission {
	if isKeyError(err) {
		return Admission{Cause: errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "connection "+op)}
	}
	cause := errors.WrapWithCode(err, errors.ErrCodeStore, "connection "+op)
	return Admission{
		Accepted: l.config.FailMode == FailOpen,
		Degraded: true,
		Cause:    cause,
	}
}
