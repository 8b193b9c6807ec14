package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/gatekit/store"
)

// Common errors.
var (
	ErrInvalidRule   = errors.New("invalid rate rule")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNoBoundedAdd  = errors.New("store does not support atomic bounded add")
)

// DefaultKeyPrefix namespaces limiter keys in the shared store.
const DefaultKeyPrefix = "gatekit:"

// FailMode decides what a limiter does when the store cannot answer.
type FailMode int

const (
	// FailOpen allows the operation and marks the decision degraded.
	FailOpen FailMode = iota
	// FailClosed refuses the operation and marks the decision degraded.
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailMode parses "open" or "closed".
func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("%w: unknown fail mode %q", ErrInvalidConfig, s)
	}
}

// UnmarshalText lets FailMode be decoded from configuration files.
func (m *FailMode) UnmarshalText(text []byte) error {
	v, err := ParseFailMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (m FailMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Rule is a sliding-window ceiling: Limit messages per Window, plus Burst
// extra messages of headroom.
type Rule struct {
	Limit  int
	Window time.Duration
	Burst  int
}

// Validate checks the rule.
func (r Rule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidRule)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidRule)
	}
	if r.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative", ErrInvalidRule)
	}
	return nil
}

// Max is the number of messages the window admits.
func (r Rule) Max() int {
	return r.Limit + r.Burst
}

// Decision is the outcome of a rate check.
type Decision struct {
	// Allowed reports whether the message may proceed.
	Allowed bool

	// Remaining is how many more messages the window admits right now.
	Remaining int

	// Degraded is set when the store failed and FailMode decided.
	Degraded bool

	// Cause is the store error behind a degraded decision.
	Cause error
}

// Admission is the outcome of a connection admission attempt.
type Admission struct {
	// Accepted reports whether the connection may proceed.
	Accepted bool

	// Active is the identity's connection count after the attempt.
	Active int64

	// Degraded is set when the store failed and FailMode decided.
	Degraded bool

	// Cause is the store error behind a degraded admission, or a failed
	// cleanup after a rejection.
	Cause error
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultKeyPrefix
	}
	return prefix
}

// isKeyError reports a key the store refuses. Fail modes do not apply to it.
func isKeyError(err error) bool {
	return errors.Is(err, store.ErrInvalidKey)
}

func rateKey(prefix, identity string) string {
	return prefix + "rate:" + identity
}

func connKey(prefix, identity string) string {
	return prefix + "conns:" + identity
}
