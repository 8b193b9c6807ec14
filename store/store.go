package store

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
	ErrInvalidTTL = errors.New("invalid TTL")
	ErrWrongType  = errors.New("operation against a key holding the wrong kind of value")
)

// CounterStore is the shared store the limiters keep their counters in.
// Every call is a network round trip on the Redis backend, so callers bound
// each one with a context deadline.
type CounterStore interface {
	// ZAdd adds member to the sorted set at key with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemRangeByScore removes members whose score falls in r.
	// Returns the number removed.
	ZRemRangeByScore(ctx context.Context, key string, r ScoreRange) (int64, error)

	// ZCard returns the sorted set cardinality (0 for a missing key).
	ZCard(ctx context.Context, key string) (int64, error)

	// SAdd adds member to the set at key. Returns 1 if added, 0 if present.
	SAdd(ctx context.Context, key, member string) (int64, error)

	// SRem removes member from the set at key. Returns 1 if removed.
	SRem(ctx context.Context, key, member string) (int64, error)

	// SCard returns the set cardinality (0 for a missing key).
	SCard(ctx context.Context, key string) (int64, error)

	// Expire sets a TTL on key. A missing key is not an error.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases the backend.
	Close() error
}

// BoundedSetAdder is implemented by stores that can add to a set only when
// the set is below a ceiling, as one atomic step.
type BoundedSetAdder interface {
	// SAddBounded adds member unless the set already holds max members.
	// Returns whether member is in the set afterwards and the cardinality.
	// A member already present counts as added.
	SAddBounded(ctx context.Context, key, member string, max int64) (bool, int64, error)
}

// Cache is a byte cache with per-entry TTL.
type Cache interface {
	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ScoreRange is a score interval for ZRemRangeByScore.
type ScoreRange struct {
	Min, Max                   float64
	MinExclusive, MaxExclusive bool
}

// Below is the range of scores strictly less than cutoff.
func Below(cutoff float64) ScoreRange {
	return ScoreRange{Min: math.Inf(-1), Max: cutoff, MaxExclusive: true}
}

// Contains reports whether score falls in r.
func (r ScoreRange) Contains(score float64) bool {
	if r.MinExclusive {
		if score <= r.Min {
			return false
		}
	} else if score < r.Min {
		return false
	}
	if r.MaxExclusive {
		return score < r.Max
	}
	return score <= r.Max
}

// bounds renders r in Redis ZRANGEBYSCORE syntax.
func (r ScoreRange) bounds() (string, string) {
	return formatBound(r.Min, r.MinExclusive), formatBound(r.Max, r.MaxExclusive)
}

func formatBound(v float64, exclusive bool) string {
	var s string
	switch {
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsInf(v, 1):
		return "+inf"
	default:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if exclusive {
		return "(" + s
	}
	return s
}

// Score converts t to a sorted-set score in fractional unix seconds.
func Score(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ValidateKey checks a store key. Keys are binary-safe; only the empty key
// is refused.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks a TTL. Zero means no expiry.
func ValidateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return ErrInvalidTTL
	}
	return nil
}
