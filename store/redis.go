package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect builds a Redis client from a redis:// (or rediss://) URL or a bare
// host:port and verifies it with PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// boundedAddScript adds ARGV[1] to the set at KEYS[1] unless it already holds
// ARGV[2] members. Returns {added, cardinality}.
var boundedAddScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
	return {1, redis.call("SCARD", KEYS[1])}
end
local n = redis.call("SCARD", KEYS[1])
if n >= tonumber(ARGV[2]) then
	return {0, n}
end
redis.call("SADD", KEYS[1], ARGV[1])
return {1, n + 1}
`)

// RedisStore implements CounterStore, BoundedSetAdder and Cache on Redis.
type RedisStore struct {
	client redis.UniversalClient
	closed atomic.Bool
	owned  bool
}

var (
	_ CounterStore    = (*RedisStore)(nil)
	_ BoundedSetAdder = (*RedisStore)(nil)
	_ Cache           = (*RedisStore)(nil)
)

// NewRedisStore wraps an existing client. Close does not close a client the
// store does not own.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisStore{client: client}, nil
}

// OpenRedisStore connects to redisURL and returns a store owning the client.
func OpenRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, owned: true}, nil
}

// Client exposes the underlying client.
func (s *RedisStore) Client() redis.UniversalClient { return s.client }

func (s *RedisStore) begin(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// mapErr translates Redis replies into store errors.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%s: %w", op, ErrWrongType)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.begin(key); err != nil {
		return err
	}
	return mapErr("zadd", s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, r ScoreRange) (int64, error) {
	if err := s.begin(key); err != nil {
		return 0, err
	}
	lo, hi := r.bounds()
	n, err := s.client.ZRemRangeByScore(ctx, key, lo, hi).Result()
	return n, mapErr("zremrangebyscore", err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := s.begin(key); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, key).Result()
	return n, mapErr("zcard", err)
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) (int64, error) {
	if err := s.begin(key); err != nil {
		return 0, err
	}
	n, err := s.client.SAdd(ctx, key, member).Result()
	return n, mapErr("sadd", err)
}

// SAddBounded runs the check-and-add as one Lua script.
func (s *RedisStore) SAddBounded(ctx context.Context, key, member string, max int64) (bool, int64, error) {
	if err := s.begin(key); err != nil {
		return false, 0, err
	}
	res, err := boundedAddScript.Run(ctx, s.client, []string{key}, member, max).Int64Slice()
	if err != nil {
		return false, 0, mapErr("sadd bounded", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sadd bounded: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

func (s *RedisStore) SRem(ctx context.Context, key, member string) (int64, error) {
	if err := s.begin(key); err != nil {
		return 0, err
	}
	n, err := s.client.SRem(ctx, key, member).Result()
	return n, mapErr("srem", err)
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	if err := s.begin(key); err != nil {
		return 0, err
	}
	n, err := s.client.SCard(ctx, key).Result()
	return n, mapErr("scard", err)
}

// Expire sets a TTL on key. Zero removes the TTL.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.begin(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if ttl == 0 {
		return mapErr("persist", s.client.Persist(ctx, key).Err())
	}
	return mapErr("expire", s.client.Expire(ctx, key, ttl).Err())
}

// Get returns a cached value.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.begin(key); err != nil {
		return nil, err
	}
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, mapErr("get", err)
}

// Set stores a cached value.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.begin(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	return mapErr("set", s.client.Set(ctx, key, value, ttl).Err())
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close marks the store closed and closes an owned client.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.owned {
		return s.client.Close()
	}
	return nil
}
