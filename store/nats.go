package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSCache implements Cache on a JetStream KV bucket.
//
// JetStream applies TTL per bucket, so the ttl passed to Set is ignored and
// every entry lives for the bucket's TTL.
type NATSCache struct {
	kv     jetstream.KeyValue
	config NATSCacheConfig
	closed atomic.Bool
}

var _ Cache = (*NATSCache)(nil)

// NATSCacheConfig holds NATS KV cache configuration.
type NATSCacheConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	// Default: "gatekit-cache"
	Bucket string

	// TTL applies to every entry in the bucket.
	// Default: 5m
	TTL time.Duration

	// MaxValueSize is the maximum value size in bytes.
	// Default: 64KB
	MaxValueSize int32
}

// DefaultNATSCacheConfig returns configuration with sensible defaults.
func DefaultNATSCacheConfig() NATSCacheConfig {
	return NATSCacheConfig{
		Bucket:       "gatekit-cache",
		TTL:          5 * time.Minute,
		MaxValueSize: 64 * 1024,
	}
}

// NewNATSCache creates (or binds to) the KV bucket.
func NewNATSCache(ctx context.Context, cfg NATSCacheConfig) (*NATSCache, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSCacheConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      1,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSCache{kv: kv, config: cfg}, nil
}

// kvKey maps a store key onto the KV key alphabet ([-/_=.A-Za-z0-9], no
// empty tokens). A ':' between two other bytes becomes the '.' separator;
// every other byte outside the alphabet, '=' and '.' included, is written
// as =XX. The mapping is injective.
func kvKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == ':' && i > 0 && i < len(key)-1 && key[i-1] != ':' && key[i+1] != ':':
			b.WriteByte('.')
		case kvSafe(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "=%02X", c)
		}
	}
	return b.String()
}

func kvSafe(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == '/'
}

// Get returns a cached value.
func (c *NATSCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	entry, err := c.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), nil
}

// Set stores a cached value under the bucket TTL.
func (c *NATSCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Close marks the cache closed. The connection belongs to the caller.
func (c *NATSCache) Close() error {
	c.closed.Store(true)
	return nil
}
