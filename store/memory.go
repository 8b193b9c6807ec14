package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements CounterStore, BoundedSetAdder and Cache in process.
// Useful for tests and single-replica deployments.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]*entry
	closed atomic.Bool

	nowFunc func() time.Time // for testing

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entryKind int

const (
	kindZSet entryKind = iota
	kindSet
	kindBytes
)

type entry struct {
	kind    entryKind
	zset    map[string]float64
	set     map[string]struct{}
	value   []byte
	expires time.Time // zero means no expiry
}

var (
	_ CounterStore    = (*MemoryStore)(nil)
	_ BoundedSetAdder = (*MemoryStore)(nil)
	_ Cache           = (*MemoryStore)(nil)
)

// NewMemoryStore creates an in-memory store with a background sweep of
// expired keys.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		nowFunc:       time.Now,
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// SetClock replaces the store's time source. Expiry is evaluated against it.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.nowFunc = now
	s.mu.Unlock()
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// lookup returns the live entry at key, dropping it if expired.
// Caller holds s.mu.
func (s *MemoryStore) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.nowFunc()) {
		delete(s.data, key)
		return nil
	}
	return e
}

// getOrCreate returns the entry at key, creating one of kind if missing.
// Caller holds s.mu.
func (s *MemoryStore) getOrCreate(key string, kind entryKind) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		e = &entry{kind: kind}
		switch kind {
		case kindZSet:
			e.zset = make(map[string]float64)
		case kindSet:
			e.set = make(map[string]struct{})
		}
		s.data[key] = e
		return e, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

// existing returns the entry at key if it is of kind; nil if missing.
// Caller holds s.mu.
func (s *MemoryStore) existing(key string, kind entryKind) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

// begin runs the checks every operation starts with.
func (s *MemoryStore) begin(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// ZAdd adds member with score.
func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.begin(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindZSet)
	if err != nil {
		return err
	}
	e.zset[member] = score
	return nil
}

// ZRemRangeByScore removes members whose score falls in r.
func (s *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, r ScoreRange) (int64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.existing(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	var removed int64
	for member, score := range e.zset {
		if r.Contains(score) {
			delete(e.zset, member)
			removed++
		}
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return removed, nil
}

// ZCard returns the sorted set size.
func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.existing(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.zset)), nil
}

// SAdd adds member to the set.
func (s *MemoryStore) SAdd(ctx context.Context, key, member string) (int64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindSet)
	if err != nil {
		return 0, err
	}
	if _, ok := e.set[member]; ok {
		return 0, nil
	}
	e.set[member] = struct{}{}
	return 1, nil
}

// SAddBounded adds member only while the set holds fewer than max members.
func (s *MemoryStore) SAddBounded(ctx context.Context, key, member string, max int64) (bool, int64, error) {
	if err := s.begin(ctx, key); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getOrCreate(key, kindSet)
	if err != nil {
		return false, 0, err
	}
	if _, ok := e.set[member]; ok {
		return true, int64(len(e.set)), nil
	}
	if int64(len(e.set)) >= max {
		if len(e.set) == 0 {
			delete(s.data, key)
		}
		return false, int64(len(e.set)), nil
	}
	e.set[member] = struct{}{}
	return true, int64(len(e.set)), nil
}

// SRem removes member from the set.
func (s *MemoryStore) SRem(ctx context.Context, key, member string) (int64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.existing(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	if _, ok := e.set[member]; !ok {
		return 0, nil
	}
	delete(e.set, member)
	if len(e.set) == 0 {
		delete(s.data, key)
	}
	return 1, nil
}

// SCard returns the set size.
func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	if err := s.begin(ctx, key); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.existing(key, kindSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.set)), nil
}

// Expire sets a TTL on key. Zero clears it.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.begin(ctx, key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return nil
	}
	if ttl == 0 {
		e.expires = time.Time{}
		return nil
	}
	e.expires = s.nowFunc().Add(ttl)
	return nil
}

// TTL returns the remaining time to live for key, or -1 if it has none.
// Returns ErrNotFound if the key does not exist.
func (s *MemoryStore) TTL(key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expires.IsZero() {
		return -1, nil
	}
	return e.expires.Sub(s.nowFunc()), nil
}

// Get returns a cached value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.begin(ctx, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.existing(key, kindBytes)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores a cached value. A zero ttl never expires.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.begin(ctx, key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{kind: kindBytes, value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.nowFunc().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	s.data = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}
