// Package store provides the shared counter store the limiters run on.
//
// The CounterStore contract is the small set of sorted-set and set primitives
// the sliding window and connection admission limiters need (ZADD,
// ZREMRANGEBYSCORE, ZCARD, SADD, SREM, SCARD, EXPIRE). Two backends ship:
//
//   - RedisStore: the production backend, shared by every gateway replica.
//   - MemoryStore: single-process backend for tests and local runs.
//
// Both also implement Cache, a byte cache with TTL used to hold identity
// lookups. NATSCache offers the same Cache contract over a JetStream KV bucket
// for deployments that already run NATS and not Redis.
package store
