// Package ratelimit enforces per-identity throughput and concurrency ceilings
// on top of a shared counter store.
//
// SlidingWindow limits how many messages an identity may send within a
// rolling window. Each accepted message is recorded as a timestamped member of
// a sorted set; entries older than the window are pruned on every check, so the
// cost is paid only by the identity being checked.
//
// ConnectionLimiter limits how many connections an identity may hold open at
// once. Each live connection is a member of a per-identity set.
//
// Both run against store.CounterStore, so every gateway replica pointed at the
// same Redis shares the same counters. When the store fails, each limiter
// applies its FailMode instead of surfacing the error: FailOpen lets traffic
// through, FailClosed refuses it. Decisions taken that way are marked Degraded.
package ratelimit
