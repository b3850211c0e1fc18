// Package store abstracts the shared state backing the broker's pairing
// subsystem: the code registry, session bindings, rate-limit windows,
// liveness keys, pairing history and the cross-instance event channel.
//
// Two implementations exist. RedisStore is the production backend and makes
// every broker instance see the same state. MemoryStore keeps the same
// semantics in process memory and is used when no Redis address is
// configured, and by tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing key. Callers distinguish it from transport
// errors with errors.Is.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared-state surface the pairing subsystem runs on. The
// operations mirror the Redis primitives they map to; MemoryStore emulates
// the same contracts, TTLs included.
//
// All operations are atomic with respect to concurrent callers on the same
// key. Nothing here holds locks across calls; multi-step flows get their
// consistency from conditional writes (HSetNX) and last-write-wins keys.
type Store interface {
	// Set writes a value with an optional TTL (0 means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	// Expire sets a TTL on an existing key; false means the key is gone.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Persist removes a key's TTL; false means the key is gone or had none.
	Persist(ctx context.Context, key string) (bool, error)

	// HSetNX writes a hash field only if it is absent. The bool reports
	// whether this caller won the write. Creates the hash when needed.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns an empty map for a missing key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncrBy atomically adjusts an integer field and returns the new value.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRemRangeByScore removes members with min <= score <= max. Bounds use
	// Redis syntax ("-inf", "(5", "1700000000000").
	ZRemRangeByScore(ctx context.Context, key, min, max string) error
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns an empty slice for a missing key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// LPushTrim prepends a value and trims the list to maxLen in one
	// atomic step, so the list never observably exceeds its cap.
	LPushTrim(ctx context.Context, key string, value []byte, maxLen int64) error
	// LRange returns list entries newest first, empty for a missing key.
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Publish fans a payload out to every subscriber of the channel, on
	// every broker instance sharing the store.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe function. Handlers run on the subscriber's own instance
	// for local MemoryStore, and on each subscribed instance for Redis.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
