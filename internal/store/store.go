// Package store defines the persistence layer for the simulated market.
// Two interchangeable backends implement the same key/value, hash, and
// sorted-set contract: Redis (persistent) and an in-process map (fallback).
// StateStore fronts both and degrades to the fallback on the first
// persistent failure.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// UnavailableError wraps a failure from the persistent backend. StateStore
// absorbs it; callers of StateStore never see it.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ScoredMember is one sorted-set element.
type ScoredMember struct {
	Member string
	Score  float64
}

// Backend is the storage contract shared by RedisBackend and MemoryBackend.
type Backend interface {
	// Get returns the string value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys of any type.
	Del(ctx context.Context, keys ...string) error

	// HashGet returns all fields of the hash at key (empty if absent).
	HashGet(ctx context.Context, key string) (map[string]string, error)

	// HashSet writes the given fields into the hash at key.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// ZAdd inserts members into the sorted set at key. An existing member
	// has its score replaced.
	ZAdd(ctx context.Context, key string, members ...ScoredMember) error

	// ZRangeByScore returns members with min <= score <= max in ascending
	// score order.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)

	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
}

// Namespace prefixes every key the service writes.
const Namespace = "karma-market"

// Key returns suffix under the service namespace.
func Key(suffix string) string {
	return Namespace + ":" + suffix
}
