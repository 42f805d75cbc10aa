package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/market-sim/internal/metrics"
)

// Mode selects which backend a StateStore serves from.
type Mode int32

const (
	// ModePersistent serves every call from the persistent backend.
	ModePersistent Mode = iota
	// ModeFallback serves every call from the in-process backend.
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "persistent"
}

// DefaultOpTimeout bounds each persistent-backend call.
const DefaultOpTimeout = 2 * time.Second

// StateStore is the uniform get/set/range facade used by the rest of the
// service. The first failure from the persistent backend flips the store
// into ModeFallback for the rest of the process lifetime; the failed call
// and every later call are served by the in-process backend. The flip is
// one-directional.
type StateStore struct {
	primary  Backend
	fallback Backend
	timeout  time.Duration

	mode     atomic.Int32
	flipOnce sync.Once
}

// NewStateStore creates a store that starts on primary. A nil primary
// starts the store in ModeFallback.
func NewStateStore(primary, fallback Backend, timeout time.Duration) *StateStore {
	if fallback == nil {
		fallback = NewMemoryBackend()
	}
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	s := &StateStore{primary: primary, fallback: fallback, timeout: timeout}
	if primary == nil {
		s.mode.Store(int32(ModeFallback))
		metrics.StoreFallback.Set(1)
	}
	return s
}

// NewFallbackStore creates a store forced into ModeFallback on a fresh
// in-memory backend.
func NewFallbackStore() *StateStore {
	return NewStateStore(nil, NewMemoryBackend(), 0)
}

// Mode reports the current mode.
func (s *StateStore) Mode() Mode {
	return Mode(s.mode.Load())
}

// Degrade flips the store into ModeFallback. Only the first call logs.
func (s *StateStore) Degrade(cause error) {
	s.flipOnce.Do(func() {
		s.mode.Store(int32(ModeFallback))
		metrics.StoreFallback.Set(1)
		slog.Warn("persistent store unavailable, using in-memory store (data resets on restart)",
			"err", cause,
		)
	})
}

// run executes fn against the active backend, degrading on the first
// persistent failure and retrying the same call on the fallback. Persistent
// calls are bounded by the store's own timeout only; a caller that cancels
// or times out must not be mistaken for a backend failure.
func run[T any](ctx context.Context, s *StateStore, op string, fn func(context.Context, Backend) (T, error)) (T, error) {
	if s.Mode() == ModePersistent {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		v, err := fn(cctx, s.primary)
		cancel()
		if err == nil || errors.Is(err, ErrNotFound) {
			return v, err
		}
		metrics.StoreFailures.WithLabelValues(op).Inc()
		s.Degrade(err)
	}
	return fn(ctx, s.fallback)
}

func (s *StateStore) Get(ctx context.Context, key string) (string, error) {
	return run(ctx, s, "get", func(ctx context.Context, b Backend) (string, error) {
		return b.Get(ctx, key)
	})
}

func (s *StateStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := run(ctx, s, "set", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.Set(ctx, key, value, ttl)
	})
	return err
}

func (s *StateStore) Del(ctx context.Context, keys ...string) error {
	_, err := run(ctx, s, "del", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.Del(ctx, keys...)
	})
	return err
}

func (s *StateStore) HashGet(ctx context.Context, key string) (map[string]string, error) {
	return run(ctx, s, "hget", func(ctx context.Context, b Backend) (map[string]string, error) {
		return b.HashGet(ctx, key)
	})
}

func (s *StateStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	_, err := run(ctx, s, "hset", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.HashSet(ctx, key, fields)
	})
	return err
}

func (s *StateStore) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	_, err := run(ctx, s, "zadd", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.ZAdd(ctx, key, members...)
	})
	return err
}

func (s *StateStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	return run(ctx, s, "zrange", func(ctx context.Context, b Backend) ([]ScoredMember, error) {
		return b.ZRangeByScore(ctx, key, min, max)
	})
}

func (s *StateStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	_, err := run(ctx, s, "zrem", func(ctx context.Context, b Backend) (struct{}, error) {
		return struct{}{}, b.ZRemRangeByScore(ctx, key, min, max)
	})
	return err
}
