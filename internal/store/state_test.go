package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// failingBackend fails every call, standing in for an unreachable Redis.
type failingBackend struct{ calls int }

var errBoom = errors.New("connection refused")

func (f *failingBackend) Get(context.Context, string) (string, error) {
	f.calls++
	return "", &UnavailableError{Op: "get", Err: errBoom}
}
func (f *failingBackend) Set(context.Context, string, string, time.Duration) error {
	f.calls++
	return &UnavailableError{Op: "set", Err: errBoom}
}
func (f *failingBackend) Del(context.Context, ...string) error {
	f.calls++
	return &UnavailableError{Op: "del", Err: errBoom}
}
func (f *failingBackend) HashGet(context.Context, string) (map[string]string, error) {
	f.calls++
	return nil, &UnavailableError{Op: "hgetall", Err: errBoom}
}
func (f *failingBackend) HashSet(context.Context, string, map[string]string) error {
	f.calls++
	return &UnavailableError{Op: "hset", Err: errBoom}
}
func (f *failingBackend) ZAdd(context.Context, string, ...ScoredMember) error {
	f.calls++
	return &UnavailableError{Op: "zadd", Err: errBoom}
}
func (f *failingBackend) ZRangeByScore(context.Context, string, float64, float64) ([]ScoredMember, error) {
	f.calls++
	return nil, &UnavailableError{Op: "zrange", Err: errBoom}
}
func (f *failingBackend) ZRemRangeByScore(context.Context, string, float64, float64) error {
	f.calls++
	return &UnavailableError{Op: "zrem", Err: errBoom}
}

func TestStateStore_StartsPersistent(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), NewMemoryBackend(), time.Second)
	if s.Mode() != ModePersistent {
		t.Fatalf("expected persistent mode, got %s", s.Mode())
	}
}

func TestStateStore_NilPrimaryStartsInFallback(t *testing.T) {
	s := NewFallbackStore()
	if s.Mode() != ModeFallback {
		t.Fatalf("expected fallback mode, got %s", s.Mode())
	}
	ctx := context.Background()
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("expected v, got %q (%v)", got, err)
	}
}

func TestStateStore_NotFoundDoesNotDegrade(t *testing.T) {
	s := NewStateStore(NewMemoryBackend(), NewMemoryBackend(), time.Second)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Mode() != ModePersistent {
		t.Error("a missing key must not flip the store")
	}
}

func TestStateStore_FirstFailureFlipsToFallback(t *testing.T) {
	primary := &failingBackend{}
	fallback := NewMemoryBackend()
	s := NewStateStore(primary, fallback, time.Second)
	ctx := context.Background()

	// The failing call itself is served by the fallback.
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set should be absorbed, got %v", err)
	}
	if s.Mode() != ModeFallback {
		t.Fatalf("expected fallback mode after failure, got %s", s.Mode())
	}
	got, err := fallback.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("fallback should hold the write, got %q (%v)", got, err)
	}

	// One-directional: the primary is never consulted again.
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := s.ZRangeByScore(ctx, "z", 0, 10); err != nil {
		t.Fatalf("zrange: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("expected primary to be called once, got %d", primary.calls)
	}
}

func TestStateStore_UnreachableRedisDegrades(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewStateStore(NewRedisBackend(rdb), NewMemoryBackend(), 500*time.Millisecond)
	ctx := context.Background()

	if err := s.HashSet(ctx, "h", map[string]string{"price": "100"}); err != nil {
		t.Fatalf("hset should be absorbed, got %v", err)
	}
	if s.Mode() != ModeFallback {
		t.Fatalf("expected fallback mode, got %s", s.Mode())
	}
	fields, err := s.HashGet(ctx, "h")
	if err != nil {
		t.Fatalf("hget: %v", err)
	}
	if fields["price"] != "100" {
		t.Errorf("expected price=100, got %v", fields)
	}
}

func TestRedisBackend_ReportsUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	_, err := NewRedisBackend(rdb).Get(context.Background(), "k")
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UnavailableError, got %T %v", err, err)
	}
	if ue.Op != "get" {
		t.Errorf("expected op get, got %s", ue.Op)
	}
}

// ctxBackend honors context cancellation the way go-redis does.
type ctxBackend struct{ *MemoryBackend }

func (b ctxBackend) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return b.MemoryBackend.Get(ctx, key)
}

func TestStateStore_CancelledCallerDoesNotDegrade(t *testing.T) {
	primary := ctxBackend{NewMemoryBackend()}
	if err := primary.Set(context.Background(), "k", "v", 0); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	s := NewStateStore(primary, NewMemoryBackend(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := s.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("expected v from primary, got %q (%v)", got, err)
	}
	if s.Mode() != ModePersistent {
		t.Fatalf("a cancelled caller must not flip the store, got %s", s.Mode())
	}

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	if _, err := s.Get(expired, "k"); err != nil {
		t.Fatalf("get with expired caller deadline: %v", err)
	}
	if s.Mode() != ModePersistent {
		t.Errorf("an expired caller deadline must not flip the store, got %s", s.Mode())
	}
}
