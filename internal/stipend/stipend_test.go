package stipend

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/store"
)

type stubSource struct {
	score float64
	found bool
	err   error
	calls int
}

func (s *stubSource) Reputation(context.Context, string) (float64, bool, error) {
	s.calls++
	return s.score, s.found, s.err
}

func TestCompute_Clamped(t *testing.T) {
	svc := NewService(store.NewFallbackStore(), nil, Config{})

	cases := []struct {
		rep  float64
		want int64
	}{
		{0, 1000},
		{-500, 1000},
		{2000, 2000},
		{3001, 2501},
		{50000, 10000},
	}
	for _, c := range cases {
		if got := svc.Compute(c.rep); !got.Equal(decimal.NewFromInt(c.want)) {
			t.Errorf("Compute(%v) = %s, want %d", c.rep, got, c.want)
		}
	}
}

func TestGetStipend_UsesAndCachesSource(t *testing.T) {
	src := &stubSource{score: 4000, found: true}
	svc := NewService(store.NewFallbackStore(), src, Config{})
	ctx := context.Background()

	r := svc.GetStipend(ctx, "  QuantWhale ")
	if !r.Stipend.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected 3000, got %s", r.Stipend)
	}
	if r.ReputationScore == nil || *r.ReputationScore != 4000 {
		t.Fatalf("expected reputation 4000, got %v", r.ReputationScore)
	}

	svc.GetStipend(ctx, "quantwhale")
	if src.calls != 1 {
		t.Errorf("second lookup should hit the cache, source called %d times", src.calls)
	}
}

func TestGetStipend_FailureFallsBackToBaseline(t *testing.T) {
	src := &stubSource{err: errors.New("identity service down")}
	svc := NewService(store.NewFallbackStore(), src, Config{})

	r := svc.GetStipend(context.Background(), "someone")
	if !r.Stipend.Equal(decimal.NewFromInt(DefaultBaseline)) {
		t.Errorf("expected baseline stipend, got %s", r.Stipend)
	}
	if r.ReputationScore != nil {
		t.Errorf("expected nil reputation, got %v", *r.ReputationScore)
	}
}

func TestGetStipend_EmptyName(t *testing.T) {
	src := &stubSource{score: 9000, found: true}
	svc := NewService(store.NewFallbackStore(), src, Config{})

	r := svc.GetStipend(context.Background(), "   ")
	if !r.Stipend.Equal(decimal.NewFromInt(DefaultBaseline)) || src.calls != 0 {
		t.Errorf("empty names must not reach the source")
	}
}

func TestMockSource_Deterministic(t *testing.T) {
	var m MockSource
	a, b := m.Score("pixelwhale"), m.Score("PixelWhale")
	if a != b {
		t.Errorf("score should ignore case: %v vs %v", a, b)
	}
	if a < 500 || a >= 6500 {
		t.Errorf("score out of range: %v", a)
	}
}
