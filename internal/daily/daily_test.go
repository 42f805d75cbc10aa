package daily

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestAdvance_WithinBandStaysActive(t *testing.T) {
	s := Fresh("2025-06-01", d(100))
	price, tripped := s.Advance(d(100), d(110), DefaultFreezeThreshold)
	if tripped || s.Frozen() {
		t.Fatal("a 10% move must not trip the breaker")
	}
	if !price.Equal(d(110)) {
		t.Errorf("expected 110, got %s", price)
	}
	if !s.High.Equal(d(110)) || !s.Low.Equal(d(100)) {
		t.Errorf("unexpected high/low %s/%s", s.High, s.Low)
	}
}

func TestAdvance_UpperBoundaryClampsAndFreezes(t *testing.T) {
	s := Fresh("2025-06-01", d(100))
	price, tripped := s.Advance(d(124), d(127.72), DefaultFreezeThreshold)
	if !tripped || !s.Frozen() {
		t.Fatal("expected the breaker to trip")
	}
	if !price.Equal(d(125)) {
		t.Errorf("expected clamp to 125, got %s", price)
	}
	if !s.High.Equal(d(125)) {
		t.Errorf("expected high 125, got %s", s.High)
	}
}

func TestAdvance_LowerBoundaryClampsAndFreezes(t *testing.T) {
	s := Fresh("2025-06-01", d(80))
	price, tripped := s.Advance(d(61), d(59.5), DefaultFreezeThreshold)
	if !tripped {
		t.Fatal("expected the breaker to trip")
	}
	if !price.Equal(d(60)) {
		t.Errorf("expected clamp to 60, got %s", price)
	}
}

func TestAdvance_ExactThresholdTrips(t *testing.T) {
	s := Fresh("2025-06-01", d(100))
	_, tripped := s.Advance(d(120), d(125), DefaultFreezeThreshold)
	if !tripped {
		t.Error("a move of exactly 25% must trip")
	}
}

func TestAdvance_FrozenHoldsPrice(t *testing.T) {
	s := Fresh("2025-06-01", d(100))
	s.Phase = PhaseFrozen
	price, tripped := s.Advance(d(125), d(130), DefaultFreezeThreshold)
	if tripped {
		t.Error("an already frozen symbol cannot trip again")
	}
	if !price.Equal(d(125)) {
		t.Errorf("frozen price must not move, got %s", price)
	}
}

func TestTracker_LoadInitializesAndPersists(t *testing.T) {
	tr := NewTracker(store.NewFallbackStore())
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

	s, err := tr.Load(ctx, "r/aww", d(85), now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Date != "2025-06-01" || !s.Open.Equal(d(85)) || s.Phase != PhaseActive {
		t.Fatalf("unexpected fresh state: %+v", s)
	}

	s.Phase = PhaseFrozen
	s.High = d(90)
	if err := tr.Save(ctx, "r/aww", s); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, _ := tr.Load(ctx, "r/aww", d(99), now.Add(time.Hour))
	if !again.Frozen() || !again.Open.Equal(d(85)) || !again.High.Equal(d(90)) {
		t.Errorf("expected persisted state, got %+v", again)
	}
}

func TestTracker_RolloverResets(t *testing.T) {
	tr := NewTracker(store.NewFallbackStore())
	ctx := context.Background()
	day1 := time.Date(2025, 6, 1, 23, 58, 0, 0, time.UTC)

	s, _ := tr.Load(ctx, "r/nfl", d(140), day1)
	s.Phase = PhaseFrozen
	tr.Save(ctx, "r/nfl", s)

	next, _ := tr.Load(ctx, "r/nfl", d(175), day1.Add(4*time.Minute))
	if next.Frozen() {
		t.Error("the next calendar day must start ACTIVE")
	}
	if next.Date != "2025-06-02" || !next.Open.Equal(d(175)) {
		t.Errorf("expected fresh state opened at 175, got %+v", next)
	}
}
