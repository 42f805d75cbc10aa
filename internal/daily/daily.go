// Package daily tracks per-symbol open/high/low and the circuit-breaker
// phase for the current calendar day (UTC).
//
// A symbol is ACTIVE until its price moves the freeze threshold away from
// the day's open; it is then FROZEN and its price does not move again until
// the date rolls over. Rollover is lazy: Load returns a fresh state seeded
// from the current price when the stored date is not today.
package daily

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/store"
)

// Phase is the circuit-breaker state of a symbol for one calendar day.
type Phase string

const (
	PhaseActive Phase = "ACTIVE"
	PhaseFrozen Phase = "FROZEN"
)

// DefaultFreezeThreshold is the absolute daily move that freezes a symbol.
const DefaultFreezeThreshold = 0.25

var one = decimal.NewFromInt(1)

// State is one symbol's day.
type State struct {
	Date  string          `json:"date"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Phase Phase           `json:"phase"`
}

// DateKey returns the calendar-day key for t.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Fresh returns an ACTIVE state opened at price.
func Fresh(date string, price decimal.Decimal) State {
	return State{Date: date, Open: price, High: price, Low: price, Phase: PhaseActive}
}

// Frozen reports whether the symbol is halted for the day.
func (s *State) Frozen() bool {
	return s.Phase == PhaseFrozen
}

// Advance settles a tick. prev is the price before the tick and candidate
// the engine's proposed price. A frozen symbol keeps prev. An active symbol
// whose move from the open reaches threshold transitions to FROZEN with
// its price clamped to exactly open*(1±threshold). High and low are updated
// with the settled price. It reports whether this call tripped the breaker.
func (s *State) Advance(prev, candidate decimal.Decimal, threshold float64) (decimal.Decimal, bool) {
	price := candidate
	tripped := false

	switch s.Phase {
	case PhaseFrozen:
		price = prev
	default:
		if s.Open.IsPositive() {
			change, _ := candidate.Sub(s.Open).Div(s.Open).Float64()
			limit := decimal.NewFromFloat(threshold)
			if change >= threshold {
				price = model.Round2(s.Open.Mul(one.Add(limit)))
				tripped = true
			} else if change <= -threshold {
				price = model.Round2(s.Open.Mul(one.Sub(limit)))
				tripped = true
			}
			if tripped {
				s.Phase = PhaseFrozen
			}
		}
	}

	if price.GreaterThan(s.High) {
		s.High = price
	}
	if price.LessThan(s.Low) {
		s.Low = price
	}
	return price, tripped
}

// Tracker persists daily state in the state store.
type Tracker struct {
	kv *store.StateStore
}

// NewTracker creates a tracker.
func NewTracker(kv *store.StateStore) *Tracker {
	return &Tracker{kv: kv}
}

// Key returns the storage key for a symbol's daily state.
func Key(symbol string) string {
	return store.Key("daily:" + symbol)
}

// Load returns the symbol's state for the day containing now, creating and
// persisting a fresh one opened at currentPrice when none exists, the
// stored record is unreadable, or the stored date is stale.
func (t *Tracker) Load(ctx context.Context, symbol string, currentPrice decimal.Decimal, now time.Time) (State, error) {
	today := DateKey(now)

	raw, err := t.kv.Get(ctx, Key(symbol))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return State{}, fmt.Errorf("load daily state for %s: %w", symbol, err)
	}
	if err == nil {
		var s State
		if json.Unmarshal([]byte(raw), &s) == nil && s.Date == today {
			if s.Phase == "" {
				s.Phase = PhaseActive
			}
			return s, nil
		}
	}

	fresh := Fresh(today, currentPrice)
	if err := t.Save(ctx, symbol, fresh); err != nil {
		return State{}, err
	}
	return fresh, nil
}

// Save persists the state.
func (t *Tracker) Save(ctx context.Context, symbol string, s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode daily state for %s: %w", symbol, err)
	}
	if err := t.kv.Set(ctx, Key(symbol), string(data), 0); err != nil {
		return fmt.Errorf("save daily state for %s: %w", symbol, err)
	}
	return nil
}
