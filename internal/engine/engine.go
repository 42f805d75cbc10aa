// Package engine runs the periodic price simulation: each tick blends
// synthetic activity with net order flow into a bounded per-symbol move,
// applies the daily circuit breaker, and republishes the quote board.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/atmx/market-sim/internal/daily"
	"github.com/atmx/market-sim/internal/leaderboard"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/realtime"
	"github.com/atmx/market-sim/internal/series"
)

const day = 24 * time.Hour

// Config holds the engine's tuning constants.
type Config struct {
	TickInterval         time.Duration
	FlowWindow           time.Duration
	SampleRetention      time.Duration
	HistoryRetention     time.Duration
	ActivityWeight       float64
	FlowWeight           float64
	VolatilityTarget     float64
	MaxChangePerTick     float64
	FreezeThreshold      float64
	LeaderboardThreshold float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval:         2 * time.Minute,
		FlowWindow:           15 * time.Minute,
		SampleRetention:      series.DefaultRetention,
		HistoryRetention:     7 * day,
		ActivityWeight:       0.6,
		FlowWeight:           0.4,
		VolatilityTarget:     0.01,
		MaxChangePerTick:     0.03,
		FreezeThreshold:      daily.DefaultFreezeThreshold,
		LeaderboardThreshold: 0.05,
	}
}

// Result is the outcome of one tick.
type Result struct {
	Quotes             []model.Quote      `json:"quotes"`
	Spotlight          []string           `json:"spotlight"`
	Deltas             map[string]float64 `json:"-"`
	Failed             []string           `json:"-"`
	LeaderboardUpdated bool               `json:"-"`
}

// Snapshot returns the quote board part of the result.
func (r Result) Snapshot() model.PricesSnapshot {
	return model.PricesSnapshot{Quotes: r.Quotes, Spotlight: r.Spotlight}
}

// Engine advances simulated prices.
type Engine struct {
	cfg      Config
	repo     *market.Repository
	samples  *series.Store
	days     *daily.Tracker
	board    *leaderboard.Service
	notifier realtime.Notifier
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	// tickMu serializes ticks from the scheduler and the manual trigger.
	tickMu sync.Mutex
}

// New creates an engine. A nil notifier discards events.
func New(cfg Config, repo *market.Repository, samples *series.Store, days *daily.Tracker, board *leaderboard.Service, notifier realtime.Notifier) *Engine {
	if notifier == nil {
		notifier = realtime.Discard{}
	}
	return &Engine{
		cfg:      cfg,
		repo:     repo,
		samples:  samples,
		days:     days,
		board:    board,
		notifier: notifier,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetRand replaces the noise source, for reproducible runs.
func (e *Engine) SetRand(r *rand.Rand) {
	e.rngMu.Lock()
	e.rng = r
	e.rngMu.Unlock()
}

// Config returns the engine's tuning.
func (e *Engine) Config() Config { return e.cfg }

// Tick updates every symbol once, persists the spotlight, and broadcasts
// the new board. A failing symbol keeps its previous quote and does not
// stop the others.
func (e *Engine) Tick(ctx context.Context) (Result, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	if err := e.repo.EnsureSeeded(ctx); err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("tick: %w", err)
	}
	quotes, err := e.repo.LoadQuotes(ctx)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("tick: %w", err)
	}

	now := e.now().UTC()
	res := Result{
		Quotes: make([]model.Quote, 0, len(quotes)),
		Deltas: make(map[string]float64, len(quotes)),
	}
	trigger := false

	for _, q := range quotes {
		updated, delta, err := e.safeUpdate(ctx, q, now)
		if err != nil {
			metrics.SymbolFailures.WithLabelValues(q.Symbol).Inc()
			slog.Error("symbol update failed", "symbol", q.Symbol, "err", err)
			res.Failed = append(res.Failed, q.Symbol)
			res.Quotes = append(res.Quotes, q)
			continue
		}
		res.Quotes = append(res.Quotes, updated)
		res.Deltas[q.Symbol] = delta
		if math.Abs(delta) >= e.cfg.LeaderboardThreshold {
			trigger = true
		}
	}

	res.Spotlight = leaderboard.SelectSpotlight(res.Quotes, leaderboard.SpotlightSize)
	if err := e.repo.SaveSpotlight(ctx, res.Spotlight); err != nil {
		slog.Error("persist spotlight failed", "err", err)
	}
	e.notifier.Notify(ctx, realtime.EventPrice, res.Snapshot())

	if trigger {
		entries, err := e.board.Recompute(ctx)
		if err != nil {
			slog.Error("leaderboard recompute failed", "err", err)
		} else {
			res.LeaderboardUpdated = true
			e.notifier.Notify(ctx, realtime.EventLeaderboard, realtime.LeaderboardPayload{Entries: entries})
		}
	}

	result := "ok"
	if len(res.Failed) > 0 {
		result = "partial"
	}
	metrics.TicksTotal.WithLabelValues(result).Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	slog.Info("price tick complete",
		"symbols", len(res.Quotes),
		"failed", len(res.Failed),
		"leaderboard", res.LeaderboardUpdated,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) safeUpdate(ctx context.Context, q model.Quote, now time.Time) (updated model.Quote, delta float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.UpdateSymbol(ctx, q, now)
}

// UpdateSymbol advances one quote to now and persists it. It returns the
// updated quote and the realized fractional move.
func (e *Engine) UpdateSymbol(ctx context.Context, q model.Quote, now time.Time) (model.Quote, float64, error) {
	sym := q.Symbol
	retentionStart := now.Add(-e.cfg.SampleRetention)

	flow, err := e.samples.Query(ctx, sym, series.ClassFlow, now.Add(-e.cfg.FlowWindow), now)
	if err != nil {
		return q, 0, err
	}
	netFlow := series.Sum(flow)
	if err := e.samples.Append(ctx, sym, series.ClassFlowAggregate, netFlow, now); err != nil {
		return q, 0, err
	}
	flowHistory, err := e.samples.Query(ctx, sym, series.ClassFlowAggregate, retentionStart, now)
	if err != nil {
		return q, 0, err
	}
	flowZ := zScore(netFlow, series.Values(flowHistory))

	activityHistory, err := e.samples.Query(ctx, sym, series.ClassActivity, retentionStart, now)
	if err != nil {
		return q, 0, err
	}
	prevPrice, _ := q.Price.Float64()
	activity := e.activitySample(activityHistory, netFlow, prevPrice)
	if err := e.samples.Append(ctx, sym, series.ClassActivity, activity, now); err != nil {
		return q, 0, err
	}
	activityHistory = append(activityHistory, series.Sample{Timestamp: now, Value: activity})
	activityZ := zScore(activity, series.Values(activityHistory))

	blended := e.cfg.ActivityWeight*activityZ + e.cfg.FlowWeight*flowZ
	delta := clamp(math.Tanh(blended)*e.cfg.VolatilityTarget, -e.cfg.MaxChangePerTick, e.cfg.MaxChangePerTick)

	state, err := e.days.Load(ctx, sym, q.Price, now)
	if err != nil {
		return q, 0, err
	}
	if state.Frozen() {
		delta = 0
	}

	candidate := model.Round2(q.Price.Mul(decimal.NewFromFloat(1 + delta)))
	if candidate.LessThan(decimal.NewFromInt(1)) {
		candidate = decimal.NewFromInt(1)
	}
	newPrice, tripped := state.Advance(q.Price, candidate, e.cfg.FreezeThreshold)
	if tripped {
		metrics.Freezes.WithLabelValues(sym).Inc()
		slog.Warn("circuit breaker tripped", "symbol", sym, "open", state.Open.String(), "price", newPrice.String())
	}
	// Report the move that happened after rounding, the floor and the breaker.
	if q.Price.IsPositive() {
		delta, _ = newPrice.Div(q.Price).Sub(decimal.NewFromInt(1)).Float64()
	}
	if err := e.days.Save(ctx, sym, state); err != nil {
		return q, 0, err
	}

	updated := e.rollHistory(q, newPrice, now)
	if err := e.repo.SaveQuote(ctx, updated); err != nil {
		return q, 0, err
	}
	price, _ := newPrice.Float64()
	metrics.QuotePrice.WithLabelValues(sym).Set(price)
	return updated, delta, nil
}

// rollHistory appends the new point, drops points beyond the history
// retention, and derives the 24h statistics.
func (e *Engine) rollHistory(q model.Quote, price decimal.Decimal, now time.Time) model.Quote {
	historyCutoff := now.Add(-e.cfg.HistoryRetention)
	dayCutoff := now.Add(-day)

	history := make([]model.QuotePoint, 0, len(q.History)+1)
	for _, p := range q.History {
		if !p.Timestamp.Before(historyCutoff) {
			history = append(history, p)
		}
	}
	history = append(history, model.QuotePoint{Timestamp: now, Price: price})

	open, high, low := price, price, price
	found := false
	for _, p := range history {
		if p.Timestamp.Before(dayCutoff) {
			continue
		}
		if !found {
			open = p.Price
			found = true
		}
		high = decimal.Max(high, p.Price)
		low = decimal.Min(low, p.Price)
	}

	change := decimal.Zero
	if open.IsPositive() {
		change = price.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(1)
	}

	q.Price = price
	q.ChangePercent = change
	q.DailyHigh = model.Round2(high)
	q.DailyLow = model.Round2(low)
	q.History = history
	return q
}

// activitySample draws the next synthetic activity level. The baseline is
// the latest recorded level, or a price-derived floor when none exists.
func (e *Engine) activitySample(history []series.Sample, netFlow, price float64) float64 {
	baseline := math.Max(15, price/3)
	if n := len(history); n > 0 {
		baseline = history[n-1].Value
	}
	drift := baseline * 0.15

	e.rngMu.Lock()
	noise := e.rng.Float64()*2*drift - drift
	e.rngMu.Unlock()

	v := baseline*0.6 + math.Abs(netFlow)*1.8 + noise + 25
	return math.Max(5, math.Round(v))
}

// zScore standardizes v against values using the sample standard
// deviation. Degenerate inputs yield 0.
func zScore(v float64, values []float64) float64 {
	if len(values) < 2 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	mean := stat.Mean(values, nil)
	sd := stat.StdDev(values, nil)
	if sd == 0 || math.IsNaN(sd) || math.IsNaN(mean) || math.IsInf(mean, 0) {
		return 0
	}
	return (v - mean) / sd
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
