package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/atmx/market-sim/internal/daily"
	"github.com/atmx/market-sim/internal/leaderboard"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/realtime"
	"github.com/atmx/market-sim/internal/seed"
	"github.com/atmx/market-sim/internal/series"
	"github.com/atmx/market-sim/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []realtime.EventType
}

func (n *recordingNotifier) Notify(_ context.Context, event realtime.EventType, _ any) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

// midSource makes rand.Float64 return exactly 0.5, which zeroes the
// activity noise.
type midSource struct{}

func (midSource) Int63() int64 { return 1 << 62 }
func (midSource) Seed(int64)   {}

type fixture struct {
	repo     *market.Repository
	samples  *series.Store
	days     *daily.Tracker
	engine   *Engine
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(start time.Time, src rand.Source) (*fixture, error) {
	return newFixtureOn(store.NewFallbackStore(), start, src)
}

func newFixtureOn(kv *store.StateStore, start time.Time, src rand.Source) (*fixture, error) {
	samples := series.New(kv, series.DefaultRetention)
	days := daily.NewTracker(kv)
	repo := market.NewRepository(kv, samples, days)
	f := &fixture{repo: repo, samples: samples, days: days, notifier: &recordingNotifier{}, now: start}

	clock := func() time.Time { return f.now }
	repo.SetClock(clock)
	if err := repo.EnsureSeeded(context.Background()); err != nil {
		return nil, err
	}

	f.engine = New(DefaultConfig(), repo, samples, days, leaderboard.NewService(repo), f.notifier)
	f.engine.SetClock(clock)
	f.engine.SetRand(rand.New(src))
	return f, nil
}

func mustFixture(t *testing.T, start time.Time, src rand.Source) *fixture {
	t.Helper()
	f, err := newFixture(start, src)
	require.NoError(t, err)
	return f
}

func TestZScore_Degenerate(t *testing.T) {
	assert.Equal(t, 0.0, zScore(5, nil))
	assert.Equal(t, 0.0, zScore(5, []float64{5}))
	assert.Equal(t, 0.0, zScore(5, []float64{3, 3, 3}))
	assert.InDelta(t, 1.0, zScore(3, []float64{1, 2, 3}), 1e-9)
}

func TestTick_PublishesBoardAndSpotlight(t *testing.T) {
	f := mustFixture(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), rand.NewSource(7))

	res, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Quotes, len(seed.Symbols()))
	assert.Len(t, res.Spotlight, leaderboard.SpotlightSize)
	assert.Empty(t, res.Failed)
	assert.Contains(t, f.notifier.events, realtime.EventPrice)

	stored, err := f.repo.LoadSpotlight(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, res.Spotlight, stored)

	for _, q := range res.Quotes {
		last := q.History[len(q.History)-1]
		assert.True(t, last.Timestamp.Equal(f.now), "%s: last point should be the tick", q.Symbol)
		assert.True(t, last.Price.Equal(q.Price), "%s: last point should carry the new price", q.Symbol)
		assert.True(t, q.DailyHigh.GreaterThanOrEqual(q.Price))
		assert.True(t, q.DailyLow.LessThanOrEqual(q.Price))
	}
}

func TestTick_FreezeHoldsUntilNextDay(t *testing.T) {
	ctx := context.Background()
	f := mustFixture(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), rand.NewSource(11))
	sym := seed.Symbols()[0]

	q, ok, err := f.repo.LoadQuote(ctx, sym)
	require.NoError(t, err)
	require.True(t, ok)

	// The price already sits 30% above today's open, so any move trips.
	open := q.Price.Div(decimal.NewFromFloat(1.3)).Round(2)
	st := daily.Fresh(daily.DateKey(f.now), open)
	require.NoError(t, f.days.Save(ctx, sym, st))

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)

	capped := model.Round2(open.Mul(decimal.NewFromFloat(1.25)))
	q1, _, err := f.repo.LoadQuote(ctx, sym)
	require.NoError(t, err)
	assert.True(t, q1.Price.Equal(capped), "expected clamp to %s, got %s", capped, q1.Price)

	st, err = f.days.Load(ctx, sym, q1.Price, f.now)
	require.NoError(t, err)
	assert.Equal(t, daily.PhaseFrozen, st.Phase)

	// Same day: price stays put regardless of flow.
	f.now = f.now.Add(2 * time.Minute)
	require.NoError(t, f.samples.Append(ctx, sym, series.ClassFlow, 5000, f.now))
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	q2, _, err := f.repo.LoadQuote(ctx, sym)
	require.NoError(t, err)
	assert.True(t, q2.Price.Equal(q1.Price), "frozen symbol moved: %s -> %s", q1.Price, q2.Price)

	// Next day: fresh active state opened at the carried price.
	f.now = time.Date(2026, 3, 3, 0, 1, 0, 0, time.UTC)
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	st, err = f.days.Load(ctx, sym, decimal.Zero, f.now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", st.Date)
	assert.True(t, st.Open.Equal(q2.Price))
	assert.Equal(t, daily.PhaseActive, st.Phase)
}

func TestTick_PerTickBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		seedVal := rapid.Int64().Draw(rt, "seed")
		ticks := rapid.IntRange(1, 25).Draw(rt, "ticks")

		f, err := newFixture(time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC), rand.NewSource(seedVal))
		if err != nil {
			rt.Fatalf("fixture: %v", err)
		}
		symbols := seed.Symbols()
		upper := decimal.NewFromFloat(1.25)
		lower := decimal.NewFromFloat(0.75)
		maxMove := decimal.NewFromFloat(f.engine.Config().MaxChangePerTick)
		slack := decimal.NewFromFloat(0.005)

		for i := 0; i < ticks; i++ {
			f.now = f.now.Add(2 * time.Minute)
			flowSym := symbols[rapid.IntRange(0, len(symbols)-1).Draw(rt, "flowSymbol")]
			flow := rapid.Float64Range(-2000, 2000).Draw(rt, "flow")
			if err := f.samples.Append(ctx, flowSym, series.ClassFlow, flow, f.now); err != nil {
				rt.Fatalf("append flow: %v", err)
			}

			before, err := f.repo.LoadQuotes(ctx)
			if err != nil {
				rt.Fatalf("load quotes: %v", err)
			}
			opens := make(map[string]decimal.Decimal, len(before))
			for _, q := range before {
				st, err := f.days.Load(ctx, q.Symbol, q.Price, f.now)
				if err != nil {
					rt.Fatalf("load daily: %v", err)
				}
				opens[q.Symbol] = st.Open
			}

			res, err := f.engine.Tick(ctx)
			if err != nil {
				rt.Fatalf("tick: %v", err)
			}
			for j, q := range res.Quotes {
				prev := before[j].Price
				if q.Price.LessThan(decimal.NewFromInt(1)) {
					rt.Fatalf("%s: price %s below floor", q.Symbol, q.Price)
				}
				withinTick := q.Price.Sub(prev).Abs().LessThanOrEqual(prev.Mul(maxMove).Add(slack))
				open := opens[q.Symbol]
				atBreaker := q.Price.Equal(model.Round2(open.Mul(upper))) || q.Price.Equal(model.Round2(open.Mul(lower)))
				if !withinTick && !atBreaker {
					rt.Fatalf("%s: move %s -> %s exceeds per-tick bound (open %s)", q.Symbol, prev, q.Price, open)
				}
			}
		}
	})
}

func TestUpdateSymbol_ZeroFlowLowNoiseNeverFreezes(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	f := mustFixture(t, start, midSource{})
	sym := seed.Symbols()[0]

	// A settled activity history around the process's steady state.
	for i := 500; i > 0; i-- {
		v := 55.0
		if i%2 == 0 {
			v = 70
		}
		require.NoError(t, f.samples.Append(ctx, sym, series.ClassActivity, v, start.Add(-time.Duration(i)*10*time.Minute)))
	}

	q, ok, err := f.repo.LoadQuote(ctx, sym)
	require.NoError(t, err)
	require.True(t, ok)

	now := start
	for i := 0; i < 200; i++ {
		now = now.Add(2 * time.Minute)
		q, _, err = f.engine.UpdateSymbol(ctx, q, now)
		require.NoError(t, err)

		st, err := f.days.Load(ctx, sym, q.Price, now)
		require.NoError(t, err)
		require.False(t, st.Frozen(), "tick %d froze at %s (open %s)", i, q.Price, st.Open)
	}
}

// faultyBackend fails or panics on sample writes for chosen keys once armed.
type faultyBackend struct {
	*store.MemoryBackend
	armed    atomic.Bool
	failKey  string
	panicKey string
}

func (b *faultyBackend) ZAdd(ctx context.Context, key string, members ...store.ScoredMember) error {
	if b.armed.Load() {
		switch key {
		case b.failKey:
			return errors.New("disk full")
		case b.panicKey:
			panic("corrupt sorted set")
		}
	}
	return b.MemoryBackend.ZAdd(ctx, key, members...)
}

func TestTick_IsolatesFailingSymbols(t *testing.T) {
	ctx := context.Background()
	symbols := seed.Symbols()
	broken, panicky := symbols[1], symbols[2]

	backend := &faultyBackend{
		MemoryBackend: store.NewMemoryBackend(),
		failKey:       series.Key(broken, series.ClassFlowAggregate),
		panicKey:      series.Key(panicky, series.ClassFlowAggregate),
	}
	f, err := newFixtureOn(store.NewStateStore(nil, backend, 0), time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), rand.NewSource(3))
	require.NoError(t, err)

	before, err := f.repo.LoadQuotes(ctx)
	require.NoError(t, err)
	backend.armed.Store(true)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{broken, panicky}, res.Failed)
	require.Len(t, res.Quotes, len(symbols))

	for i, q := range res.Quotes {
		switch q.Symbol {
		case broken, panicky:
			assert.True(t, q.Price.Equal(before[i].Price), "%s: failed symbol keeps its quote", q.Symbol)
			assert.NotContains(t, res.Deltas, q.Symbol)
		default:
			assert.Contains(t, res.Deltas, q.Symbol)
			last := q.History[len(q.History)-1]
			assert.True(t, last.Timestamp.Equal(f.now), "%s: healthy symbol should advance", q.Symbol)

			stored, _, err := f.repo.LoadQuote(ctx, q.Symbol)
			require.NoError(t, err)
			assert.True(t, stored.Price.Equal(q.Price), "%s: healthy symbol should be persisted", q.Symbol)
		}
	}
}

func TestUpdateSymbol_FloorReportsRealizedMove(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	f := mustFixture(t, start, midSource{})
	sym := seed.Symbols()[0]

	// Activity far above the next draw pushes the tentative move to about -1%.
	for i := 500; i > 0; i-- {
		v := 1000.0
		if i%2 == 0 {
			v = 1100
		}
		require.NoError(t, f.samples.Append(ctx, sym, series.ClassActivity, v, start.Add(-time.Duration(i)*10*time.Minute)))
	}
	require.NoError(t, f.days.Save(ctx, sym, daily.Fresh(daily.DateKey(start), decimal.NewFromInt(1))))

	q, ok, err := f.repo.LoadQuote(ctx, sym)
	require.NoError(t, err)
	require.True(t, ok)
	q.Price = decimal.NewFromInt(1)

	updated, delta, err := f.engine.UpdateSymbol(ctx, q, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(decimal.NewFromInt(1)), "price below floor: %s", updated.Price)
	assert.Equal(t, 0.0, delta)
}
