// Package market persists the market's shared state (quotes, spotlight,
// user cash and positions, the trade tape, the leaderboard snapshot) in the
// state store and seeds it on first access.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/daily"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/seed"
	"github.com/atmx/market-sim/internal/series"
	"github.com/atmx/market-sim/internal/store"
)

var (
	keySeeded      = store.Key("seeded")
	keySymbols     = store.Key("symbols")
	keySpotlight   = store.Key("spotlight")
	keyTrades      = store.Key("trades")
	keyLeaderboard = store.Key("leaderboard")
	keyUsers       = store.Key("users")
)

func quoteKey(symbol string) string { return store.Key("price:" + symbol) }
func summaryKey(user string) string { return store.Key("portfolio:summary:" + user) }
func positionsKey(user string) string { return store.Key("portfolio:positions:" + user) }

// NormalizeUser maps a raw username to its storage key. Empty and "guest"
// map to the demo account.
func NormalizeUser(username string) string {
	u := strings.ToLower(strings.TrimSpace(username))
	if u == "" || u == "guest" {
		return seed.DemoUser
	}
	return u
}

// Repository reads and writes persisted market state.
type Repository struct {
	kv      *store.StateStore
	samples *series.Store
	days    *daily.Tracker
	now     func() time.Time

	seedMu sync.Mutex
	tapeMu sync.Mutex
}

// NewRepository creates a repository.
func NewRepository(kv *store.StateStore, samples *series.Store, days *daily.Tracker) *Repository {
	return &Repository{kv: kv, samples: samples, days: days, now: time.Now}
}

// SetClock overrides the time source used for seeding.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// EnsureSeeded writes the initial market state unless it is already
// present. It runs again after a fallback flip, since the in-process
// backend starts empty.
func (r *Repository) EnsureSeeded(ctx context.Context) error {
	if _, err := r.kv.Get(ctx, keySeeded); err == nil {
		return nil
	}

	r.seedMu.Lock()
	defer r.seedMu.Unlock()

	if _, err := r.kv.Get(ctx, keySeeded); err == nil {
		return nil
	}

	now := r.now().UTC()
	quotes := seed.Quotes(now)
	symbols := seed.Symbols()

	if err := r.setJSON(ctx, keySymbols, symbols); err != nil {
		return err
	}
	if err := r.SaveSpotlight(ctx, seed.DefaultSpotlight(symbols)); err != nil {
		return err
	}
	for _, q := range quotes {
		if err := r.SaveQuote(ctx, q); err != nil {
			return err
		}
		if err := r.days.Save(ctx, q.Symbol, daily.Fresh(daily.DateKey(now), q.Price)); err != nil {
			return err
		}
		price, _ := q.Price.Float64()
		activity := float64(max(10, int(price/4+0.5)))
		if err := r.samples.Append(ctx, q.Symbol, series.ClassActivity, activity, now); err != nil {
			return err
		}
		if err := r.samples.Append(ctx, q.Symbol, series.ClassFlowAggregate, 0, now); err != nil {
			return err
		}
	}

	if err := r.SaveSummary(ctx, seed.DemoUser, seed.DemoSummary()); err != nil {
		return err
	}
	if err := r.SavePositions(ctx, seed.DemoUser, seed.DemoPositions(quotes)); err != nil {
		return err
	}
	if err := r.RegisterUser(ctx, seed.DemoUser); err != nil {
		return err
	}
	if err := r.SaveLeaderboard(ctx, seed.Leaderboard(quotes)); err != nil {
		return err
	}
	if err := r.setJSON(ctx, keyTrades, seed.Trades(quotes, now)); err != nil {
		return err
	}
	if err := r.kv.Set(ctx, keySeeded, now.Format(time.RFC3339), 0); err != nil {
		return fmt.Errorf("mark seeded: %w", err)
	}

	slog.Info("market state seeded", "symbols", len(symbols), "mode", r.kv.Mode().String())
	return nil
}

// --- Symbols & quotes ---

// Symbols returns the tradable symbols in display order.
func (r *Repository) Symbols(ctx context.Context) ([]string, error) {
	var symbols []string
	ok, err := r.getJSON(ctx, keySymbols, &symbols)
	if err != nil {
		return nil, err
	}
	if !ok || len(symbols) == 0 {
		return seed.Symbols(), nil
	}
	return symbols, nil
}

// LoadQuotes returns every stored quote in symbol order.
func (r *Repository) LoadQuotes(ctx context.Context) ([]model.Quote, error) {
	symbols, err := r.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	quotes := make([]model.Quote, 0, len(symbols))
	for _, sym := range symbols {
		q, ok, err := r.LoadQuote(ctx, sym)
		if err != nil {
			return nil, err
		}
		if ok {
			quotes = append(quotes, q)
		}
	}
	if len(quotes) == 0 {
		return seed.Quotes(r.now().UTC()), nil
	}
	return quotes, nil
}

// LoadQuote returns one quote; ok is false when the symbol is unknown.
func (r *Repository) LoadQuote(ctx context.Context, symbol string) (model.Quote, bool, error) {
	fields, err := r.kv.HashGet(ctx, quoteKey(symbol))
	if err != nil {
		return model.Quote{}, false, fmt.Errorf("load quote %s: %w", symbol, err)
	}
	q, ok := decodeQuote(symbol, fields)
	return q, ok, nil
}

// SaveQuote persists a quote.
func (r *Repository) SaveQuote(ctx context.Context, q model.Quote) error {
	history, err := json.Marshal(q.History)
	if err != nil {
		return fmt.Errorf("encode history for %s: %w", q.Symbol, err)
	}
	err = r.kv.HashSet(ctx, quoteKey(q.Symbol), map[string]string{
		"displayName":   q.DisplayName,
		"price":         q.Price.String(),
		"changePercent": q.ChangePercent.String(),
		"dailyHigh":     q.DailyHigh.String(),
		"dailyLow":      q.DailyLow.String(),
		"history":       string(history),
	})
	if err != nil {
		return fmt.Errorf("save quote %s: %w", q.Symbol, err)
	}
	return nil
}

func decodeQuote(symbol string, f map[string]string) (model.Quote, bool) {
	price, err := decimal.NewFromString(f["price"])
	if err != nil {
		return model.Quote{}, false
	}
	q := model.Quote{
		Symbol:        symbol,
		DisplayName:   f["displayName"],
		Price:         price,
		ChangePercent: decimalOrZero(f["changePercent"]),
		DailyHigh:     decimalOrZero(f["dailyHigh"]),
		DailyLow:      decimalOrZero(f["dailyLow"]),
	}
	if q.DisplayName == "" {
		q.DisplayName = symbol
	}
	if raw := f["history"]; raw != "" {
		if json.Unmarshal([]byte(raw), &q.History) != nil {
			q.History = nil
		}
	}
	if q.History == nil {
		q.History = []model.QuotePoint{}
	}
	return q, true
}

func decimalOrZero(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

// --- Spotlight ---

// LoadSpotlight returns the persisted spotlight, or fallback when none is
// stored.
func (r *Repository) LoadSpotlight(ctx context.Context, fallback []string) ([]string, error) {
	var spotlight []string
	ok, err := r.getJSON(ctx, keySpotlight, &spotlight)
	if err != nil {
		return nil, err
	}
	if !ok || len(spotlight) == 0 {
		return fallback, nil
	}
	return spotlight, nil
}

// SaveSpotlight persists the spotlight.
func (r *Repository) SaveSpotlight(ctx context.Context, symbols []string) error {
	return r.setJSON(ctx, keySpotlight, symbols)
}

// --- Users ---

// LoadSummary returns a user's cash record; ok is false when absent or
// unreadable.
func (r *Repository) LoadSummary(ctx context.Context, user string) (model.PortfolioSummary, bool, error) {
	var s model.PortfolioSummary
	ok, err := r.getJSON(ctx, summaryKey(user), &s)
	return s, ok, err
}

// SaveSummary persists a user's cash record.
func (r *Repository) SaveSummary(ctx context.Context, user string, s model.PortfolioSummary) error {
	return r.setJSON(ctx, summaryKey(user), s)
}

// LoadPositions returns a user's positions (empty when none).
func (r *Repository) LoadPositions(ctx context.Context, user string) ([]model.Position, error) {
	var positions []model.Position
	if _, err := r.getJSON(ctx, positionsKey(user), &positions); err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// SavePositions persists a user's positions.
func (r *Repository) SavePositions(ctx context.Context, user string, positions []model.Position) error {
	if positions == nil {
		positions = []model.Position{}
	}
	return r.setJSON(ctx, positionsKey(user), positions)
}

// RegisterUser records that a user has a ledger.
func (r *Repository) RegisterUser(ctx context.Context, user string) error {
	err := r.kv.HashSet(ctx, keyUsers, map[string]string{user: r.now().UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("register user %s: %w", user, err)
	}
	return nil
}

// Users returns every registered user, sorted.
func (r *Repository) Users(ctx context.Context) ([]string, error) {
	fields, err := r.kv.HashGet(ctx, keyUsers)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]string, 0, len(fields))
	for u := range fields {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// --- Trade tape ---

// LoadTrades returns the capped trade log, newest first.
func (r *Repository) LoadTrades(ctx context.Context) ([]model.TradeEvent, error) {
	var trades []model.TradeEvent
	if _, err := r.getJSON(ctx, keyTrades, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// AppendTrade prepends t to the trade log and evicts the oldest entries
// beyond limit. Appends from concurrent traders are serialized.
func (r *Repository) AppendTrade(ctx context.Context, t model.TradeEvent, limit int) error {
	r.tapeMu.Lock()
	defer r.tapeMu.Unlock()

	trades, err := r.LoadTrades(ctx)
	if err != nil {
		return err
	}
	updated := append([]model.TradeEvent{t}, trades...)
	if limit > 0 && len(updated) > limit {
		updated = updated[:limit]
	}
	return r.setJSON(ctx, keyTrades, updated)
}

// --- Leaderboard ---

// LoadLeaderboard returns the persisted leaderboard snapshot.
func (r *Repository) LoadLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	if _, err := r.getJSON(ctx, keyLeaderboard, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveLeaderboard persists a leaderboard snapshot.
func (r *Repository) SaveLeaderboard(ctx context.Context, entries []model.LeaderboardEntry) error {
	return r.setJSON(ctx, keyLeaderboard, entries)
}

// --- helpers ---

// getJSON decodes the value at key into dst. It reports false when the key
// is missing or does not decode.
func (r *Repository) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		slog.Warn("discarding unreadable record", "key", key, "err", err)
		return false, nil
	}
	return true, nil
}

func (r *Repository) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.kv.Set(ctx, key, string(data), 0); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
