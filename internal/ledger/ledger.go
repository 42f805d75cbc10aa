// Package ledger executes trades against per-user cash and positions.
//
// All monetary values use shopspring/decimal. Mutations of one user's
// ledger are serialized; different users proceed in parallel.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/market-sim/internal/leaderboard"
	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/realtime"
	"github.com/atmx/market-sim/internal/seed"
	"github.com/atmx/market-sim/internal/series"
	"github.com/atmx/market-sim/internal/stipend"
)

// DefaultTradeLogCap bounds the shared trade tape.
const DefaultTradeLogCap = 30

// cashEpsilon absorbs rounding when comparing cash to a purchase cost.
var cashEpsilon = decimal.New(1, -6)

var (
	ErrValidation         = errors.New("invalid trade")
	ErrInsufficientFunds  = errors.New("insufficient cash for this trade")
	ErrInsufficientShares = errors.New("insufficient shares to sell")
)

// ValidationError describes a rejected trade payload. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Archive durably records executed trades.
type Archive interface {
	InsertTrade(ctx context.Context, t *model.TradeEvent) error
	ListTradesByUser(ctx context.Context, user string, limit int) ([]model.TradeEvent, error)
}

// Config tunes the ledger.
type Config struct {
	TradeLogCap int
}

// Request is a trade instruction.
type Request struct {
	Symbol   string
	Side     model.Side
	Quantity int64
	User     string
}

// Result is an executed trade and the user's portfolio afterwards.
type Result struct {
	Trade     model.TradeEvent `json:"trade"`
	Portfolio model.Portfolio  `json:"portfolio"`
}

// Ledger executes trades and serves portfolio reads.
type Ledger struct {
	cfg      Config
	repo     *market.Repository
	samples  *series.Store
	board    *leaderboard.Service
	stipends *stipend.Service
	notifier realtime.Notifier
	archive  Archive
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a ledger. A nil notifier discards events.
func New(cfg Config, repo *market.Repository, samples *series.Store, board *leaderboard.Service, stipends *stipend.Service, notifier realtime.Notifier) *Ledger {
	if cfg.TradeLogCap <= 0 {
		cfg.TradeLogCap = DefaultTradeLogCap
	}
	if notifier == nil {
		notifier = realtime.Discard{}
	}
	return &Ledger{
		cfg:      cfg,
		repo:     repo,
		samples:  samples,
		board:    board,
		stipends: stipends,
		notifier: notifier,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetArchive enables durable trade history.
func (l *Ledger) SetArchive(a Archive) { l.archive = a }

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// lock acquires the user's mutex and returns its release.
func (l *Ledger) lock(user string) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[user]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[user] = mu
	}
	l.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ExecuteTrade fills a market order at the symbol's current price.
// Rejected trades leave every piece of state untouched.
func (l *Ledger) ExecuteTrade(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	user := market.NormalizeUser(req.User)

	if !req.Side.Valid() {
		return Result{}, l.reject(&ValidationError{Field: "side", Reason: "Side must be BUY or SELL."})
	}
	if req.Quantity <= 0 {
		return Result{}, l.reject(&ValidationError{Field: "quantity", Reason: "Quantity must be a positive integer."})
	}
	if err := l.repo.EnsureSeeded(ctx); err != nil {
		return Result{}, err
	}
	quote, ok, err := l.repo.LoadQuote(ctx, req.Symbol)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, l.reject(&ValidationError{Field: "symbol", Reason: "Unknown subreddit symbol."})
	}

	trade, summary, positions, err := l.apply(ctx, user, req, quote)
	if err != nil {
		return Result{}, l.reject(err)
	}

	quotes, err := l.repo.LoadQuotes(ctx)
	if err != nil {
		return Result{}, err
	}
	result := Result{Trade: trade, Portfolio: View(summary, positions, quotes)}

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	slog.Info("trade executed",
		"trade_id", trade.ID,
		"user", user,
		"symbol", trade.Symbol,
		"side", string(trade.Side),
		"qty", trade.Quantity,
		"price", trade.Price.String(),
		"cash", summary.Cash.String(),
	)

	l.publish(ctx, trade, quotes)
	return result, nil
}

// apply performs the read-modify-write of the user's ledger under the
// user's lock.
func (l *Ledger) apply(ctx context.Context, user string, req Request, quote model.Quote) (model.TradeEvent, model.PortfolioSummary, []model.Position, error) {
	unlock := l.lock(user)
	defer unlock()

	summary, err := l.account(ctx, user)
	if err != nil {
		return model.TradeEvent{}, summary, nil, err
	}
	positions, err := l.repo.LoadPositions(ctx, user)
	if err != nil {
		return model.TradeEvent{}, summary, nil, err
	}

	idx := -1
	current := model.Position{Symbol: req.Symbol, CostBasis: decimal.Zero}
	for i, p := range positions {
		if p.Symbol == req.Symbol {
			idx, current = i, p
			break
		}
	}

	qty := decimal.NewFromInt(req.Quantity)
	notional := quote.Price.Mul(qty)

	switch req.Side {
	case model.SideBuy:
		if summary.Cash.Add(cashEpsilon).LessThan(notional) {
			return model.TradeEvent{}, summary, nil, fmt.Errorf("%w: need %s, have %s",
				ErrInsufficientFunds, model.Round2(notional), model.Round2(summary.Cash))
		}
		summary.Cash = model.Round2(summary.Cash.Sub(notional))
		current.CostBasis = model.Round2(current.CostBasis.Add(notional))
		current.Shares += req.Quantity
	case model.SideSell:
		if current.Shares < req.Quantity {
			slog.Warn("insufficient shares",
				"user", user,
				"symbol", req.Symbol,
				"available", current.Shares,
				"requested", req.Quantity,
			)
			return model.TradeEvent{}, summary, nil, fmt.Errorf("%w: have %d, want %d",
				ErrInsufficientShares, current.Shares, req.Quantity)
		}
		avgCost := decimal.Zero
		if current.Shares > 0 {
			avgCost = current.CostBasis.Div(decimal.NewFromInt(current.Shares))
		}
		current.Shares -= req.Quantity
		current.CostBasis = model.Round2(avgCost.Mul(decimal.NewFromInt(current.Shares)))
		summary.Cash = model.Round2(summary.Cash.Add(notional))
	}

	updated := make([]model.Position, 0, len(positions)+1)
	for i, p := range positions {
		if i == idx {
			if current.Shares > 0 {
				updated = append(updated, current)
			}
			continue
		}
		updated = append(updated, p)
	}
	if idx < 0 && current.Shares > 0 {
		updated = append(updated, current)
	}

	if err := l.repo.SaveSummary(ctx, user, summary); err != nil {
		return model.TradeEvent{}, summary, nil, err
	}
	if err := l.repo.SavePositions(ctx, user, updated); err != nil {
		return model.TradeEvent{}, summary, nil, err
	}

	now := l.now().UTC()
	trade := model.TradeEvent{
		ID:        uuid.New().String(),
		User:      user,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     model.Round2(quote.Price),
		Timestamp: now,
	}
	if err := l.repo.AppendTrade(ctx, trade, l.cfg.TradeLogCap); err != nil {
		return model.TradeEvent{}, summary, nil, err
	}

	flow := float64(req.Quantity)
	if req.Side == model.SideSell {
		flow = -flow
	}
	if err := l.samples.Append(ctx, req.Symbol, series.ClassFlow, flow, now); err != nil {
		return model.TradeEvent{}, summary, nil, err
	}

	if l.archive != nil {
		if err := l.archive.InsertTrade(ctx, &trade); err != nil {
			slog.Error("trade archive insert failed", "trade_id", trade.ID, "err", err)
		}
	}
	return trade, summary, updated, nil
}

// publish recomputes the leaderboard and broadcasts the trade, the board,
// and the ranking. Failures are logged only.
func (l *Ledger) publish(ctx context.Context, trade model.TradeEvent, quotes []model.Quote) {
	l.notifier.Notify(ctx, realtime.EventTrade, realtime.TradePayload{Trade: trade})

	spotlight, err := l.repo.LoadSpotlight(ctx, seed.DefaultSpotlight(symbolsOf(quotes)))
	if err != nil {
		slog.Warn("load spotlight failed", "err", err)
		spotlight = seed.DefaultSpotlight(symbolsOf(quotes))
	}
	l.notifier.Notify(ctx, realtime.EventPrice, realtime.PricePayload{Quotes: quotes, Spotlight: spotlight})

	entries, err := l.board.Recompute(ctx)
	if err != nil {
		slog.Error("leaderboard recompute failed", "err", err)
		return
	}
	l.notifier.Notify(ctx, realtime.EventLeaderboard, realtime.LeaderboardPayload{Entries: entries})
}

func (l *Ledger) reject(err error) error {
	reason := "error"
	switch {
	case errors.Is(err, ErrValidation):
		reason = "validation"
	case errors.Is(err, ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		reason = "insufficient_shares"
	}
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	return err
}

// account returns the user's cash record, opening one funded by the
// stipend when none exists. The caller holds the user's lock.
func (l *Ledger) account(ctx context.Context, user string) (model.PortfolioSummary, error) {
	summary, ok, err := l.repo.LoadSummary(ctx, user)
	if err != nil {
		return summary, err
	}
	if ok {
		return summary, nil
	}

	cash := decimal.NewFromInt(stipend.DefaultBaseline)
	if l.stipends != nil {
		cash = l.stipends.GetStipend(ctx, user).Stipend
	}
	summary = model.PortfolioSummary{Cash: model.Round2(cash), ChangePercent: decimal.Zero}
	if err := l.repo.SaveSummary(ctx, user, summary); err != nil {
		return summary, err
	}
	if err := l.repo.RegisterUser(ctx, user); err != nil {
		return summary, err
	}
	slog.Info("ledger opened", "user", user, "cash", summary.Cash.String())
	return summary, nil
}

// Portfolio returns the user's portfolio marked to current quotes, opening
// the account if needed.
func (l *Ledger) Portfolio(ctx context.Context, username string) (model.Portfolio, error) {
	user := market.NormalizeUser(username)
	if err := l.repo.EnsureSeeded(ctx); err != nil {
		return model.Portfolio{}, err
	}

	var (
		summary   model.PortfolioSummary
		positions []model.Position
		quotes    []model.Quote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Cash and positions are read as one snapshot of the user's ledger.
		unlock := l.lock(user)
		defer unlock()
		var err error
		if summary, err = l.account(gctx, user); err != nil {
			return err
		}
		positions, err = l.repo.LoadPositions(gctx, user)
		return err
	})
	g.Go(func() error {
		var err error
		quotes, err = l.repo.LoadQuotes(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Portfolio{}, fmt.Errorf("load portfolio for %s: %w", user, err)
	}
	return View(summary, positions, quotes), nil
}

// Trades returns recent trades, newest first. With a user and an archive
// configured it reads that user's durable history; otherwise it reads the
// shared tape, falling back to the seeded tape when empty.
func (l *Ledger) Trades(ctx context.Context, username string, limit int) ([]model.TradeEvent, error) {
	if limit <= 0 {
		limit = l.cfg.TradeLogCap
	}
	if username != "" && l.archive != nil {
		trades, err := l.archive.ListTradesByUser(ctx, market.NormalizeUser(username), limit)
		if err != nil {
			return nil, fmt.Errorf("list archived trades: %w", err)
		}
		if trades == nil {
			trades = []model.TradeEvent{}
		}
		return trades, nil
	}

	if err := l.repo.EnsureSeeded(ctx); err != nil {
		return nil, err
	}
	trades, err := l.repo.LoadTrades(ctx)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		quotes, err := l.repo.LoadQuotes(ctx)
		if err != nil {
			return nil, err
		}
		trades = seed.Trades(quotes, l.now().UTC())
	}
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// View marks positions to quotes. Unknown symbols are valued at zero.
func View(summary model.PortfolioSummary, positions []model.Position, quotes []model.Quote) model.Portfolio {
	prices := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.Price
	}
	hundred := decimal.NewFromInt(100)

	views := make([]model.PositionView, 0, len(positions))
	holdings := decimal.Zero
	for _, p := range positions {
		price := prices[p.Symbol]
		value := model.Round2(price.Mul(decimal.NewFromInt(p.Shares)))
		pnl := decimal.Zero
		if p.Shares > 0 && p.CostBasis.IsPositive() {
			avg := p.CostBasis.Div(decimal.NewFromInt(p.Shares))
			pnl = price.Sub(avg).Div(avg).Mul(hundred).Round(1)
		}
		views = append(views, model.PositionView{
			Symbol:     p.Symbol,
			Shares:     p.Shares,
			Value:      value,
			CostBasis:  model.Round2(p.CostBasis),
			PnLPercent: pnl,
		})
		holdings = holdings.Add(value)
	}

	return model.Portfolio{
		Summary: model.SummaryView{
			Cash:          model.Round2(summary.Cash),
			TotalValue:    model.Round2(summary.Cash.Add(holdings)),
			ChangePercent: summary.ChangePercent,
		},
		Positions: views,
	}
}

func symbolsOf(quotes []model.Quote) []string {
	out := make([]string, len(quotes))
	for i, q := range quotes {
		out[i] = q.Symbol
	}
	return out
}
