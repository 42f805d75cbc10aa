// Package model defines the core domain types shared across the simulated
// market. All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places quotes and cash are rounded to.
const PriceScale int32 = 2

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// QuotePoint is one entry of a quote's price history.
type QuotePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// Quote is the current simulated price of a symbol plus its retained history.
// Price never drops below 1.
type Quote struct {
	Symbol        string          `json:"symbol"`
	DisplayName   string          `json:"displayName"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	DailyHigh     decimal.Decimal `json:"dailyHigh"`
	DailyLow      decimal.Decimal `json:"dailyLow"`
	History       []QuotePoint    `json:"history"`
}

// PricesSnapshot is the quote board plus the current spotlight selection.
type PricesSnapshot struct {
	Quotes    []Quote  `json:"quotes"`
	Spotlight []string `json:"spotlight"`
}

// PortfolioSummary is the stored per-user cash record.
type PortfolioSummary struct {
	Cash          decimal.Decimal `json:"cash"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

// Position is a user's holding in one symbol. Positions with zero shares
// are removed, never stored.
type Position struct {
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	CostBasis decimal.Decimal `json:"costBasis"`
}

// PositionView is a position marked to the current quote.
type PositionView struct {
	Symbol     string          `json:"symbol"`
	Shares     int64           `json:"shares"`
	Value      decimal.Decimal `json:"value"`
	CostBasis  decimal.Decimal `json:"costBasis"`
	PnLPercent decimal.Decimal `json:"pnlPercent"`
}

// SummaryView is the cash record plus total equity.
type SummaryView struct {
	Cash          decimal.Decimal `json:"cash"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	ChangePercent decimal.Decimal `json:"changePercent"`
}

// Portfolio is a user's marked-to-market portfolio.
type Portfolio struct {
	Summary   SummaryView    `json:"summary"`
	Positions []PositionView `json:"positions"`
}

// TradeEvent is an immutable record of an executed trade.
type TradeEvent struct {
	ID        string          `json:"id"`
	User      string          `json:"user"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// LeaderboardEntry is a derived ranking row.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	User          string          `json:"user"`
	AvatarColor   string          `json:"avatarColor"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	IsSelf        bool            `json:"isSelf,omitempty"`
}

// Round2 rounds v to PriceScale places.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(PriceScale)
}
