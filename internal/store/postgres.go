package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/model"
)

// TradeArchive is an append-only PostgreSQL record of every executed trade.
// The capped trade log in the state store only keeps the most recent
// entries; the archive keeps all of them. Prices are stored as NUMERIC for
// exact decimal precision.
type TradeArchive struct {
	pool *pgxpool.Pool
}

// NewTradeArchive creates a PostgreSQL-backed archive.
func NewTradeArchive(pool *pgxpool.Pool) *TradeArchive {
	return &TradeArchive{pool: pool}
}

// EnsureSchema creates the trade_events table if it does not exist.
func (a *TradeArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS trade_events (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			side       TEXT NOT NULL,
			quantity   BIGINT NOT NULL,
			price      NUMERIC NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS trade_events_user_idx ON trade_events (username, executed_at DESC);`)
	if err != nil {
		return fmt.Errorf("ensure trade_events schema: %w", err)
	}
	return nil
}

// InsertTrade appends an immutable trade record.
func (a *TradeArchive) InsertTrade(ctx context.Context, t *model.TradeEvent) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO trade_events (id, username, symbol, side, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		t.ID, t.User, t.Symbol, string(t.Side), t.Quantity, t.Price.String(), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTradesByUser returns a user's most recent trades, newest first.
func (a *TradeArchive) ListTradesByUser(ctx context.Context, user string, limit int) ([]model.TradeEvent, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, username, symbol, side, quantity, price::TEXT, executed_at
		 FROM trade_events WHERE username = $1
		 ORDER BY executed_at DESC LIMIT $2`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", user, err)
	}
	defer rows.Close()

	var trades []model.TradeEvent
	for rows.Next() {
		var t model.TradeEvent
		var side, price string
		if err := rows.Scan(&t.ID, &t.User, &t.Symbol, &side, &t.Quantity, &price, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(price)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close releases the pool.
func (a *TradeArchive) Close() {
	a.pool.Close()
}
