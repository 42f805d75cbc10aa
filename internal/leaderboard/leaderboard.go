// Package leaderboard ranks traders by equity and picks the spotlight
// symbols.
package leaderboard

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/market"
	"github.com/atmx/market-sim/internal/model"
	"github.com/atmx/market-sim/internal/seed"
)

// SpotlightSize is how many symbols the spotlight holds.
const SpotlightSize = seed.SpotlightSize

// SelectSpotlight returns the n symbols with the greatest absolute
// change-percent, descending. Ties keep the quotes' original order.
func SelectSpotlight(quotes []model.Quote, n int) []string {
	ranked := make([]model.Quote, len(quotes))
	copy(ranked, quotes)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ChangePercent.Abs().GreaterThan(ranked[j].ChangePercent.Abs())
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].Symbol
	}
	return out
}

// Equity returns cash plus every position marked at its quote. Positions
// without a quote count as zero.
func Equity(cash decimal.Decimal, positions []model.Position, prices map[string]decimal.Decimal) decimal.Decimal {
	total := cash
	for _, p := range positions {
		if price, ok := prices[p.Symbol]; ok {
			total = total.Add(price.Mul(decimal.NewFromInt(p.Shares)))
		}
	}
	return model.Round2(total)
}

// Rank sorts entries by total value descending, ties by user ascending,
// and assigns ranks from 1.
func Rank(entries []model.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].TotalValue.Cmp(entries[j].TotalValue); c != 0 {
			return c > 0
		}
		return entries[i].User < entries[j].User
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
}

// MarkSelf returns a copy of entries with IsSelf set for viewer.
func MarkSelf(entries []model.LeaderboardEntry, viewer string) []model.LeaderboardEntry {
	out := make([]model.LeaderboardEntry, len(entries))
	for i, e := range entries {
		e.IsSelf = viewer != "" && e.User == viewer
		out[i] = e
	}
	return out
}

// Service recomputes the persisted ranking.
type Service struct {
	repo *market.Repository
}

// NewService creates a leaderboard service.
func NewService(repo *market.Repository) *Service {
	return &Service{repo: repo}
}

// Current returns the persisted snapshot.
func (s *Service) Current(ctx context.Context) ([]model.LeaderboardEntry, error) {
	entries, err := s.repo.LoadLeaderboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("load leaderboard: %w", err)
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	return entries, nil
}

// Recompute rebuilds the ranking from live equity and persists it. Seeded
// handles without a ledger keep their snapshot values.
func (s *Service) Recompute(ctx context.Context) ([]model.LeaderboardEntry, error) {
	quotes, err := s.repo.LoadQuotes(ctx)
	if err != nil {
		return nil, fmt.Errorf("recompute leaderboard: %w", err)
	}
	prices := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		prices[q.Symbol] = q.Price
	}

	users, err := s.repo.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("recompute leaderboard: %w", err)
	}
	registered := make(map[string]bool, len(users))

	entries := make([]model.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		summary, ok, err := s.repo.LoadSummary(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("recompute leaderboard: %w", err)
		}
		if !ok {
			continue
		}
		positions, err := s.repo.LoadPositions(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("recompute leaderboard: %w", err)
		}
		registered[u] = true
		entries = append(entries, model.LeaderboardEntry{
			User:          u,
			AvatarColor:   seed.AvatarColor(u),
			TotalValue:    Equity(summary.Cash, positions, prices),
			ChangePercent: summary.ChangePercent,
		})
	}

	previous, err := s.repo.LoadLeaderboard(ctx)
	if err != nil {
		return nil, fmt.Errorf("recompute leaderboard: %w", err)
	}
	for _, e := range previous {
		if registered[e.User] {
			continue
		}
		e.IsSelf = false
		entries = append(entries, e)
	}

	Rank(entries)
	if err := s.repo.SaveLeaderboard(ctx, entries); err != nil {
		return nil, fmt.Errorf("save leaderboard: %w", err)
	}
	return entries, nil
}
