// Package seed builds the deterministic starting state of the market: the
// canonical symbol list, a week of hourly price history per symbol, the
// demo portfolio, and the initial leaderboard and trade tape.
package seed

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/model"
)

// DemoUser is the account used when no identity is supplied.
const DemoUser = "demo"

// SpotlightSize is the number of symbols in the spotlight.
const SpotlightSize = 4

type symbolMeta struct {
	symbol string
	seed   int64
	base   float64
}

var catalog = []symbolMeta{
	{"r/AskReddit", 13, 150},
	{"r/gaming", 23, 120},
	{"r/technology", 47, 135},
	{"r/memes", 19, 95},
	{"r/fitness", 31, 110},
	{"r/wallstreetbets", 61, 200},
	{"r/aww", 29, 85},
	{"r/explainlikeimfive", 37, 105},
	{"r/anime", 53, 115},
	{"r/nfl", 71, 140},
}

// Symbols returns the canonical symbols in display order.
func Symbols() []string {
	out := make([]string, len(catalog))
	for i, m := range catalog {
		out[i] = m.symbol
	}
	return out
}

// DefaultSpotlight is the first SpotlightSize symbols.
func DefaultSpotlight(symbols []string) []string {
	if len(symbols) > SpotlightSize {
		symbols = symbols[:SpotlightSize]
	}
	return append([]string(nil), symbols...)
}

// parkMiller is the minimal-standard Lehmer generator, so seeded history
// is identical across runs.
func parkMiller(seed int64) func() float64 {
	state := seed % 2147483647
	if state <= 0 {
		state += 2147483646
	}
	return func() float64 {
		state = (state * 16807) % 2147483647
		return float64(state-1) / 2147483646
	}
}

const historyHours = 24 * 7

func round(v float64, places int) float64 {
	f := math.Pow(10, float64(places))
	return math.Round(v*f) / f
}

func buildHistory(seed int64, base float64, now time.Time) []model.QuotePoint {
	random := parkMiller(seed)
	points := make([]model.QuotePoint, 0, historyHours)
	price := base
	start := now.Add(-time.Duration(historyHours-1) * time.Hour)

	for i := 0; i < historyHours; i++ {
		drift := (random() - 0.5) * 2
		price = math.Max(10, price*(1+drift*0.4/100))
		points = append(points, model.QuotePoint{
			Timestamp: start.Add(time.Duration(i) * time.Hour).UTC(),
			Price:     decimal.NewFromFloat(round(price, 2)),
		})
	}
	return points
}

func buildQuote(m symbolMeta, now time.Time) model.Quote {
	history := buildHistory(m.seed, m.base, now)
	latest := history[len(history)-1].Price

	day := history
	if len(day) > 24 {
		day = day[len(day)-24:]
	}
	open := day[0].Price
	high, low := latest, latest
	for _, p := range day {
		if p.Price.GreaterThan(high) {
			high = p.Price
		}
		if p.Price.LessThan(low) {
			low = p.Price
		}
	}

	return model.Quote{
		Symbol:        m.symbol,
		DisplayName:   m.symbol,
		Price:         latest,
		ChangePercent: latest.Sub(open).Div(open).Mul(decimal.NewFromInt(100)).Round(1),
		DailyHigh:     high,
		DailyLow:      low,
		History:       history,
	}
}

// Quotes returns the seeded quote board with history ending at now.
func Quotes(now time.Time) []model.Quote {
	out := make([]model.Quote, len(catalog))
	for i, m := range catalog {
		out[i] = buildQuote(m, now)
	}
	return out
}

// DemoSummary is the demo account's starting cash record.
func DemoSummary() model.PortfolioSummary {
	return model.PortfolioSummary{
		Cash:          decimal.NewFromInt(5120),
		ChangePercent: decimal.NewFromFloat(3.6),
	}
}

// DemoPositions seeds the demo account with holdings in the first four
// symbols, bought slightly below the current price.
func DemoPositions(quotes []model.Quote) []model.Position {
	shares := []int64{22, 18, 12, 9}
	n := len(quotes)
	if n > len(shares) {
		n = len(shares)
	}
	out := make([]model.Position, 0, n)
	for i := 0; i < n; i++ {
		q := quotes[i]
		price, _ := q.Price.Float64()
		change, _ := q.ChangePercent.Float64()
		base := price * (1 - change/200)
		out = append(out, model.Position{
			Symbol:    q.Symbol,
			Shares:    shares[i],
			CostBasis: decimal.NewFromFloat(round(float64(shares[i])*base, 2)),
		})
	}
	return out
}

var avatarColors = []string{"#FF4500", "#0DD157", "#0079D3", "#FFD600", "#A855F7"}

var leaderboardHandles = []string{
	"quantwhale",
	"gammaforge",
	"algo_aurora",
	DemoUser,
	"delta_druid",
	"memeconomist",
	"scarletbull",
	"indexink",
}

// AvatarColor picks a stable color for a handle.
func AvatarColor(user string) string {
	for i, h := range leaderboardHandles {
		if h == user {
			return avatarColors[i%len(avatarColors)]
		}
	}
	var hash uint32
	for _, c := range user {
		hash = hash*31 + uint32(c)
	}
	return avatarColors[hash%uint32(len(avatarColors))]
}

// Leaderboard returns the initial ranking.
func Leaderboard(quotes []model.Quote) []model.LeaderboardEntry {
	demoTotal := DemoSummary().Cash
	for _, p := range DemoPositions(quotes) {
		for _, q := range quotes {
			if q.Symbol == p.Symbol {
				demoTotal = demoTotal.Add(q.Price.Mul(decimal.NewFromInt(p.Shares)))
			}
		}
	}

	entries := make([]model.LeaderboardEntry, len(leaderboardHandles))
	for i, handle := range leaderboardHandles {
		e := model.LeaderboardEntry{User: handle, AvatarColor: avatarColors[i%len(avatarColors)]}
		if handle == DemoUser {
			e.TotalValue = model.Round2(demoTotal)
			e.ChangePercent = DemoSummary().ChangePercent
		} else {
			price, _ := quotes[i%len(quotes)].Price.Float64()
			modifier := 1.0
			if i%2 != 0 {
				modifier = -1
			}
			total := 15000 + float64(i)*2200 + modifier*price*18
			e.TotalValue = decimal.NewFromFloat(round(total, 2))
			e.ChangePercent = decimal.NewFromFloat(round(float64((i+3)%7)*1.4-2.2, 1))
		}
		entries[i] = e
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TotalValue.GreaterThan(entries[j].TotalValue)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// Trades returns the initial trade tape, newest first.
func Trades(quotes []model.Quote, now time.Time) []model.TradeEvent {
	users := []string{"pixelwhale", "quantling", "kimchiOptions", "sigmaSigma", "rallyCap"}
	quantities := []int64{6, 12, 18, 9, 4}

	out := make([]model.TradeEvent, 12)
	for i := range out {
		q := quotes[(i+2)%len(quotes)]
		side := model.SideBuy
		multiplier := 1 + 0.005*float64(i)
		if i%3 == 0 {
			side = model.SideSell
			multiplier = 1 - 0.004*float64(i)
		}
		price, _ := q.Price.Float64()
		out[i] = model.TradeEvent{
			ID:        fmt.Sprintf("mock-trade-%d", i),
			User:      users[i%len(users)],
			Symbol:    q.Symbol,
			Side:      side,
			Quantity:  quantities[i%len(quantities)],
			Price:     decimal.NewFromFloat(round(price*multiplier, 2)),
			Timestamp: now.Add(-time.Duration(i) * time.Minute).UTC(),
		}
	}
	return out
}
