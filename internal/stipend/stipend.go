// Package stipend converts a user's reputation into the starting cash for a
// new ledger. Reputation scores are cached in the state store for a day;
// any failure falls back to the baseline stipend.
package stipend

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/store"
)

const (
	DefaultBaseline = 1000
	DefaultMax      = 10000
	DefaultSlope    = 0.5
	DefaultCacheTTL = 24 * time.Hour
)

// Result is the outcome of a lookup. ReputationScore is nil when no score
// could be found.
type Result struct {
	Stipend         decimal.Decimal `json:"stipend"`
	ReputationScore *float64        `json:"reputationScore"`
}

// ReputationSource resolves a user's reputation. ok is false for unknown
// users.
type ReputationSource interface {
	Reputation(ctx context.Context, username string) (score float64, ok bool, err error)
}

// Config tunes the stipend curve.
type Config struct {
	Baseline float64
	Max      float64
	Slope    float64
	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Baseline <= 0 {
		c.Baseline = DefaultBaseline
	}
	if c.Max < c.Baseline {
		c.Max = DefaultMax
	}
	if c.Slope <= 0 {
		c.Slope = DefaultSlope
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Service looks up stipends.
type Service struct {
	kv     *store.StateStore
	source ReputationSource
	cfg    Config
}

// NewService creates a stipend service. A nil source always yields the
// baseline.
func NewService(kv *store.StateStore, source ReputationSource, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{kv: kv, source: source, cfg: cfg}
}

// Baseline returns the stipend used when no reputation is known.
func (s *Service) Baseline() decimal.Decimal {
	return decimal.NewFromFloat(s.cfg.Baseline)
}

// Compute maps a reputation score onto the clamped stipend curve.
func (s *Service) Compute(reputation float64) decimal.Decimal {
	raw := math.Round(s.cfg.Baseline + reputation*s.cfg.Slope)
	return decimal.NewFromFloat(math.Min(math.Max(raw, s.cfg.Baseline), s.cfg.Max))
}

type cachedScore struct {
	Karma float64 `json:"karma"`
}

func cacheKey(username string) string {
	return store.Key("karma:" + username)
}

// GetStipend never fails: unknown users, source errors, and cache errors
// all resolve to the baseline.
func (s *Service) GetStipend(ctx context.Context, username string) Result {
	name := strings.ToLower(strings.TrimSpace(username))
	baseline := Result{Stipend: s.Baseline()}
	if name == "" {
		return baseline
	}

	if raw, err := s.kv.Get(ctx, cacheKey(name)); err == nil {
		var c cachedScore
		if json.Unmarshal([]byte(raw), &c) == nil {
			return s.result(c.Karma)
		}
	}

	var (
		score float64
		found bool
	)
	if s.source != nil {
		var err error
		score, found, err = s.source.Reputation(ctx, name)
		if err != nil {
			slog.Warn("reputation lookup failed", "user", name, "err", err)
			found = false
		}
	}

	if !found {
		// Cache the miss as zero so the source is not hammered.
		s.writeCache(ctx, name, 0)
		return baseline
	}
	s.writeCache(ctx, name, score)
	return s.result(score)
}

func (s *Service) result(score float64) Result {
	return Result{Stipend: s.Compute(score), ReputationScore: &score}
}

func (s *Service) writeCache(ctx context.Context, name string, score float64) {
	data, _ := json.Marshal(cachedScore{Karma: score})
	if err := s.kv.Set(ctx, cacheKey(name), string(data), s.cfg.CacheTTL); err != nil {
		slog.Warn("reputation cache write failed", "user", name, "err", err)
	}
}

// MockSource derives a stable pseudo-reputation from the username. It
// stands in for the identity service in development.
type MockSource struct{}

// Score returns the deterministic reputation for username.
func (MockSource) Score(username string) float64 {
	name := strings.ToLower(strings.TrimSpace(username))
	if name == "" {
		name = "guest"
	}
	var hash int32
	for _, c := range name {
		hash = hash*31 + int32(c)
	}
	base := int64(hash) % 6000
	if base < 0 {
		base = -base
	}
	return float64(500 + base)
}

func (m MockSource) Reputation(_ context.Context, username string) (float64, bool, error) {
	return m.Score(username), true, nil
}
