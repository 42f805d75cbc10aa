// Package series stores append-only, retention-bounded (timestamp, value)
// samples per symbol on top of the state store's sorted sets.
//
// Each append prunes everything older than the retention horizon relative
// to the inserted sample, so no background sweep is needed.
package series

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/market-sim/internal/store"
)

// Class is a signal class; each class lives under its own key per symbol.
type Class string

const (
	// ClassFlow holds signed per-trade order flow.
	ClassFlow Class = "flow:trades"
	// ClassFlowAggregate holds one net-flow total per engine tick.
	ClassFlowAggregate Class = "flow:agg"
	// ClassActivity holds the synthetic activity signal.
	ClassActivity Class = "activity"
)

// DefaultRetention is the sample retention horizon.
const DefaultRetention = 7 * 24 * time.Hour

// Sample is one observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Store appends and queries samples.
type Store struct {
	kv        *store.StateStore
	retention time.Duration
}

// New creates a sample store. A non-positive retention uses DefaultRetention.
func New(kv *store.StateStore, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{kv: kv, retention: retention}
}

// Retention returns the configured horizon.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Key returns the storage key for a symbol's class.
func Key(symbol string, class Class) string {
	return store.Key(string(class) + ":" + symbol)
}

// Append records value at ts and prunes samples older than ts-retention.
func (s *Store) Append(ctx context.Context, symbol string, class Class, value float64, ts time.Time) error {
	key := Key(symbol, class)
	// Sorted-set members are unique; the suffix keeps equal values at
	// different (or equal) timestamps as separate samples.
	member := strconv.FormatFloat(value, 'f', -1, 64) + "|" + uuid.NewString()
	score := float64(ts.UnixMilli())

	if err := s.kv.ZAdd(ctx, key, store.ScoredMember{Member: member, Score: score}); err != nil {
		return fmt.Errorf("append %s sample for %s: %w", class, symbol, err)
	}
	if err := s.prune(ctx, key, ts); err != nil {
		return fmt.Errorf("prune %s samples for %s: %w", class, symbol, err)
	}
	return nil
}

// Query returns samples with min <= timestamp <= max in ascending order.
// Reads never prune; retention is enforced by Append.
func (s *Store) Query(ctx context.Context, symbol string, class Class, min, max time.Time) ([]Sample, error) {
	key := Key(symbol, class)
	members, err := s.kv.ZRangeByScore(ctx, key, float64(min.UnixMilli()), float64(max.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("query %s samples for %s: %w", class, symbol, err)
	}

	samples := make([]Sample, 0, len(members))
	for _, m := range members {
		v, ok := parseMember(m.Member)
		if !ok {
			continue
		}
		samples = append(samples, Sample{
			Timestamp: time.UnixMilli(int64(m.Score)).UTC(),
			Value:     v,
		})
	}
	return samples, nil
}

// prune drops samples strictly older than ref-retention.
func (s *Store) prune(ctx context.Context, key string, ref time.Time) error {
	cutoff := ref.Add(-s.retention).UnixMilli()
	return s.kv.ZRemRangeByScore(ctx, key, math.Inf(-1), float64(cutoff-1))
}

func parseMember(member string) (float64, bool) {
	raw, _, _ := strings.Cut(member, "|")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Values extracts the sample values in order.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// Sum adds up the sample values.
func Sum(samples []Sample) float64 {
	var total float64
	for _, s := range samples {
		total += s.Value
	}
	return total
}
