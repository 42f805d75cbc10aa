package series

import (
	"context"
	"sort"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/atmx/market-sim/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return New(store.NewFallbackStore(), DefaultRetention)
}

func TestAppendQuery_OrderedAndInclusive(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.Append(ctx, "r/aww", ClassFlow, 3, t0.Add(2*time.Minute))
	s.Append(ctx, "r/aww", ClassFlow, -1, t0)
	s.Append(ctx, "r/aww", ClassFlow, 5, t0.Add(time.Minute))

	got, err := s.Query(ctx, "r/aww", ClassFlow, t0, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []float64{-1, 5, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i, v := range want {
		if got[i].Value != v {
			t.Errorf("sample %d: expected %v, got %v", i, v, got[i].Value)
		}
	}
	if !got[0].Timestamp.Equal(t0) {
		t.Errorf("expected first timestamp %v, got %v", t0, got[0].Timestamp)
	}
}

func TestAppend_DuplicateValuesKept(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.Append(ctx, "r/nfl", ClassFlow, 5, t0)
	s.Append(ctx, "r/nfl", ClassFlow, 5, t0)
	s.Append(ctx, "r/nfl", ClassFlow, 5, t0.Add(time.Second))

	got, _ := s.Query(ctx, "r/nfl", ClassFlow, t0, t0.Add(time.Minute))
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if Sum(got) != 15 {
		t.Errorf("expected sum 15, got %v", Sum(got))
	}
}

func TestAppend_PrunesBeyondRetention(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.Append(ctx, "r/memes", ClassActivity, 40, t0)
	s.Append(ctx, "r/memes", ClassActivity, 41, t0.Add(DefaultRetention))
	s.Append(ctx, "r/memes", ClassActivity, 42, t0.Add(DefaultRetention+time.Millisecond))

	got, _ := s.Query(ctx, "r/memes", ClassActivity, time.Time{}, t0.Add(30*24*time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected the oldest sample pruned, got %d samples", len(got))
	}
	if got[0].Value != 41 {
		t.Errorf("expected 41 to survive at exactly the horizon, got %v", got[0].Value)
	}
}

func TestClassesAreIsolated(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.Append(ctx, "r/anime", ClassFlow, 1, t0)
	s.Append(ctx, "r/anime", ClassFlowAggregate, 2, t0)
	s.Append(ctx, "r/gaming", ClassFlow, 3, t0)

	got, _ := s.Query(ctx, "r/anime", ClassFlow, t0, t0)
	if len(got) != 1 || got[0].Value != 1 {
		t.Errorf("expected only the r/anime flow sample, got %v", got)
	}
}

func TestQuery_BoundsAndRetentionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newTestStore()
		ctx := context.Background()

		offsets := rapid.SliceOfN(rapid.Int64Range(0, 20*24*3600), 1, 40).Draw(rt, "offsets")
		// Time only moves forward in the service.
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		var latest time.Time
		for i, off := range offsets {
			ts := t0.Add(time.Duration(off) * time.Second)
			if err := s.Append(ctx, "r/aww", ClassFlow, float64(i), ts); err != nil {
				rt.Fatalf("append: %v", err)
			}
			if ts.After(latest) {
				latest = ts
			}
		}

		lo := t0.Add(time.Duration(rapid.Int64Range(0, 20*24*3600).Draw(rt, "lo")) * time.Second)
		hi := lo.Add(time.Duration(rapid.Int64Range(0, 20*24*3600).Draw(rt, "span")) * time.Second)

		got, err := s.Query(ctx, "r/aww", ClassFlow, lo, hi)
		if err != nil {
			rt.Fatalf("query: %v", err)
		}
		horizon := latest.Add(-DefaultRetention)
		for i, smp := range got {
			if smp.Timestamp.Before(lo) || smp.Timestamp.After(hi) {
				rt.Fatalf("sample %v outside [%v, %v]", smp.Timestamp, lo, hi)
			}
			if smp.Timestamp.Before(horizon) {
				rt.Fatalf("sample %v older than retention horizon %v", smp.Timestamp, horizon)
			}
			if i > 0 && smp.Timestamp.Before(got[i-1].Timestamp) {
				rt.Fatalf("samples out of order at %d", i)
			}
		}
	})
}

func TestQuery_LateWindowKeepsRetainedSamples(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.Append(ctx, "r/pics", ClassActivity, 10, t0)
	s.Append(ctx, "r/pics", ClassActivity, 11, t0.Add(24*time.Hour))

	// A read whose window starts well after the first sample.
	late := t0.Add(DefaultRetention + 2*time.Hour)
	if _, err := s.Query(ctx, "r/pics", ClassActivity, late, late); err != nil {
		t.Fatalf("query: %v", err)
	}

	got, err := s.Query(ctx, "r/pics", ClassActivity, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both samples kept within retention of the latest append, got %d", len(got))
	}
}
