package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsImmediatelyAndOnInterval(t *testing.T) {
	var calls atomic.Int32
	s := New(Config{Interval: 20 * time.Millisecond, RunOnStart: true}, TickFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), nil)

	s.Start(context.Background())
	time.Sleep(75 * time.Millisecond)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if n := calls.Load(); n < 3 {
		t.Errorf("expected at least 3 ticks, got %d", n)
	}

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != after {
		t.Error("ticks continued after Stop")
	}
}

func TestScheduler_FailureDoesNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	s := New(Config{Interval: 10 * time.Millisecond, RunOnStart: true}, TickFunc(func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}), nil)

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop(context.Background())

	if calls.Load() < 2 {
		t.Errorf("loop should survive tick errors, got %d calls", calls.Load())
	}
}

func TestScheduler_NoImmediateRun(t *testing.T) {
	var calls atomic.Int32
	s := New(Config{Interval: time.Hour}, TickFunc(func(context.Context) error {
		calls.Add(1)
		return nil
	}), nil)

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop(context.Background())

	if calls.Load() != 0 {
		t.Errorf("expected no ticks, got %d", calls.Load())
	}
}
