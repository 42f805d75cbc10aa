// Package realtime fans market events out to connected clients. Delivery is
// fire-and-forget: failures are logged and counted, never returned to the
// trade or tick that produced the event, and never retried.
package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/market-sim/internal/metrics"
	"github.com/atmx/market-sim/internal/model"
)

// Channel is the logical channel every envelope is published on.
const Channel = "karma-market"

// Version is the envelope schema version.
const Version = 1

// EventType names an envelope's payload.
type EventType string

const (
	EventTrade       EventType = "TRADE_EVENT"
	EventPrice       EventType = "PRICE_UPDATE"
	EventLeaderboard EventType = "LEADERBOARD_UPDATE"
)

// Envelope wraps every published payload.
type Envelope struct {
	Type      EventType `json:"type"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TradePayload carries an executed trade.
type TradePayload struct {
	Trade model.TradeEvent `json:"trade"`
}

// LeaderboardPayload carries the current ranking.
type LeaderboardPayload struct {
	Entries []model.LeaderboardEntry `json:"entries"`
}

// PricePayload is the quote board plus spotlight.
type PricePayload = model.PricesSnapshot

// Notifier publishes events without reporting failures to the caller.
type Notifier interface {
	Notify(ctx context.Context, event EventType, payload any)
}

// Sink is one delivery target.
type Sink interface {
	Name() string
	Send(ctx context.Context, env Envelope) error
}

// Broadcaster wraps payloads in envelopes and hands them to every sink.
type Broadcaster struct {
	sinks []Sink
	now   func() time.Time
}

// NewBroadcaster creates a broadcaster over sinks. Nil sinks are skipped.
func NewBroadcaster(sinks ...Sink) *Broadcaster {
	b := &Broadcaster{now: time.Now}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

func (b *Broadcaster) Notify(ctx context.Context, event EventType, payload any) {
	env := Envelope{
		Type:      event,
		Version:   Version,
		Timestamp: b.now().UTC(),
		Payload:   payload,
	}
	for _, s := range b.sinks {
		if err := s.Send(ctx, env); err != nil {
			metrics.BroadcastFailures.WithLabelValues(s.Name()).Inc()
			slog.Warn("broadcast failed", "sink", s.Name(), "type", string(event), "err", err)
		}
	}
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Notify(context.Context, EventType, any) {}
