package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/market-sim/internal/metrics"
)

// KafkaPublisher mirrors envelopes onto a Kafka topic for downstream
// consumers. Writes are asynchronous; delivery errors surface through the
// completion callback and are only logged.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.BroadcastFailures.WithLabelValues("kafka").Add(float64(len(msgs)))
				slog.Warn("kafka delivery failed", "messages", len(msgs), "err", err)
			}
		},
	}
	slog.Info("kafka publisher created", "brokers", brokers, "topic", topic)
	return &KafkaPublisher{writer: w}
}

// Name implements Sink.
func (p *KafkaPublisher) Name() string { return "kafka" }

// Send enqueues env keyed by event type.
func (p *KafkaPublisher) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Type),
		Value: data,
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(Channel)},
		},
	})
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
