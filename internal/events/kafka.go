package events

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends events to a Kafka topic, keyed by learner/course so a
// session's events stay in order on one partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("failed to write kafka messages", "topic", topic, "count", len(messages), "error", err)
			}
		},
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := e.Marshal()
	if err != nil {
		p.logger.Error("failed to encode event", "type", e.EventType, "error", err)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   e.Key(),
		Value: value,
	})
	if err != nil {
		p.logger.Warn("failed to write kafka message", "type", e.EventType, "session_id", e.Payload.SessionID, "error", err)
	}
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
