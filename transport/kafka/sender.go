// Package kafka adapts the bus transport contracts to Kafka using
// segmentio/kafka-go. Channels map one-to-one to topics; the partition
// key is the aggregate id, so one aggregate's events stay ordered.
package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/rkrasimirov/erpbus/libs/kafkax"
)

// Sender implements publish.Sender on a shared Kafka writer.
type Sender struct {
	writer *kafka.Writer
}

func NewSender(brokers []string) *Sender {
	return &Sender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (s *Sender) Send(ctx context.Context, channel, key string, value []byte) error {
	msg := kafka.Message{
		Topic: channel,
		Key:   []byte(key),
		Value: value,
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", channel, err)
	}
	return nil
}

func (s *Sender) Close() error {
	return s.writer.Close()
}
