package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/rkrasimirov/erpbus/libs/kafkax"
)

const deadLetterSuffix = ".dlq"

// DeadLetter deposits unprocessable frames on the channel's dead-letter
// topic, carrying the original channel and the reason as headers.
type DeadLetter struct {
	writer *kafka.Writer
}

func NewDeadLetter(brokers []string) *DeadLetter {
	return &DeadLetter{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (d *DeadLetter) Deposit(ctx context.Context, channel string, frame []byte, reason string) error {
	msg := kafka.Message{
		Topic: channel + deadLetterSuffix,
		Value: frame,
		Headers: []kafka.Header{
			{Key: "original_channel", Value: []byte(channel)},
			{Key: "dead_letter_reason", Value: []byte(reason)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: dead-letter to %s%s: %w", channel, deadLetterSuffix, err)
	}
	return nil
}

func (d *DeadLetter) Close() error {
	return d.writer.Close()
}
