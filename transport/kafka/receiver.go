package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/rkrasimirov/erpbus/libs/kafkax"
	"github.com/rkrasimirov/erpbus/subscribe"
)

// Receiver opens consumer-group sessions on Kafka topics. Ack commits the
// message offset; Nack leaves the offset uncommitted so the group
// redelivers the message after a rebalance or restart.
type Receiver struct {
	brokers []string
	groupID string
}

func NewReceiver(brokers []string, groupID string) *Receiver {
	return &Receiver{brokers: brokers, groupID: groupID}
}

func (r *Receiver) Open(ctx context.Context, channel string) (subscribe.FrameSource, error) {
	if len(r.brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  r.brokers,
		GroupID:  r.groupID,
		Topic:    channel,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &frameSource{reader: reader}, nil
}

type frameSource struct {
	reader *kafka.Reader
}

func (s *frameSource) Next(ctx context.Context) (context.Context, subscribe.Frame, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return ctx, subscribe.Frame{}, err
	}
	frame := subscribe.Frame{
		Channel:      msg.Topic,
		Key:          string(msg.Key),
		Value:        msg.Value,
		Acknowledger: &offsetAck{reader: s.reader, msg: msg},
	}
	return kafkax.ExtractTraceContext(ctx, msg), frame, nil
}

func (s *frameSource) Close() error {
	return s.reader.Close()
}

type offsetAck struct {
	reader *kafka.Reader
	msg    kafka.Message
}

func (a *offsetAck) Ack(ctx context.Context) error {
	return a.reader.CommitMessages(ctx, a.msg)
}

// Nack is a no-op for Kafka: not committing the offset is what schedules
// redelivery.
func (a *offsetAck) Nack(ctx context.Context) error {
	return nil
}
