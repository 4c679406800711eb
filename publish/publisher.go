// Package publish hands typed events to the transport: resolve the
// channel, frame the bytes, delegate the send. It never retries; it
// classifies failures so the caller can.
package publish

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/event"
	"github.com/rkrasimirov/erpbus/routing"
)

// Sender is the injected transport handoff. key is the partition key; the
// publisher always supplies the aggregate id so one aggregate's events
// stay on one ordered partition.
type Sender interface {
	Send(ctx context.Context, channel, key string, value []byte) error
}

// Publisher routes, encodes and hands off events. It holds no mutable
// state, so it is safe for concurrent use by any number of callers.
type Publisher struct {
	table  *routing.Table
	codec  *codec.Codec
	sender Sender
	logger *slog.Logger
	tracer trace.Tracer
}

func New(table *routing.Table, c *codec.Codec, sender Sender, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		table:  table,
		codec:  c,
		sender: sender,
		logger: logger,
		tracer: otel.Tracer("erpbus/publish"),
	}
}

// Publish delivers one event. A non-nil error is always a *Error with a
// single failure entry.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) error {
	if failure := p.publishOne(ctx, 0, evt); failure != nil {
		return &Error{Failures: []Failure{*failure}}
	}
	return nil
}

// PublishAll delivers a batch in caller order. Events resolving to the
// same channel reach the sender in the order given; ordering across
// channels is not promised. Every event is attempted; the returned *Error
// lists exactly which indices failed so the caller can resubmit or back
// off without guessing.
func (p *Publisher) PublishAll(ctx context.Context, evts []event.Event) error {
	var failures []Failure
	for i, evt := range evts {
		if failure := p.publishOne(ctx, i, evt); failure != nil {
			failures = append(failures, *failure)
		}
	}
	if len(failures) > 0 {
		return &Error{Failures: failures}
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, index int, evt event.Event) *Failure {
	channel := p.table.Resolve(evt.EventKind)

	ctx, span := p.tracer.Start(ctx, "bus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", channel),
			attribute.String("event.kind", evt.EventKind),
			attribute.String("event.id", evt.EventID),
		),
	)
	defer span.End()

	raw, err := p.codec.Encode(evt)
	if err != nil {
		span.RecordError(err)
		return &Failure{Index: index, EventID: evt.EventID, Class: Fatal, Err: err}
	}

	if err := p.sender.Send(ctx, channel, evt.AggregateID, raw); err != nil {
		span.RecordError(err)
		return &Failure{Index: index, EventID: evt.EventID, Class: classifySendErr(err), Err: err}
	}

	p.logger.Info("event published",
		"event_kind", evt.EventKind,
		"aggregate_id", evt.AggregateID,
		"correlation_id", evt.Metadata.CorrelationID,
		"channel", channel,
	)
	return nil
}
