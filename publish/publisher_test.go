package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/event"
	"github.com/rkrasimirov/erpbus/routing"
)

type sentFrame struct {
	Channel string
	Key     string
	Value   []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
	fail func(channel, key string) error
}

func (s *fakeSender) Send(ctx context.Context, channel, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(channel, key); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, sentFrame{Channel: channel, Key: key, Value: value})
	return nil
}

func (s *fakeSender) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTable(t *testing.T) *routing.Table {
	t.Helper()
	table, err := routing.NewTable(map[string]string{
		"CustomerCreated": "crm.customer.events",
		"CustomerRenamed": "crm.customer.events",
		"OrderPlaced":     "scm.order.events",
	}, "domain.events", discardLogger())
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func testEvent(t *testing.T, table *routing.Table, kind, aggregateID string) event.Event {
	t.Helper()
	evt, err := event.NewFactory(table).New(event.Params{
		AggregateID:   aggregateID,
		AggregateKind: "Customer",
		EventKind:     kind,
		TenantID:      "t-1",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"ok":true}`),
		Metadata: event.Metadata{
			CorrelationID: "flow-1",
			ActorID:       "user-1",
			Source:        "crm-service",
		},
	})
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}
	return evt
}

func TestPublish_SendsResolvedChannelAndKey(t *testing.T) {
	table := testTable(t)
	sender := &fakeSender{}
	p := New(table, codec.New(3), sender, discardLogger())

	evt := testEvent(t, table, "CustomerCreated", "c-1")
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.Channel != "crm.customer.events" {
		t.Fatalf("expected crm.customer.events, got %s", got.Channel)
	}
	if got.Key != "c-1" {
		t.Fatalf("expected partition key c-1, got %s", got.Key)
	}
	decoded, err := codec.New(3).Decode(got.Value)
	if err != nil {
		t.Fatalf("sent frame does not decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, evt) {
		t.Fatalf("sent frame mismatch:\n got %+v\nwant %+v", decoded, evt)
	}
}

func TestPublishAll_PreservesOrderPerChannel(t *testing.T) {
	table := testTable(t)
	sender := &fakeSender{}
	p := New(table, codec.New(3), sender, discardLogger())

	batch := []event.Event{
		testEvent(t, table, "CustomerCreated", "c-1"),
		testEvent(t, table, "CustomerRenamed", "c-1"),
		testEvent(t, table, "CustomerRenamed", "c-1"),
	}
	if err := p.PublishAll(context.Background(), batch); err != nil {
		t.Fatalf("PublishAll failed: %v", err)
	}

	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sender.sent))
	}
	c := codec.New(3)
	for i, frame := range sender.sent {
		if frame.Channel != "crm.customer.events" || frame.Key != "c-1" {
			t.Fatalf("frame %d: unexpected channel/key %s/%s", i, frame.Channel, frame.Key)
		}
		decoded, err := c.Decode(frame.Value)
		if err != nil {
			t.Fatalf("frame %d does not decode: %v", i, err)
		}
		if decoded.EventID != batch[i].EventID {
			t.Fatalf("frame %d out of order: got %s want %s", i, decoded.EventID, batch[i].EventID)
		}
	}
}

func TestPublishAll_ReportsFailedIndices(t *testing.T) {
	table := testTable(t)
	timeout := errors.New("handoff timed out")
	calls := 0
	sender := &fakeSender{fail: func(channel, key string) error {
		calls++
		if calls == 2 {
			return timeout
		}
		return nil
	}}
	p := New(table, codec.New(3), sender, discardLogger())

	batch := []event.Event{
		testEvent(t, table, "CustomerCreated", "c-1"),
		testEvent(t, table, "OrderPlaced", "o-1"),
		testEvent(t, table, "CustomerRenamed", "c-1"),
	}
	err := p.PublishAll(context.Background(), batch)
	var pubErr *Error
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if got := pubErr.FailedIndices(); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("expected failed indices [1], got %v", got)
	}
	if !pubErr.Retryable() {
		t.Fatal("transport timeout should classify as retryable")
	}
	if !errors.Is(pubErr.Failures[0].Err, timeout) {
		t.Fatalf("expected wrapped cause, got %v", pubErr.Failures[0].Err)
	}
	// The failure must not stop the rest of the batch.
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 successful sends, got %d", len(sender.sent))
	}
}

func TestPublish_CanceledContextIsFatal(t *testing.T) {
	table := testTable(t)
	sender := &fakeSender{fail: func(channel, key string) error {
		return context.Canceled
	}}
	p := New(table, codec.New(3), sender, discardLogger())

	err := p.Publish(context.Background(), testEvent(t, table, "CustomerCreated", "c-1"))
	var pubErr *Error
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if pubErr.Retryable() {
		t.Fatal("canceled publish must not classify as retryable")
	}
}

func TestPublish_ConcurrentCallers(t *testing.T) {
	table := testTable(t)
	sender := &fakeSender{}
	p := New(table, codec.New(3), sender, discardLogger())

	events := make([]event.Event, 8)
	for i := range events {
		events[i] = testEvent(t, table, "OrderPlaced", "o-1")
	}

	done := make(chan error, len(events))
	for _, evt := range events {
		go func(evt event.Event) {
			done <- p.Publish(context.Background(), evt)
		}(evt)
	}
	deadline := time.After(5 * time.Second)
	for range events {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("concurrent Publish failed: %v", err)
			}
		case <-deadline:
			t.Fatal("concurrent publishes did not finish")
		}
	}
	if got := sender.frames(); len(got) != len(events) {
		t.Fatalf("expected %d sends, got %d", len(events), len(got))
	}
}
