package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/rkrasimirov/erpbus/event"
)

type fakeLog struct {
	recorded []event.Event
	fail     error
}

func (l *fakeLog) Record(ctx context.Context, evt event.Event) error {
	if l.fail != nil {
		return l.fail
	}
	l.recorded = append(l.recorded, evt)
	return nil
}

type fakeSeen struct {
	seen map[string]bool
	fail error
}

func (s *fakeSeen) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	if s.fail != nil {
		return false, s.fail
	}
	first := !s.seen[eventID]
	s.seen[eventID] = true
	return first, nil
}

func auditEvent(id string) event.Event {
	return event.Event{
		EventID:       id,
		AggregateID:   "c-1",
		AggregateKind: "Customer",
		EventKind:     "CustomerCreated",
		OccurredAt:    time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
		TenantID:      "t-1",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"n":1}`),
		Metadata: event.Metadata{
			CorrelationID: "flow-1",
			ActorID:       "user-1",
			Source:        "crm-service",
		},
	}
}

func TestHandler_RecordsFirstDeliveryOnly(t *testing.T) {
	log := &fakeLog{}
	handler := NewHandler(&fakeSeen{seen: make(map[string]bool)}, log, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := handler(context.Background(), auditEvent("evt-1")); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if err := handler(context.Background(), auditEvent("evt-1")); err != nil {
		t.Fatalf("redelivery must not error: %v", err)
	}
	if len(log.recorded) != 1 {
		t.Fatalf("expected 1 recorded entry, got %d", len(log.recorded))
	}
}

func TestHandler_PropagatesFailuresForRedelivery(t *testing.T) {
	down := errors.New("store down")
	handler := NewHandler(&fakeSeen{seen: make(map[string]bool)}, &fakeLog{fail: down}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := handler(context.Background(), auditEvent("evt-2")); !errors.Is(err, down) {
		t.Fatalf("expected store error, got %v", err)
	}

	handler = NewHandler(&fakeSeen{fail: down}, &fakeLog{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := handler(context.Background(), auditEvent("evt-3")); !errors.Is(err, down) {
		t.Fatalf("expected dedup error, got %v", err)
	}
}
