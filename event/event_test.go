package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type kindSet map[string]bool

func (s kindSet) Known(kind string) bool { return s[kind] }

func validParams() Params {
	return Params{
		AggregateID:   "c-1",
		AggregateKind: "Customer",
		EventKind:     "CustomerCreated",
		TenantID:      "t-1",
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"name":"Acme GmbH"}`),
		Metadata: Metadata{
			CorrelationID: "flow-1",
			ActorID:       "user-7",
			Source:        "crm-service",
		},
	}
}

func TestNew_AutoFillsIdentityAndTime(t *testing.T) {
	f := NewFactory(kindSet{"CustomerCreated": true})

	before := time.Now().UTC()
	evt, err := f.New(validParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	after := time.Now().UTC()

	if evt.EventID == "" {
		t.Fatal("expected generated event_id")
	}
	if evt.OccurredAt.Before(before) || evt.OccurredAt.After(after) {
		t.Fatalf("occurred_at %s outside [%s, %s]", evt.OccurredAt, before, after)
	}
}

func TestNew_EventIDsNeverCollide(t *testing.T) {
	f := NewFactory(kindSet{"CustomerCreated": true})

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		evt, err := f.New(validParams())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if seen[evt.EventID] {
			t.Fatalf("duplicate event_id %s after %d events", evt.EventID, i)
		}
		seen[evt.EventID] = true
	}
}

func TestNew_KeepsSuppliedIdentity(t *testing.T) {
	f := NewFactory(kindSet{"CustomerCreated": true})

	p := validParams()
	p.EventID = "evt-42"
	p.OccurredAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	evt, err := f.New(p)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if evt.EventID != "evt-42" {
		t.Fatalf("expected supplied event_id, got %s", evt.EventID)
	}
	if !evt.OccurredAt.Equal(p.OccurredAt) {
		t.Fatalf("expected supplied occurred_at, got %s", evt.OccurredAt)
	}
}

func TestNew_RejectsMissingFields(t *testing.T) {
	f := NewFactory(kindSet{"CustomerCreated": true})

	cases := []struct {
		name   string
		mutate func(*Params)
		field  string
	}{
		{"aggregate_id", func(p *Params) { p.AggregateID = "" }, "aggregate_id"},
		{"aggregate_kind", func(p *Params) { p.AggregateKind = " " }, "aggregate_kind"},
		{"event_kind", func(p *Params) { p.EventKind = "" }, "event_kind"},
		{"tenant_id", func(p *Params) { p.TenantID = "" }, "tenant_id"},
		{"schema_version", func(p *Params) { p.SchemaVersion = 0 }, "schema_version"},
		{"payload", func(p *Params) { p.Payload = nil }, "payload"},
		{"correlation_id", func(p *Params) { p.Metadata.CorrelationID = "" }, "metadata.correlation_id"},
		{"actor_id", func(p *Params) { p.Metadata.ActorID = "" }, "metadata.actor_id"},
		{"source", func(p *Params) { p.Metadata.Source = "" }, "metadata.source"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := f.New(p)
			var invalid *InvalidError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidError, got %v", err)
			}
			if invalid.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, invalid.Field)
			}
		})
	}
}

func TestNew_RejectsUnregisteredKind(t *testing.T) {
	f := NewFactory(kindSet{"CustomerCreated": true})

	p := validParams()
	p.EventKind = "CustomerVanished"
	_, err := f.New(p)
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidError for unregistered kind, got %v", err)
	}
}
