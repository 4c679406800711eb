// Package event defines the canonical domain-event envelope exchanged
// between services over the bus. Events are immutable once constructed.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the causal and business-flow tracing data attached to
// every event. CorrelationID is minted by whichever component starts a
// business flow and threaded unchanged through every event in that flow;
// CausationID is the EventID of the event that directly triggered this one
// and is empty for root-cause events.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Source        string `json:"source"`
}

// Event is the atomic unit of cross-service communication. EventID is the
// identity key for idempotency and deduplication; (EventKind, SchemaVersion)
// pins the payload shape. Payload is opaque to the bus.
type Event struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateKind string          `json:"aggregate_kind"`
	EventKind     string          `json:"event_kind"`
	OccurredAt    time.Time       `json:"occurred_at"`
	TenantID      string          `json:"tenant_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
}

// InvalidError reports an event rejected at construction time. It is always
// fatal: the caller built the event wrong, retrying cannot help.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// KindRegistry answers whether an event kind has a routing entry. The
// routing table implements it; the factory uses it to reject unroutable
// kinds at construction instead of at publish time.
type KindRegistry interface {
	Known(kind string) bool
}

// Params are the caller-supplied fields for a new event. EventID and
// OccurredAt may be left zero and are then generated.
type Params struct {
	EventID       string
	AggregateID   string
	AggregateKind string
	EventKind     string
	OccurredAt    time.Time
	TenantID      string
	SchemaVersion int
	Payload       json.RawMessage
	Metadata      Metadata
}

// Factory builds validated events for one publishing service.
type Factory struct {
	kinds KindRegistry
}

func NewFactory(kinds KindRegistry) *Factory {
	return &Factory{kinds: kinds}
}

// New validates p and returns an immutable event. EventID gets a fresh
// UUID and OccurredAt the current UTC time when not supplied.
func (f *Factory) New(p Params) (Event, error) {
	if err := f.validate(p); err != nil {
		return Event{}, err
	}

	id := p.EventID
	if id == "" {
		id = uuid.NewString()
	}
	occurred := p.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	return Event{
		EventID:       id,
		AggregateID:   p.AggregateID,
		AggregateKind: p.AggregateKind,
		EventKind:     p.EventKind,
		OccurredAt:    occurred.UTC(),
		TenantID:      p.TenantID,
		SchemaVersion: p.SchemaVersion,
		Payload:       p.Payload,
		Metadata:      p.Metadata,
	}, nil
}

func (f *Factory) validate(p Params) error {
	switch {
	case strings.TrimSpace(p.AggregateID) == "":
		return &InvalidError{Field: "aggregate_id", Reason: "is required"}
	case strings.TrimSpace(p.AggregateKind) == "":
		return &InvalidError{Field: "aggregate_kind", Reason: "is required"}
	case strings.TrimSpace(p.EventKind) == "":
		return &InvalidError{Field: "event_kind", Reason: "is required"}
	case strings.TrimSpace(p.TenantID) == "":
		return &InvalidError{Field: "tenant_id", Reason: "is required"}
	case p.SchemaVersion < 1:
		return &InvalidError{Field: "schema_version", Reason: "must be positive"}
	case len(p.Payload) == 0:
		return &InvalidError{Field: "payload", Reason: "is required"}
	case strings.TrimSpace(p.Metadata.CorrelationID) == "":
		return &InvalidError{Field: "metadata.correlation_id", Reason: "is required"}
	case strings.TrimSpace(p.Metadata.ActorID) == "":
		return &InvalidError{Field: "metadata.actor_id", Reason: "is required"}
	case strings.TrimSpace(p.Metadata.Source) == "":
		return &InvalidError{Field: "metadata.source", Reason: "is required"}
	}

	if f.kinds != nil && !f.kinds.Known(p.EventKind) {
		return &InvalidError{Field: "event_kind", Reason: fmt.Sprintf("%q has no routing entry", p.EventKind)}
	}
	return nil
}
