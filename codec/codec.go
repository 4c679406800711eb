// Package codec converts events to and from their wire frame. The frame is
// self-describing JSON: event_kind and schema_version travel inline so a
// consumer can pick its decode path without any external lookup.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rkrasimirov/erpbus/event"
)

// MalformedError reports bytes that do not parse as a valid event frame.
// Always fatal for the frame: redelivery cannot repair it.
type MalformedError struct {
	Reason string
	Cause  error
}

func (e *MalformedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed event frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed event frame: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Cause }

// UnsupportedVersionError reports a frame whose schema version is ahead of
// what this consumer understands. The producer may simply be deployed
// ahead of us; the frame is valid, we just cannot interpret it.
type UnsupportedVersionError struct {
	EventKind string
	Version   int
	Max       int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("schema version %d of %s exceeds supported maximum %d", e.Version, e.EventKind, e.Max)
}

// Codec encodes and decodes event frames. MaxSchemaVersion is the highest
// schema version this process understands; frames beyond it are rejected
// with UnsupportedVersionError rather than misread.
type Codec struct {
	MaxSchemaVersion int
}

func New(maxSchemaVersion int) *Codec {
	return &Codec{MaxSchemaVersion: maxSchemaVersion}
}

// Encode frames evt as JSON bytes.
func (c *Codec) Encode(evt event.Event) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("codec: encode %s: %w", evt.EventKind, err)
	}
	return raw, nil
}

// Decode parses a wire frame back into an event. The round trip
// Decode(Encode(e)) yields e field for field.
func (c *Codec) Decode(raw []byte) (event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return event.Event{}, &MalformedError{Reason: "not valid JSON", Cause: err}
	}
	// Version gate first: a frame from a newer producer may legitimately
	// carry a shape this consumer cannot validate.
	if evt.SchemaVersion > c.MaxSchemaVersion {
		return event.Event{}, &UnsupportedVersionError{
			EventKind: evt.EventKind,
			Version:   evt.SchemaVersion,
			Max:       c.MaxSchemaVersion,
		}
	}
	if field := missingField(evt); field != "" {
		return event.Event{}, &MalformedError{Reason: field + " is missing"}
	}
	evt.OccurredAt = evt.OccurredAt.UTC()
	return evt, nil
}

func missingField(evt event.Event) string {
	switch {
	case strings.TrimSpace(evt.EventID) == "":
		return "event_id"
	case strings.TrimSpace(evt.AggregateID) == "":
		return "aggregate_id"
	case strings.TrimSpace(evt.AggregateKind) == "":
		return "aggregate_kind"
	case strings.TrimSpace(evt.EventKind) == "":
		return "event_kind"
	case evt.OccurredAt.IsZero():
		return "occurred_at"
	case strings.TrimSpace(evt.TenantID) == "":
		return "tenant_id"
	case evt.SchemaVersion < 1:
		return "schema_version"
	case len(evt.Payload) == 0:
		return "payload"
	case strings.TrimSpace(evt.Metadata.CorrelationID) == "":
		return "metadata.correlation_id"
	case strings.TrimSpace(evt.Metadata.ActorID) == "":
		return "metadata.actor_id"
	case strings.TrimSpace(evt.Metadata.Source) == "":
		return "metadata.source"
	}
	return ""
}
