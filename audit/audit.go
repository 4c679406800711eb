// Package audit appends every observed event to a tenant-scoped audit
// trail. It is the reference consumer of the bus: dedup by event id
// first, side effect second, so redeliveries are harmless.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rkrasimirov/erpbus/event"
	"github.com/rkrasimirov/erpbus/libs/db"
	"github.com/rkrasimirov/erpbus/subscribe"
)

// Log stores audit entries.
type Log interface {
	Record(ctx context.Context, evt event.Event) error
}

// SeenStore answers whether an event id was delivered before.
type SeenStore interface {
	FirstDelivery(ctx context.Context, eventID string) (bool, error)
}

// NewHandler builds the subscriber handler: skip redeliveries, record the
// rest. Errors propagate so the frame is redelivered.
func NewHandler(seen SeenStore, log Log, logger *slog.Logger) subscribe.Handler {
	return func(ctx context.Context, evt event.Event) error {
		first, err := seen.FirstDelivery(ctx, evt.EventID)
		if err != nil {
			return fmt.Errorf("audit: dedup check for %s: %w", evt.EventID, err)
		}
		if !first {
			logger.Info("duplicate delivery skipped",
				"event_id", evt.EventID,
				"event_kind", evt.EventKind,
			)
			return nil
		}
		return log.Record(ctx, evt)
	}
}

// Repository is the Postgres audit log.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts one entry. The unique index on event_id makes a replay
// after a lost dedup key a no-op instead of a duplicate row.
func (r *Repository) Record(ctx context.Context, evt event.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bus_audit_log
			(event_id, event_kind, aggregate_kind, aggregate_id, tenant_id,
			 correlation_id, causation_id, actor_id, source, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id) DO NOTHING
	`, evt.EventID, evt.EventKind, evt.AggregateKind, evt.AggregateID, evt.TenantID,
		evt.Metadata.CorrelationID, evt.Metadata.CausationID, evt.Metadata.ActorID,
		evt.Metadata.Source, evt.OccurredAt, []byte(evt.Payload))
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", evt.EventID, err)
	}
	return nil
}
