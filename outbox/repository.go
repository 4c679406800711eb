// Package outbox persists events in the same database transaction as the
// business state change that produced them, and relays them to the bus
// afterwards. This closes the dual-write gap: either the state change and
// the event both commit, or neither does.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/event"
	"github.com/rkrasimirov/erpbus/libs/db"
	otelx "github.com/rkrasimirov/erpbus/libs/otel"
)

// Row is one staged event. Frame holds the encoded wire bytes; the trace
// context is stored alongside so the relay can continue the producer's
// trace hours later.
type Row struct {
	ID          int64
	EventID     string
	EventKind   string
	AggregateID string
	Frame       []byte
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
}

type Repository struct {
	pool  *db.Pool
	codec *codec.Codec
}

func NewRepository(pool *db.Pool, c *codec.Codec) *Repository {
	return &Repository{pool: pool, codec: c}
}

// Stage encodes evt and inserts it into the outbox inside the caller's
// transaction.
func (r *Repository) Stage(ctx context.Context, tx pgx.Tx, evt event.Event) error {
	frame, err := r.codec.Encode(evt)
	if err != nil {
		return fmt.Errorf("outbox: stage %s: %w", evt.EventID, err)
	}
	traceparent, tracestate := otelx.TraceCarrier(ctx)
	_, err = tx.Exec(ctx, `
		INSERT INTO bus_outbox (event_id, event_kind, aggregate_id, frame, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.EventID, evt.EventKind, evt.AggregateID, frame, traceparent, tracestate)
	if err != nil {
		return fmt.Errorf("outbox: stage %s: %w", evt.EventID, err)
	}
	return nil
}

// FetchPending locks and returns up to limit unpublished rows in insert
// order. SKIP LOCKED lets several relay instances drain disjoint batches.
func (r *Repository) FetchPending(ctx context.Context, tx pgx.Tx, limit int) ([]Row, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_kind, aggregate_id, frame, traceparent, tracestate, created_at
		FROM bus_outbox
		WHERE published_at IS NULL AND dead_reason IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.EventID, &row.EventKind, &row.AggregateID,
			&row.Frame, &row.Traceparent, &row.Tracestate, &row.CreatedAt); err != nil {
			return nil, err
		}
		pending = append(pending, row)
	}
	return pending, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE bus_outbox
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

// MarkDead parks a row that can never publish (fatal classification) so
// the relay stops retrying it. Parked rows are an operator concern.
func (r *Repository) MarkDead(ctx context.Context, tx pgx.Tx, id int64, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE bus_outbox
		SET dead_reason = $2
		WHERE id = $1
	`, id, reason)
	return err
}
