package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rkrasimirov/erpbus/codec"
	"github.com/rkrasimirov/erpbus/libs/db"
	otelx "github.com/rkrasimirov/erpbus/libs/otel"
	"github.com/rkrasimirov/erpbus/publish"
)

// Relay polls the outbox and drains pending events through the publisher.
// Retryable publish failures stay pending for the next tick; fatal ones
// are parked with their reason.
type Relay struct {
	pool      *db.Pool
	repo      *Repository
	publisher *publish.Publisher
	codec     *codec.Codec
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int
}

type RelayConfig struct {
	PollEvery time.Duration
	BatchSize int
}

func NewRelay(pool *db.Pool, repo *Repository, publisher *publish.Publisher, c *codec.Codec, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pool:      pool,
		repo:      repo,
		publisher: publisher,
		codec:     c,
		logger:    logger,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.drainBatch(ctx); err != nil {
				r.logger.Error("outbox drain failed", "err", err)
			}
		}
	}
}

func (r *Relay) drainBatch(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pending, err := r.repo.FetchPending(ctx, tx, r.batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return tx.Commit(ctx)
	}

	// Rows publish one by one in insert order, each under its stored trace
	// context. Sequential handoff keeps per-channel ordering intact.
	var publishedIDs []int64
	for _, row := range pending {
		evt, err := r.codec.Decode(row.Frame)
		if err != nil {
			r.logger.Error("outbox row undecodable, parking", "event_id", row.EventID, "err", err)
			if err := r.repo.MarkDead(ctx, tx, row.ID, err.Error()); err != nil {
				return err
			}
			continue
		}

		rowCtx := otelx.ContextWithTraceCarrier(ctx, row.Traceparent, row.Tracestate)
		if err := r.publisher.Publish(rowCtx, evt); err != nil {
			var pubErr *publish.Error
			if !errors.As(err, &pubErr) {
				return err
			}
			if pubErr.Retryable() {
				// Stays pending for the next tick. Stop the batch here so a
				// later event of the same aggregate cannot overtake this one.
				break
			}
			r.logger.Error("outbox row failed fatally, parking", "event_id", row.EventID, "err", pubErr)
			if err := r.repo.MarkDead(ctx, tx, row.ID, pubErr.Error()); err != nil {
				return err
			}
			continue
		}
		publishedIDs = append(publishedIDs, row.ID)
	}

	if err := r.repo.MarkPublished(ctx, tx, publishedIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
