package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/dedup"
	"github.com/welldata/prodstream/internal/model"
)

// Status is the outcome of handling one message.
type Status int

const (
	// Success means every accepted record is persisted; the message is acked.
	Success Status = iota
	// Retryable means persistence failed; the message is requeued.
	Retryable
	// Rejected means the message can never be handled; it is not requeued.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is returned by a Handler. Err is set unless Status is Success.
type Result struct {
	Status   Status
	Err      error
	Inserted int64
	Dedup    dedup.Stats
}

// Handler handles one message without touching the transport.
type Handler interface {
	Handle(ctx context.Context, msg broker.Message) Result
}

// Store is the persistence the Consumer needs. Inserts must ignore
// duplicate-key conflicts.
type Store interface {
	ProductionExists(ctx context.Context, table model.Table, key model.DedupKey) (bool, error)
	InsertProduction(ctx context.Context, table model.Table, recs []model.ProductionRecord) (int64, error)
	TimeSeriesExists(ctx context.Context, key model.DedupKey) (bool, error)
	InsertTimeSeries(ctx context.Context, recs []model.TimeSeriesRecord) (int64, error)
}

// Consumer deduplicates and bulk-persists record batches.
type Consumer struct {
	store Store
	log   *zap.Logger
}

// NewConsumer creates a Consumer writing to store.
func NewConsumer(store Store) *Consumer {
	return &Consumer{
		store: store,
		log:   zap.L().With(zap.String("component", "ingest.consumer")),
	}
}

// Handle decodes msg, drops records already in the batch or the target
// table, and inserts the rest in one bulk statement.
func (c *Consumer) Handle(ctx context.Context, msg broker.Message) Result {
	env, err := DecodeEnvelope(msg.Body)
	if err != nil {
		return Result{Status: Rejected, Err: err}
	}

	var res Result
	switch env.Kind {
	case KindProduction:
		res = c.handleProduction(ctx, env)
	case KindTimeSeries:
		res = c.handleTimeSeries(ctx, env)
	}

	if res.Status == Success {
		c.log.Debug("batch persisted",
			zap.String("envelope_id", env.ID),
			zap.String("kind", string(env.Kind)),
			zap.Int64("inserted", res.Inserted),
			zap.Int("duplicates", res.Dedup.Rejected()),
		)
	}
	return res
}

func (c *Consumer) handleProduction(ctx context.Context, env Envelope) Result {
	recs, err := DecodeRecords[model.ProductionRecord](env)
	if err != nil {
		return Result{Status: Rejected, Err: err}
	}
	d := dedup.New(dedup.CheckerFunc(func(ctx context.Context, key model.DedupKey) (bool, error) {
		return c.store.ProductionExists(ctx, env.Target, key)
	}))
	accepted, stats, err := dedup.Filter(ctx, d, recs)
	if err != nil {
		return Result{Status: Retryable, Err: eris.Wrap(err, "ingest: dedup production"), Dedup: stats}
	}
	if len(accepted) == 0 {
		return Result{Status: Success, Dedup: stats}
	}
	n, err := c.store.InsertProduction(ctx, env.Target, accepted)
	if err != nil {
		return Result{Status: Retryable, Err: eris.Wrap(err, "ingest: persist production"), Dedup: stats}
	}
	return Result{Status: Success, Inserted: n, Dedup: stats}
}

func (c *Consumer) handleTimeSeries(ctx context.Context, env Envelope) Result {
	recs, err := DecodeRecords[model.TimeSeriesRecord](env)
	if err != nil {
		return Result{Status: Rejected, Err: err}
	}
	accepted, stats, err := dedup.Filter(ctx, dedup.New(dedup.CheckerFunc(c.store.TimeSeriesExists)), recs)
	if err != nil {
		return Result{Status: Retryable, Err: eris.Wrap(err, "ingest: dedup timeseries"), Dedup: stats}
	}
	if len(accepted) == 0 {
		return Result{Status: Success, Dedup: stats}
	}
	n, err := c.store.InsertTimeSeries(ctx, accepted)
	if err != nil {
		return Result{Status: Retryable, Err: eris.Wrap(err, "ingest: persist timeseries"), Dedup: stats}
	}
	return Result{Status: Success, Inserted: n, Dedup: stats}
}
