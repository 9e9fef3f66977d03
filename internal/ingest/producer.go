package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/resilience"
)

// ErrPublishFailure is matched by every PublishError.
var ErrPublishFailure = eris.New("ingest: publish failure")

// PublishError reports the batch that failed. Batches before it were
// published and are not rolled back.
type PublishError struct {
	Batch int // zero-based index of the failed batch
	Total int
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("ingest: publish batch %d of %d: %v", e.Batch+1, e.Total, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPublishFailure) true.
func (e *PublishError) Is(target error) bool { return target == ErrPublishFailure }

// Producer splits record sets into batches and publishes one message per
// batch. It keeps no state between calls.
type Producer struct {
	pub     broker.Publisher
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	log     *zap.Logger
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithRateLimit paces publishes to rps messages per second. A non-positive
// rps disables pacing.
func WithRateLimit(rps float64, burst int) ProducerOption {
	return func(p *Producer) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithRetry sets the per-message retry policy for transient broker errors.
func WithRetry(cfg resilience.RetryConfig) ProducerOption {
	return func(p *Producer) { p.retry = cfg }
}

// NewProducer creates a Producer publishing through pub.
func NewProducer(pub broker.Publisher, opts ...ProducerOption) *Producer {
	p := &Producer{
		pub:   pub,
		retry: resilience.DefaultRetryConfig(),
		log:   zap.L().With(zap.String("component", "ingest.producer")),
	}
	for _, o := range opts {
		o(p)
	}
	p.retry.OnRetry = resilience.RetryLogger("ingest.producer", "publish")
	return p
}

// Batch describes where a record set goes.
type Batch struct {
	Kind       Kind
	Target     model.Table
	RoutingKey string
	ReplayDate *time.Time
}

// PublishProduction publishes production records to target in batches of
// batchSize. It returns the number of batches published.
func (p *Producer) PublishProduction(ctx context.Context, recs []model.ProductionRecord, batchSize int, target model.Table) (int, error) {
	return publishBatches(ctx, p, Batch{Kind: KindProduction, Target: target, RoutingKey: RouteBatch}, recs, batchSize)
}

// PublishReplayDay publishes one replayed day of production to target.
func (p *Producer) PublishReplayDay(ctx context.Context, day time.Time, recs []model.ProductionRecord, batchSize int, target model.Table) (int, error) {
	d := day.UTC()
	return publishBatches(ctx, p, Batch{Kind: KindProduction, Target: target, RoutingKey: RouteReplay, ReplayDate: &d}, recs, batchSize)
}

// PublishTimeSeries publishes time-series records in batches of batchSize.
func (p *Producer) PublishTimeSeries(ctx context.Context, recs []model.TimeSeriesRecord, batchSize int) (int, error) {
	return publishBatches(ctx, p, Batch{Kind: KindTimeSeries, RoutingKey: RouteBatch}, recs, batchSize)
}

// PublishSingle publishes one record as its own message on the single-record
// route.
func (p *Producer) PublishSingle(ctx context.Context, b Batch, record any) error {
	b.RoutingKey = RouteSingle
	_, err := publishBatches(ctx, p, b, []any{record}, 1)
	return err
}

func publishBatches[T any](ctx context.Context, p *Producer, b Batch, recs []T, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, eris.Errorf("ingest: batch size must be positive, got %d", batchSize)
	}
	batches := Chunk(recs, batchSize)
	for i, batch := range batches {
		msg, err := p.message(b, batch, batchSize, i, len(batches))
		if err != nil {
			return i, &PublishError{Batch: i, Total: len(batches), Err: err}
		}
		if err := p.publish(ctx, msg); err != nil {
			p.log.Warn("batch publish failed",
				zap.String("routing_key", b.RoutingKey),
				zap.Int("batch", i),
				zap.Int("total", len(batches)),
				zap.Error(err),
			)
			return i, &PublishError{Batch: i, Total: len(batches), Err: err}
		}
	}
	if len(batches) > 0 {
		p.log.Debug("published batches",
			zap.String("kind", string(b.Kind)),
			zap.String("routing_key", b.RoutingKey),
			zap.Int("records", len(recs)),
			zap.Int("batches", len(batches)),
		)
	}
	return len(batches), nil
}

func (p *Producer) message(b Batch, batch any, batchSize, index, total int) (broker.Message, error) {
	records, err := json.Marshal(batch)
	if err != nil {
		return broker.Message{}, eris.Wrap(err, "ingest: marshal records")
	}
	env := Envelope{
		ID:          uuid.NewString(),
		Kind:        b.Kind,
		Target:      b.Target,
		Records:     records,
		PublishedAt: time.Now().UTC(),
		BatchSize:   batchSize,
		Index:       index,
		Total:       total,
		ReplayDate:  b.ReplayDate,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return broker.Message{}, eris.Wrap(err, "ingest: marshal envelope")
	}
	return broker.Message{
		ID:          env.ID,
		RoutingKey:  b.RoutingKey,
		ContentType: broker.ContentTypeJSON,
		Body:        body,
		Headers:     map[string]any{"kind": string(b.Kind)},
		Timestamp:   env.PublishedAt,
	}, nil
}

func (p *Producer) publish(ctx context.Context, msg broker.Message) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "ingest: rate limit wait")
		}
	}
	return resilience.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.pub.Publish(ctx, msg)
	})
}
