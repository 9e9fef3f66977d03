package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/resilience"
)

// DeadLetterSink records messages removed from redelivery.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, entry resilience.DLQEntry) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Workers int
	// MaxRedeliveries caps redeliveries of a retryable message. Zero means
	// unlimited.
	MaxRedeliveries int
}

// RunnerStats counts delivery outcomes.
type RunnerStats struct {
	Handled      int64 `json:"handled"`
	Acked        int64 `json:"acked"`
	Requeued     int64 `json:"requeued"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Runner consumes deliveries and translates handler results into acks and
// nacks. It is the only component that acknowledges messages.
type Runner struct {
	sub     broker.Subscriber
	handler Handler
	dlq     DeadLetterSink
	cfg     RunnerConfig
	log     *zap.Logger

	handled      atomic.Int64
	acked        atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// NewRunner creates a Runner. dlq may be nil, in which case rejected
// messages are logged and acked.
func NewRunner(sub broker.Subscriber, h Handler, dlq DeadLetterSink, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Runner{
		sub:     sub,
		handler: h,
		dlq:     dlq,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "ingest.runner")),
	}
}

// Run consumes until ctx is cancelled or the subscription closes. Messages
// already received are handled to completion on a context detached from
// ctx so shutdown never interrupts a batch between persist and ack.
func (r *Runner) Run(ctx context.Context) error {
	deliveries, err := r.sub.Subscribe(ctx)
	if err != nil {
		return eris.Wrap(err, "ingest: subscribe")
	}
	r.log.Info("consumer started", zap.Int("workers", r.cfg.Workers), zap.Int("max_redeliveries", r.cfg.MaxRedeliveries))

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for d := range deliveries {
				if err := r.process(work, d); err != nil {
					r.log.Error("acknowledge failed", zap.String("message_id", d.Message().ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	err = g.Wait()
	r.log.Info("consumer stopped", zap.Any("stats", r.Stats()))
	return err
}

// Stats returns a snapshot of the outcome counters.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Handled:      r.handled.Load(),
		Acked:        r.acked.Load(),
		Requeued:     r.requeued.Load(),
		DeadLettered: r.deadLettered.Load(),
	}
}

func (r *Runner) process(ctx context.Context, d broker.Delivery) error {
	msg := d.Message()
	res := r.handler.Handle(ctx, msg)
	r.handled.Add(1)

	switch res.Status {
	case Success:
		return r.ack(d)

	case Rejected:
		r.log.Warn("message rejected",
			zap.String("message_id", msg.ID),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(res.Err),
		)
		if err := r.deadLetter(ctx, msg, res.Err, resilience.ErrorTypePermanent); err != nil {
			return r.nack(d, err)
		}
		return r.ack(d)

	default:
		if r.capReached(msg) {
			r.log.Error("redelivery cap reached",
				zap.String("message_id", msg.ID),
				zap.Int("delivery_count", msg.DeliveryCount),
				zap.Error(res.Err),
			)
			if err := r.deadLetter(ctx, msg, res.Err, resilience.ErrorTypeTransient); err != nil {
				return r.nack(d, err)
			}
			return r.ack(d)
		}
		return r.nack(d, res.Err)
	}
}

// capReached reports whether msg has already been redelivered the maximum
// number of times.
func (r *Runner) capReached(msg broker.Message) bool {
	return r.cfg.MaxRedeliveries > 0 && msg.DeliveryCount-1 >= r.cfg.MaxRedeliveries
}

func (r *Runner) deadLetter(ctx context.Context, msg broker.Message, cause error, errType string) error {
	if r.dlq == nil {
		return nil
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	err := r.dlq.DeadLetter(ctx, resilience.DLQEntry{
		MessageID:     msg.ID,
		RoutingKey:    msg.RoutingKey,
		Body:          msg.Body,
		Error:         errText,
		ErrorType:     errType,
		DeliveryCount: msg.DeliveryCount,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return eris.Wrap(err, "ingest: dead letter")
	}
	r.deadLettered.Add(1)
	return nil
}

func (r *Runner) ack(d broker.Delivery) error {
	if err := d.Ack(); err != nil {
		return err
	}
	r.acked.Add(1)
	return nil
}

func (r *Runner) nack(d broker.Delivery, cause error) error {
	r.log.Warn("message requeued",
		zap.String("message_id", d.Message().ID),
		zap.Int("delivery_count", d.Message().DeliveryCount),
		zap.Error(cause),
	)
	if err := d.Nack(true); err != nil {
		return err
	}
	r.requeued.Add(1)
	return nil
}
