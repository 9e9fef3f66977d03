package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/replay"
	"github.com/welldata/prodstream/internal/resilience"
)

// dlqScanLimit caps how many dead letters one collection reads.
const dlqScanLimit = 10000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Dead letters created within the lookback window.
	DeadLetters          int `json:"dead_letters"`
	DeadLettersTransient int `json:"dead_letters_transient"`
	DeadLettersPermanent int `json:"dead_letters_permanent"`

	// Consumer counters since process start. Nil when no consumer runs here.
	Consumer    *ingest.RunnerStats `json:"consumer,omitempty"`
	RequeueRate float64             `json:"requeue_rate"`

	// Replay progress. Nil when no scheduler runs here.
	Replay *replay.Status `json:"replay,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// DeadLetterLister abstracts the store's dead-letter listing.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
}

// ConsumerStats reports consumer outcome counters.
type ConsumerStats interface {
	Stats() ingest.RunnerStats
}

// ReplayStatus reports scheduler progress.
type ReplayStatus interface {
	Status() replay.Status
}

// Collector gathers metrics from the store, the consumer and the scheduler.
// consumer and replay may be nil.
type Collector struct {
	dlq      DeadLetterLister
	consumer ConsumerStats
	replay   ReplayStatus
}

// NewCollector creates a new metrics collector.
func NewCollector(dlq DeadLetterLister, consumer ConsumerStats, rs ReplayStatus) *Collector {
	return &Collector{dlq: dlq, consumer: consumer, replay: rs}
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.dlq.ListDeadLetters(ctx, resilience.DLQFilter{Limit: dlqScanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dead letters")
	}
	for _, e := range entries {
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		snap.DeadLetters++
		switch e.ErrorType {
		case resilience.ErrorTypeTransient:
			snap.DeadLettersTransient++
		case resilience.ErrorTypePermanent:
			snap.DeadLettersPermanent++
		}
	}

	if c.consumer != nil {
		st := c.consumer.Stats()
		snap.Consumer = &st
		if st.Handled > 0 {
			snap.RequeueRate = float64(st.Requeued) / float64(st.Handled)
		}
	}

	if c.replay != nil {
		st := c.replay.Status()
		snap.Replay = &st
	}

	return snap, nil
}
