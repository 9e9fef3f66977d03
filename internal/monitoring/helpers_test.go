package monitoring

import (
	"context"
	"time"

	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/replay"
	"github.com/welldata/prodstream/internal/resilience"
)

type mockDLQ struct {
	entries []resilience.DLQEntry
	err     error
}

func (m *mockDLQ) ListDeadLetters(_ context.Context, _ resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return m.entries, m.err
}

type fixedConsumer ingest.RunnerStats

func (f fixedConsumer) Stats() ingest.RunnerStats { return ingest.RunnerStats(f) }

type fixedReplay replay.Status

func (f fixedReplay) Status() replay.Status { return replay.Status(f) }

type fixedQueue int64

func (f fixedQueue) Pending() int64 { return int64(f) }

func deadLetter(errorType string, age time.Duration) resilience.DLQEntry {
	return resilience.DLQEntry{ErrorType: errorType, CreatedAt: time.Now().UTC().Add(-age)}
}
