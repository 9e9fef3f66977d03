package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/resilience"
)

// memStore is an in-memory Store keyed like the unique constraints.
type memStore struct {
	mu        sync.Mutex
	prod      map[model.Table]map[string]model.ProductionRecord
	ts        map[string]model.TimeSeriesRecord
	insertErr error
	existsErr error
	inserts   int
}

func newMemStore() *memStore {
	return &memStore{
		prod: make(map[model.Table]map[string]model.ProductionRecord),
		ts:   make(map[string]model.TimeSeriesRecord),
	}
}

func (s *memStore) ProductionExists(_ context.Context, table model.Table, key model.DedupKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.prod[table][key.String()]
	return ok, nil
}

func (s *memStore) InsertProduction(_ context.Context, table model.Table, recs []model.ProductionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.inserts++
	if s.prod[table] == nil {
		s.prod[table] = make(map[string]model.ProductionRecord)
	}
	var n int64
	for _, r := range recs {
		k := r.Key().String()
		if _, ok := s.prod[table][k]; ok {
			continue
		}
		s.prod[table][k] = r
		n++
	}
	return n, nil
}

func (s *memStore) TimeSeriesExists(_ context.Context, key model.DedupKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.ts[key.String()]
	return ok, nil
}

func (s *memStore) InsertTimeSeries(_ context.Context, recs []model.TimeSeriesRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, s.insertErr
	}
	s.inserts++
	var n int64
	for _, r := range recs {
		k := r.Key().String()
		if _, ok := s.ts[k]; ok {
			continue
		}
		s.ts[k] = r
		n++
	}
	return n, nil
}

func (s *memStore) productionCount(table model.Table) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prod[table])
}

func (s *memStore) timeSeriesCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ts)
}

// memDLQ collects dead letters.
type memDLQ struct {
	mu      sync.Mutex
	entries []resilience.DLQEntry
}

func (d *memDLQ) DeadLetter(_ context.Context, e resilience.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
	return nil
}

func (d *memDLQ) list() []resilience.DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]resilience.DLQEntry(nil), d.entries...)
}

type handlerFunc func(ctx context.Context, msg broker.Message) Result

func (f handlerFunc) Handle(ctx context.Context, msg broker.Message) Result { return f(ctx, msg) }

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func production(wellID int64, day int, oil float64) model.ProductionRecord {
	r := model.ProductionRecord{WellID: wellID, Timestamp: time.Date(2015, 1, day, 0, 0, 0, 0, time.UTC)}
	r.SetField(model.FieldOil, oil)
	return r
}

// drain receives and acks every message queued on m.
func drain(t *testing.T, m *broker.Memory) []broker.Message {
	t.Helper()
	n := m.Len()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := m.Subscribe(ctx)
	require.NoError(t, err)

	out := make([]broker.Message, 0, n)
	for len(out) < n {
		select {
		case d := <-sub:
			out = append(out, d.Message())
			require.NoError(t, d.Ack())
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages", len(out), n)
		}
	}
	return out
}
