package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/config"
	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/normalize"
	"github.com/welldata/prodstream/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	wells   map[string]model.Well
	ensures int
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{wells: make(map[string]model.Well)}
}

func (s *fakeStore) UpsertWells(_ context.Context, wells []model.Well) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range wells {
		if old, ok := s.wells[w.Name]; ok {
			w.ID = old.ID
		} else {
			s.nextID++
			w.ID = s.nextID
		}
		s.wells[w.Name] = w
	}
	return int64(len(wells)), nil
}

func (s *fakeStore) EnsureWell(_ context.Context, name string) (model.Well, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensures++
	if w, ok := s.wells[name]; ok {
		return w, nil
	}
	s.nextID++
	w := model.Well{ID: s.nextID, Name: name}
	s.wells[name] = w
	return w, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	production [][]model.ProductionRecord
	timeseries [][]model.TimeSeriesRecord
	err        error
}

func (p *fakePublisher) PublishProduction(_ context.Context, recs []model.ProductionRecord, _ int, target model.Table) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if target != model.TableArchive {
		return 0, errors.New("unexpected target")
	}
	p.production = append(p.production, append([]model.ProductionRecord(nil), recs...))
	return 1, nil
}

func (p *fakePublisher) PublishTimeSeries(_ context.Context, recs []model.TimeSeriesRecord, _ int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.timeseries = append(p.timeseries, append([]model.TimeSeriesRecord(nil), recs...))
	return 1, nil
}

func (p *fakePublisher) productionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, b := range p.production {
		n += len(b)
	}
	return n
}

func newLoader(t *testing.T, st Store, pub Publisher, cfg Config) *Loader {
	t.Helper()
	norm, err := normalize.New()
	require.NoError(t, err)
	return New(st, pub, norm, cfg)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const timeSeriesCSV = `timestamp,metric_name,value,unit
2015-01-01T00:00:00Z,pressure,10.5,psi
2015-01-02T00:00:00Z,pressure,11,psi
not-a-date,pressure,12,psi
2015-01-03T00:00:00Z,pressure,13,psi
`

func TestIngestTimeSeries_BatchesAndSkipsInvalid(t *testing.T) {
	pub := &fakePublisher{}
	l := newLoader(t, newFakeStore(), pub, Config{BatchSize: 2, SkipInvalid: true})

	rep, err := l.IngestTimeSeries(context.Background(), "sensors.csv", strings.NewReader(timeSeriesCSV))
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Rows)
	assert.Equal(t, 3, rep.Accepted)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 2, rep.Batches)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "row 3")

	require.Len(t, pub.timeseries, 2)
	assert.Len(t, pub.timeseries[0], 2)
	assert.Len(t, pub.timeseries[1], 1)
	rec := pub.timeseries[0][0]
	assert.Equal(t, "pressure", rec.MetricName)
	assert.Equal(t, "sensors.csv", rec.Source)
	assert.Equal(t, "psi", rec.Metadata["unit"])
}

func TestIngestTimeSeries_AbortsOnInvalidRow(t *testing.T) {
	pub := &fakePublisher{}
	l := newLoader(t, newFakeStore(), pub, Config{BatchSize: 10, SkipInvalid: false})

	rep, err := l.IngestTimeSeries(context.Background(), "sensors.csv", strings.NewReader(timeSeriesCSV))
	require.Error(t, err)

	var rowErr *normalize.RowError
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 3, rowErr.Row)
	assert.ErrorIs(t, err, normalize.ErrInvalidTimestamp)
	assert.Equal(t, 2, rep.Accepted)
	assert.Empty(t, pub.timeseries, "nothing is published before the batch fills")
}

func TestIngestTimeSeries_NumericTimestampsThroughProducer(t *testing.T) {
	csv := "timestamp,metric_name,value\n" +
		"2015-01-01T00:00:00Z,pressure,1\n" +
		"1420156800000,pressure,2\n" +
		"3000000,pressure,3\n"
	mem := broker.NewMemory(16)
	l := newLoader(t, newFakeStore(), ingest.NewProducer(mem), Config{BatchSize: 10, SkipInvalid: true})

	rep, err := l.IngestTimeSeries(context.Background(), "sensors.csv", strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Accepted)
	assert.Equal(t, 1, rep.Rejected)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "row 3")
	assert.Equal(t, 1, rep.Batches)
	assert.Equal(t, 1, mem.Len())
}

func TestIngestTimeSeries_UnsupportedFormat(t *testing.T) {
	l := newLoader(t, newFakeStore(), &fakePublisher{}, Config{})
	_, err := l.IngestTimeSeries(context.Background(), "sensors.json", strings.NewReader("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestIngestTimeSeries_PublishFailure(t *testing.T) {
	pub := &fakePublisher{err: ingest.ErrPublishFailure}
	l := newLoader(t, newFakeStore(), pub, Config{BatchSize: 2, SkipInvalid: true})

	_, err := l.IngestTimeSeries(context.Background(), "sensors.csv", strings.NewReader(timeSeriesCSV))
	assert.ErrorIs(t, err, ingest.ErrPublishFailure)
}

func TestIngestProduction_ResolvesWells(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	l := newLoader(t, st, pub, Config{BatchSize: 100, SkipInvalid: true})

	csv := `date,well,oil,gas,lat,lng
2015-01-01,W-1,10,5,29.1,51.2
2015-01-02,W-1,11,5,29.1,51.2
2015-01-01,W-2,20,6,,
`
	rep, err := l.IngestProduction(context.Background(), "upload.csv", strings.NewReader(csv), "")
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Accepted)
	assert.Equal(t, 1, rep.Batches)

	require.Len(t, pub.production, 1)
	recs := pub.production[0]
	assert.Equal(t, "W-1", recs[0].WellName)
	assert.Equal(t, recs[0].WellID, recs[1].WellID)
	assert.NotEqual(t, recs[0].WellID, recs[2].WellID)
	oil, ok := recs[2].Field(model.FieldOil)
	require.True(t, ok)
	assert.InDelta(t, 20, oil, 1e-9)

	assert.Equal(t, "29.1", st.wells["W-1"].Lat, "first row updates the well")
	assert.Equal(t, "51.2", st.wells["W-1"].Lng)
	assert.Equal(t, 2, st.ensures, "well ids are cached")
}

func TestIngestProduction_WellFallback(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	l := newLoader(t, st, pub, Config{BatchSize: 100})

	csv := "date,oil\n2015-01-01,1\n"
	_, err := l.IngestProduction(context.Background(), "9001.csv", strings.NewReader(csv), "")
	require.NoError(t, err)
	_, err = l.IngestProduction(context.Background(), "9001.csv", strings.NewReader(csv), "Explicit")
	require.NoError(t, err)

	require.Len(t, pub.production, 2)
	assert.Equal(t, "9001", pub.production[0][0].WellName)
	assert.Equal(t, "Explicit", pub.production[1][0].WellName)
}

func TestLoadWells(t *testing.T) {
	st := newFakeStore()
	l := newLoader(t, st, &fakePublisher{}, Config{})

	csv := `Name,Lat,Lng,DrilingCost
9001,29.5,50.1,120000
9002,29.6,50.2,
,1,2,3
`
	n, err := l.LoadWells(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, "120000", st.wells["9001"].DrillingCost)
	assert.Equal(t, "50.2", st.wells["9002"].Lng)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Wells.csv", "name,lat,lng\n9001,1,2\n9002,3,4\n")
	writeFile(t, dir, "9001.csv", "date,oil\n2015-01-01,1\n2015-01-02,2\n")
	writeFile(t, dir, "9002.csv", "date,oil\n2015-01-01,3\nbad,4\n")
	writeFile(t, dir, "8000.csv", "date,oil\n2015-01-01,9\n")
	writeFile(t, dir, "9003.pdf", "ignored")

	st := newFakeStore()
	pub := &fakePublisher{}
	l := newLoader(t, st, pub, Config{BatchSize: 10, ProductionPrefix: "9", Concurrency: 2, SkipInvalid: true})

	rep, err := l.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Wells)
	require.Len(t, rep.Files, 2)
	assert.Equal(t, 3, rep.Accepted)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 3, pub.productionCount())
	assert.Len(t, st.wells, 2, "production files reuse imported wells")
}

func TestLoadDir_FileFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "9001.csv", "date,oil\n2015-01-01,1\n")
	writeFile(t, dir, "9002.csv", "date,oil\nbad,4\n")

	l := newLoader(t, newFakeStore(), &fakePublisher{}, Config{ProductionPrefix: "9", SkipInvalid: false})

	rep, err := l.LoadDir(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	require.NotNil(t, rep)
	var failed int
	for _, fr := range rep.Files {
		if fr.Err != "" {
			failed++
			assert.Equal(t, "9002.csv", fr.File)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestLoadDir_MissingDir(t *testing.T) {
	l := newLoader(t, newFakeStore(), &fakePublisher{}, Config{})
	_, err := l.LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestLoadDir_ThroughBrokerAndSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "Wells.csv", "name\n9001\n")
	writeFile(t, dir, "9001.csv", "date,oil\n2015-01-01,1\n2015-01-02,2\n2015-01-03,3\n")

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "load.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	mem := broker.NewMemory(16)
	l := newLoader(t, st, ingest.NewProducer(mem), Config{BatchSize: 2, ProductionPrefix: "9"})

	_, err = l.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, mem.Len())

	wells, err := st.ListWells(ctx)
	require.NoError(t, err)
	require.Len(t, wells, 1)
	assert.Equal(t, "9001", wells[0].Name)
}

func TestNewDefaults(t *testing.T) {
	cfg := New(newFakeStore(), &fakePublisher{}, nil, Config{}).cfg
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, "Wells.csv", cfg.WellsFile)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.BulkloadConfig{
		WellsFile:           "wells.csv",
		ProductionPrefix:    "9",
		Concurrency:         3,
		SkipInvalid:         true,
		DownloadTimeoutSecs: 60,
	}, 500)
	assert.Equal(t, Config{
		BatchSize:        500,
		WellsFile:        "wells.csv",
		ProductionPrefix: "9",
		Concurrency:      3,
		SkipInvalid:      true,
		DownloadTimeout:  time.Minute,
	}, cfg)
}
