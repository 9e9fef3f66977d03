// Package store persists wells, production readings, time series, replay
// state and dead letters in Postgres or SQLite.
package store

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/resilience"
)

// ProductionFilter selects production readings. Zero times leave that side
// of the [Start, End) range open.
type ProductionFilter struct {
	WellName string    `json:"well_name,omitempty"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
}

// TimeSeriesStats summarizes one metric over a time window.
type TimeSeriesStats struct {
	Metric string    `json:"metric"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Count  int64     `json:"count"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	StdDev float64   `json:"stddev"`
	Median float64   `json:"median"`
	P95    float64   `json:"p95"`
}

// Store defines the persistence interface for the ingest pipeline.
type Store interface {
	// Wells
	UpsertWells(ctx context.Context, wells []model.Well) (int64, error)
	EnsureWell(ctx context.Context, name string) (model.Well, error)
	ListWells(ctx context.Context) ([]model.Well, error)

	// Production
	ProductionExists(ctx context.Context, table model.Table, key model.DedupKey) (bool, error)
	InsertProduction(ctx context.Context, table model.Table, recs []model.ProductionRecord) (int64, error)
	FetchDay(ctx context.Context, table model.Table, day time.Time) ([]model.WellDay, error)
	QueryProduction(ctx context.Context, table model.Table, filter ProductionFilter) ([]model.WellDay, error)
	RemoveDuplicates(ctx context.Context, table model.Table, wellID int64) (int64, error)

	// Time series
	TimeSeriesExists(ctx context.Context, key model.DedupKey) (bool, error)
	InsertTimeSeries(ctx context.Context, recs []model.TimeSeriesRecord) (int64, error)
	LatestTimeSeries(ctx context.Context, metric string, limit int) ([]model.TimeSeriesRecord, error)
	TimeSeriesStats(ctx context.Context, metric string, start, end time.Time) (*TimeSeriesStats, error)

	// Key-value state (replay cursor)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error

	// Dead letters
	DeadLetter(ctx context.Context, entry resilience.DLQEntry) error
	ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const (
	tableWell        = "well"
	tableTimeSeries  = "timeseries_data"
	tableReplayState = "replay_state"
	tableDeadLetters = "dead_letters"
)

// productionColumns is the insert column order for production tables.
var productionColumns = append(append([]string{"well_id", "date"}, model.ProductionFields...), "flow_kind")

var timeSeriesColumns = []string{"timestamp", "metric_name", "value", "metadata", "source"}

func checkTable(t model.Table) error {
	if !t.Valid() {
		return eris.Errorf("store: unknown table %q", t)
	}
	return nil
}

// wellIDFromKey parses the entity of a production dedup key.
func wellIDFromKey(key model.DedupKey) (int64, error) {
	id, err := strconv.ParseInt(key.Entity, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "store: production key entity %q is not a well id", key.Entity)
	}
	return id, nil
}

// dayRange returns [midnight, next midnight) in UTC for the day containing t.
func dayRange(t time.Time) (time.Time, time.Time) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// productionRow builds one insert row in productionColumns order. Missing
// fields become NULL.
func productionRow(r model.ProductionRecord, ts any) []any {
	row := make([]any, 0, len(productionColumns))
	row = append(row, r.WellID, ts)
	for _, f := range model.ProductionFields {
		if v, ok := r.Field(f); ok {
			row = append(row, v)
		} else {
			row = append(row, nil)
		}
	}
	var flow any
	if r.FlowKind != "" {
		flow = r.FlowKind
	}
	return append(row, flow)
}

// fillFields copies scanned nullable columns into r.
func fillFields(r *model.ProductionRecord, vals []*float64, flow *string) {
	for i, f := range model.ProductionFields {
		if vals[i] != nil {
			r.SetField(f, *vals[i])
		}
	}
	if flow != nil {
		r.FlowKind = *flow
	}
}

// groupByWell appends r to the trailing group when it belongs to the same
// well, otherwise starts a new group. Input must be ordered by well.
func groupByWell(days []model.WellDay, r model.ProductionRecord) []model.WellDay {
	if n := len(days); n > 0 && days[n-1].WellID == r.WellID {
		days[n-1].Records = append(days[n-1].Records, r)
		return days
	}
	return append(days, model.WellDay{WellID: r.WellID, WellName: r.WellName, Records: []model.ProductionRecord{r}})
}

// computeStats summarizes values the way Postgres aggregates do: sample
// standard deviation and percentile_cont interpolation.
func computeStats(values []float64) TimeSeriesStats {
	var s TimeSeriesStats
	n := len(values)
	if n == 0 {
		return s
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	s.Count = int64(n)
	s.Avg = sum / float64(n)
	s.Min = sorted[0]
	s.Max = sorted[n-1]
	if n > 1 {
		var sq float64
		for _, v := range sorted {
			sq += (v - s.Avg) * (v - s.Avg)
		}
		s.StdDev = math.Sqrt(sq / float64(n-1))
	}
	s.Median = percentile(sorted, 0.5)
	s.P95 = percentile(sorted, 0.95)
	return s
}

func percentile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

// quoteFields renders the production field columns with a table prefix.
func quoteFields(prefix string) string {
	cols := make([]string, len(model.ProductionFields))
	for i, f := range model.ProductionFields {
		cols[i] = prefix + f
	}
	return strings.Join(cols, ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

// scanProduction reads well_id, well name, date, every production field and
// flow_kind. D is the driver's scan type for the date column.
func scanProduction[D any](row scannable, toTime func(D) (time.Time, error)) (model.ProductionRecord, error) {
	var (
		r    model.ProductionRecord
		date D
		flow *string
	)
	vals := make([]*float64, len(model.ProductionFields))
	dest := make([]any, 0, len(vals)+4)
	dest = append(dest, &r.WellID, &r.WellName, &date)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	dest = append(dest, &flow)

	if err := row.Scan(dest...); err != nil {
		return r, err
	}
	ts, err := toTime(date)
	if err != nil {
		return r, err
	}
	r.Timestamp = ts
	fillFields(&r, vals, flow)
	return r, nil
}
