// Package normalize converts heterogeneous tabular rows into canonical
// time-series and production records. It is a pure transform; errors are
// per row and the caller decides whether to skip or abort.
package normalize

import (
	"fmt"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/model"
)

// RowError ties a normalization failure to its position in the source.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Normalizer turns raw rows into records.
type Normalizer struct {
	valueColumn string
	setters     map[string]setter
	dateKeys    []string
}

// Option configures a Normalizer.
type Option func(*normalizerOptions)

type normalizerOptions struct {
	valueColumn string
	aliases     map[string]string
}

// WithValueColumn sets the time-series value column. Default "value".
func WithValueColumn(col string) Option {
	return func(o *normalizerOptions) {
		if col != "" {
			o.valueColumn = col
		}
	}
}

// WithAliases adds header aliases on top of the built-in table.
func WithAliases(aliases map[string]string) Option {
	return func(o *normalizerOptions) {
		for k, v := range aliases {
			o.aliases[k] = v
		}
	}
}

// New builds a Normalizer. It fails only when an alias targets an unknown field.
func New(opts ...Option) (*Normalizer, error) {
	o := normalizerOptions{valueColumn: "value", aliases: make(map[string]string, len(defaultAliases))}
	for k, v := range defaultAliases {
		o.aliases[k] = v
	}
	for _, opt := range opts {
		opt(&o)
	}

	setters, err := buildSetters(o.aliases)
	if err != nil {
		return nil, err
	}

	dateKeys := append([]string(nil), productionTimestampKeys...)
	for alias, target := range o.aliases {
		if target == TargetDate && !contains(dateKeys, Key(alias)) {
			dateKeys = append(dateKeys, Key(alias))
		}
	}

	return &Normalizer{valueColumn: Key(o.valueColumn), setters: setters, dateKeys: dateKeys}, nil
}

// TimeSeries converts a row into a TimeSeriesRecord. The timestamp comes
// from timestamp, time or date; the metric from metric_name or metric.
// Every other non-empty column becomes metadata.
func (n *Normalizer) TimeSeries(row map[string]any, source string) (model.TimeSeriesRecord, error) {
	cols := normalizeRow(row)

	tsKey, tsRaw := first(cols, "timestamp", "time", "date")
	if tsKey == "" {
		return model.TimeSeriesRecord{}, eris.Wrap(ErrInvalidTimestamp, "no timestamp, time or date column")
	}
	ts, err := ParseTimestamp(tsRaw)
	if err != nil {
		return model.TimeSeriesRecord{}, err
	}

	raw, ok := cols[n.valueColumn]
	if !ok {
		return model.TimeSeriesRecord{}, eris.Wrapf(ErrInvalidValue, "missing column %s", n.valueColumn)
	}
	value, err := ParseValue(raw)
	if err != nil {
		return model.TimeSeriesRecord{}, err
	}

	metric := model.DefaultMetricName
	metricKey, metricRaw := first(cols, "metric_name", "metric")
	if metricKey != "" {
		if s := fmt.Sprint(metricRaw); s != "" {
			metric = s
		}
	}

	rec := model.TimeSeriesRecord{
		Timestamp:  ts,
		MetricName: metric,
		Value:      value,
		Source:     source,
	}
	for _, k := range sortedKeys(cols) {
		if k == tsKey || k == n.valueColumn || k == metricKey {
			continue
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any)
		}
		rec.Metadata[k] = cols[k]
	}
	return rec, nil
}

// Production converts a row into a ProductionRecord using the field setter
// table. WellID is left for the caller to resolve from WellName.
// Unrecognized columns become metadata.
func (n *Normalizer) Production(row map[string]any) (model.ProductionRecord, error) {
	cols := normalizeRow(row)

	tsKey, tsRaw := first(cols, n.dateKeys...)
	if tsKey == "" {
		return model.ProductionRecord{}, eris.Wrap(ErrInvalidTimestamp, "no date column")
	}
	ts, err := ParseTimestamp(tsRaw)
	if err != nil {
		return model.ProductionRecord{}, err
	}

	rec := model.ProductionRecord{Timestamp: ts}
	for _, k := range sortedKeys(cols) {
		if contains(n.dateKeys, k) {
			continue
		}
		set, ok := n.setters[k]
		if !ok {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]any)
			}
			rec.Metadata[k] = cols[k]
			continue
		}
		if err := set(&rec, cols[k]); err != nil {
			return model.ProductionRecord{}, err
		}
	}
	return rec, nil
}

// normalizeRow re-keys a row by Key and drops empty cells. On key
// collisions the lexically first original header wins.
func normalizeRow(row map[string]any) map[string]any {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(row))
	for _, k := range keys {
		v := row[k]
		if isEmpty(v) {
			continue
		}
		nk := Key(k)
		if _, dup := out[nk]; dup {
			continue
		}
		out[nk] = v
	}
	return out
}

func first(cols map[string]any, keys ...string) (string, any) {
	for _, k := range keys {
		if v, ok := cols[k]; ok {
			return k, v
		}
	}
	return "", nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
