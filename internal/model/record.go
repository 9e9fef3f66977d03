package model

import (
	"strconv"
	"time"
)

// DefaultMetricName is used when a time-series row carries no metric column.
const DefaultMetricName = "default_metric"

// TimeSeriesRecord is one canonical (timestamp, metric, value) observation.
type TimeSeriesRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	MetricName string         `json:"metric_name"`
	Value      float64        `json:"value"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Source     string         `json:"source"`
}

// Key returns the dedup key (metric, timestamp).
func (r TimeSeriesRecord) Key() DedupKey {
	return DedupKey{Entity: r.MetricName, Timestamp: r.Timestamp}
}

// ProductionRecord is one daily production reading for a well.
type ProductionRecord struct {
	WellID    int64              `json:"well_id"`
	WellName  string             `json:"well_name,omitempty"`
	Timestamp time.Time          `json:"date"`
	Fields    map[string]float64 `json:"fields,omitempty"`
	FlowKind  string             `json:"flow_kind,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// Key returns the dedup key (well, date).
func (r ProductionRecord) Key() DedupKey {
	return DedupKey{Entity: strconv.FormatInt(r.WellID, 10), Timestamp: r.Timestamp}
}

// Field returns the named field value and whether it was set.
func (r ProductionRecord) Field(name string) (float64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// SetField stores a numeric field, allocating the map on first use.
func (r *ProductionRecord) SetField(name string, v float64) {
	if r.Fields == nil {
		r.Fields = make(map[string]float64, len(ProductionFields))
	}
	r.Fields[name] = v
}

// Canonical numeric production fields, in storage column order.
const (
	FieldDownTemperature = "down_temperature"
	FieldChokeSize       = "choke_size"
	FieldHeadPressure    = "head_pressure"
	FieldHeadTemperature = "head_temperature"
	FieldChokePressure   = "choke_pressure"
	FieldOil             = "oil"
	FieldGas             = "gas"
	FieldWater           = "water"
	FieldWaterInjected   = "water_i"
	FieldWorkTime        = "work_time"
	FieldDownPressure    = "down_pressure"
)

// ProductionFields lists every numeric production column.
var ProductionFields = []string{
	FieldDownTemperature,
	FieldChokeSize,
	FieldHeadPressure,
	FieldHeadTemperature,
	FieldChokePressure,
	FieldOil,
	FieldGas,
	FieldWater,
	FieldWaterInjected,
	FieldWorkTime,
	FieldDownPressure,
}

// IsProductionField reports whether name is a canonical numeric field.
func IsProductionField(name string) bool {
	for _, f := range ProductionFields {
		if f == name {
			return true
		}
	}
	return false
}

// WellDay groups one well's production records for a query window.
type WellDay struct {
	WellID   int64              `json:"well_id"`
	WellName string             `json:"well_name"`
	Records  []ProductionRecord `json:"records"`
}

// Flatten concatenates grouped records in group order.
func Flatten(days []WellDay) []ProductionRecord {
	var n int
	for _, d := range days {
		n += len(d.Records)
	}
	out := make([]ProductionRecord, 0, n)
	for _, d := range days {
		out = append(out, d.Records...)
	}
	return out
}
