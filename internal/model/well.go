package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Well is a production well. Name is unique.
type Well struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Lat          string    `json:"lat,omitempty"`
	Lng          string    `json:"lng,omitempty"`
	DrillingCost string    `json:"drilling_cost,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Table names a production target table.
type Table string

const (
	// TableArchive holds historical readings loaded from files.
	TableArchive Table = "production_data"
	// TableLive holds readings delivered by the replay consumer.
	TableLive Table = "live_production"
)

// Valid reports whether t is a known production table.
func (t Table) Valid() bool {
	return t == TableArchive || t == TableLive
}

// ParseTable converts a config or request value into a Table.
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "archive", string(TableArchive):
		return TableArchive, nil
	case "live", string(TableLive):
		return TableLive, nil
	default:
		return "", eris.Errorf("model: unknown table %q (valid: archive, live)", s)
	}
}

// DedupKey identifies one physical reading: an entity at an instant.
type DedupKey struct {
	Entity    string
	Timestamp time.Time
}

// String renders the key as "entity|RFC3339Nano" in UTC.
func (k DedupKey) String() string {
	return k.Entity + "|" + k.Timestamp.UTC().Format(time.RFC3339Nano)
}
