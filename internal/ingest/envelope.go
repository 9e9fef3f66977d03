// Package ingest moves record batches through the broker: the Producer
// splits and publishes, the Consumer persists, and the Runner translates
// consumer results into broker acknowledgements.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/model"
)

// Kind identifies the record type carried by an envelope.
type Kind string

const (
	KindProduction Kind = "production"
	KindTimeSeries Kind = "timeseries"
)

// Routing keys.
const (
	RouteBatch  = "data.ingestion"
	RouteSingle = "data.single"
	RouteReplay = "production.data.daily"
)

// ErrMalformed marks a message body that can never be handled.
var ErrMalformed = eris.New("ingest: malformed envelope")

// Envelope is the JSON body of every queue message.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Target      model.Table     `json:"target,omitempty"`
	Records     json.RawMessage `json:"records"`
	PublishedAt time.Time       `json:"publishedAt"`
	BatchSize   int             `json:"batchSize"`
	Index       int             `json:"index"`
	Total       int             `json:"total"`
	ReplayDate  *time.Time      `json:"replayDate,omitempty"`
}

// DecodeEnvelope parses and validates a message body. Every failure wraps
// ErrMalformed.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, eris.Wrapf(ErrMalformed, "decode: %v", err)
	}
	switch env.Kind {
	case KindProduction:
		if env.Target == "" {
			env.Target = model.TableArchive
		}
		if !env.Target.Valid() {
			return env, eris.Wrapf(ErrMalformed, "unknown target %q", env.Target)
		}
	case KindTimeSeries:
	default:
		return env, eris.Wrapf(ErrMalformed, "unknown kind %q", env.Kind)
	}
	if len(env.Records) == 0 || string(env.Records) == "null" {
		return env, eris.Wrap(ErrMalformed, "missing records")
	}
	return env, nil
}

// DecodeRecords unmarshals the envelope's records into T.
func DecodeRecords[T any](env Envelope) ([]T, error) {
	var recs []T
	if err := json.Unmarshal(env.Records, &recs); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "decode %s records: %v", env.Kind, err)
	}
	return recs, nil
}

// Chunk splits records into contiguous slices of at most size elements,
// preserving order. The slices share records' backing array.
func Chunk[T any](records []T, size int) [][]T {
	if size <= 0 || len(records) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		out = append(out, records[start:end:end])
	}
	return out
}
