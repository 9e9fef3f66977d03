// Package dedup decides whether a candidate record is new with respect to
// both the current batch and the durable store.
package dedup

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/model"
)

// Checker answers whether a key is already persisted.
type Checker interface {
	Exists(ctx context.Context, key model.DedupKey) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, key model.DedupKey) (bool, error)

// Exists calls f.
func (f CheckerFunc) Exists(ctx context.Context, key model.DedupKey) (bool, error) {
	return f(ctx, key)
}

// Decision is the outcome for one candidate.
type Decision int

const (
	// Accept means the key is new; it is now recorded in the batch set.
	Accept Decision = iota
	// RejectBatch means the key was already accepted in this batch.
	RejectBatch
	// RejectStored means the key already exists in the durable store.
	RejectStored
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectBatch:
		return "duplicate_in_batch"
	case RejectStored:
		return "duplicate_in_store"
	default:
		return "unknown"
	}
}

// Deduplicator holds the batch-local key set for one flush. It is not safe
// for concurrent use; create one per batch.
type Deduplicator struct {
	store Checker
	seen  map[string]struct{}
}

// New creates a Deduplicator backed by store. A nil store skips the durable
// check.
func New(store Checker) *Deduplicator {
	return &Deduplicator{store: store, seen: make(map[string]struct{})}
}

// Check decides one candidate. The batch set is consulted before the store
// so same-batch duplicates never reach the existence query.
func (d *Deduplicator) Check(ctx context.Context, key model.DedupKey) (Decision, error) {
	k := key.String()
	if _, ok := d.seen[k]; ok {
		return RejectBatch, nil
	}
	if d.store != nil {
		exists, err := d.store.Exists(ctx, key)
		if err != nil {
			return Accept, eris.Wrapf(err, "dedup: exists %s", k)
		}
		if exists {
			return RejectStored, nil
		}
	}
	d.seen[k] = struct{}{}
	return Accept, nil
}

// Len returns the number of accepted keys.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}

// Stats counts decisions made by Filter.
type Stats struct {
	Accepted         int `json:"accepted"`
	DuplicateInBatch int `json:"duplicate_in_batch"`
	DuplicateInStore int `json:"duplicate_in_store"`
}

// Rejected returns the number of rejected candidates.
func (s Stats) Rejected() int {
	return s.DuplicateInBatch + s.DuplicateInStore
}

// Keyed is any record with a dedup key.
type Keyed interface {
	Key() model.DedupKey
}

// Filter returns the accepted subset of records in their original order.
// The first occurrence of a key wins. Any existence-check failure aborts.
func Filter[T Keyed](ctx context.Context, d *Deduplicator, records []T) ([]T, Stats, error) {
	var stats Stats
	out := make([]T, 0, len(records))
	for _, r := range records {
		decision, err := d.Check(ctx, r.Key())
		if err != nil {
			return nil, stats, err
		}
		switch decision {
		case Accept:
			stats.Accepted++
			out = append(out, r)
		case RejectBatch:
			stats.DuplicateInBatch++
		case RejectStored:
			stats.DuplicateInStore++
		}
		if decision != Accept {
			zap.L().Debug("duplicate record skipped",
				zap.String("component", "dedup"),
				zap.String("key", r.Key().String()),
				zap.Stringer("decision", decision),
			)
		}
	}
	return out, stats, nil
}
