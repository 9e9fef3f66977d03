package dedup

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldata/prodstream/internal/model"
)

type fakeStore struct {
	keys  map[string]bool
	calls int
	err   error
}

func (f *fakeStore) Exists(_ context.Context, key model.DedupKey) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.keys[key.String()], nil
}

func rec(well int64, day int) model.ProductionRecord {
	return model.ProductionRecord{WellID: well, Timestamp: time.Date(2015, 3, day, 0, 0, 0, 0, time.UTC)}
}

func TestCheck_BatchBeforeStore(t *testing.T) {
	store := &fakeStore{keys: map[string]bool{}}
	d := New(store)
	ctx := context.Background()

	dec, err := d.Check(ctx, rec(7, 4).Key())
	require.NoError(t, err)
	assert.Equal(t, Accept, dec)

	dec, err = d.Check(ctx, rec(7, 4).Key())
	require.NoError(t, err)
	assert.Equal(t, RejectBatch, dec)
	assert.Equal(t, 1, store.calls, "batch hit must not query the store")
}

func TestCheck_Stored(t *testing.T) {
	existing := rec(7, 4).Key()
	store := &fakeStore{keys: map[string]bool{existing.String(): true}}
	d := New(store)

	dec, err := d.Check(context.Background(), existing)
	require.NoError(t, err)
	assert.Equal(t, RejectStored, dec)
	assert.Equal(t, 0, d.Len())
}

func TestCheck_StoreError(t *testing.T) {
	boom := errors.New("db down")
	d := New(&fakeStore{err: boom})

	_, err := d.Check(context.Background(), rec(1, 1).Key())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, d.Len())
}

func TestCheck_NilStore(t *testing.T) {
	d := New(nil)
	dec, err := d.Check(context.Background(), rec(1, 1).Key())
	require.NoError(t, err)
	assert.Equal(t, Accept, dec)
}

func TestFilter_FirstOccurrenceWins(t *testing.T) {
	stored := rec(2, 1)
	store := &fakeStore{keys: map[string]bool{stored.Key().String(): true}}

	first := rec(1, 1)
	first.FlowKind = "first"
	second := rec(1, 1)
	second.FlowKind = "second"

	in := []model.ProductionRecord{first, rec(1, 2), second, stored, rec(3, 1)}
	out, stats, err := Filter(context.Background(), New(store), in)
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].FlowKind)
	assert.Equal(t, int64(1), out[1].WellID)
	assert.Equal(t, int64(3), out[2].WellID)
	assert.Equal(t, Stats{Accepted: 3, DuplicateInBatch: 1, DuplicateInStore: 1}, stats)
	assert.Equal(t, 2, stats.Rejected())
}

func TestFilter_NoTwoAcceptedShareKey(t *testing.T) {
	var in []model.TimeSeriesRecord
	base := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 50 {
		in = append(in, model.TimeSeriesRecord{
			MetricName: "m" + strconv.Itoa(i%5),
			Timestamp:  base.Add(time.Duration(i%7) * time.Hour),
		})
	}

	out, _, err := Filter(context.Background(), New(CheckerFunc(func(context.Context, model.DedupKey) (bool, error) {
		return false, nil
	})), in)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, r := range out {
		k := r.Key().String()
		assert.False(t, seen[k], "duplicate key %s accepted", k)
		seen[k] = true
	}
	assert.Len(t, out, 35)
}

func TestFilter_AbortsOnStoreError(t *testing.T) {
	_, _, err := Filter(context.Background(), New(&fakeStore{err: errors.New("timeout")}), []model.ProductionRecord{rec(1, 1)})
	assert.Error(t, err)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "accept", Accept.String())
	assert.Equal(t, "duplicate_in_batch", RejectBatch.String())
	assert.Equal(t, "duplicate_in_store", RejectStored.String())
}
