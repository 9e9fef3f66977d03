package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/fetcher"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/normalize"
)

// Kind labels a file report.
type Kind string

const (
	KindProduction Kind = "production"
	KindTimeSeries Kind = "timeseries"
	KindWells      Kind = "wells"
)

// IngestTimeSeries normalizes a CSV or XLSX time-series file and publishes
// its records in batches as rows stream in. The file name picks the format
// and becomes the records' source.
func (l *Loader) IngestTimeSeries(ctx context.Context, name string, r io.Reader) (FileReport, error) {
	rep := FileReport{File: name, Kind: string(KindTimeSeries)}
	buf := make([]model.TimeSeriesRecord, 0, l.cfg.BatchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		n, err := l.pub.PublishTimeSeries(ctx, buf, l.cfg.BatchSize)
		rep.Batches += n
		buf = buf[:0]
		return err
	}

	err := l.eachRow(ctx, name, r, func(i int, row fetcher.Row) error {
		rep.Rows++
		rec, err := l.norm.TimeSeries(row, name)
		if err != nil {
			return l.rowFailed(&rep, i, err)
		}
		rep.Accepted++
		buf = append(buf, rec)
		if len(buf) >= l.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	l.logReport(rep, err)
	return rep, err
}

// IngestProduction normalizes a CSV or XLSX production file, resolves each
// row's well and publishes the records to the archive table. The well comes
// from the row's well column, else from well, else from the file stem. Well
// location and cost columns on the first row update the well.
func (l *Loader) IngestProduction(ctx context.Context, name string, r io.Reader, well string) (FileReport, error) {
	rep := FileReport{File: name, Kind: string(KindProduction)}
	if well == "" {
		well = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	buf := make([]model.ProductionRecord, 0, l.cfg.BatchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		n, err := l.pub.PublishProduction(ctx, buf, l.cfg.BatchSize, model.TableArchive)
		rep.Batches += n
		buf = buf[:0]
		return err
	}

	err := l.eachRow(ctx, name, r, func(i int, row fetcher.Row) error {
		rep.Rows++
		rec, err := l.norm.Production(row)
		if err != nil {
			return l.rowFailed(&rep, i, err)
		}
		if rec.WellName == "" {
			rec.WellName = well
		}
		if rec.WellID, err = l.wellID(ctx, rec.WellName); err != nil {
			return err
		}
		if i == 1 {
			if err := l.updateWell(ctx, rec); err != nil {
				return err
			}
		}
		rep.Accepted++
		buf = append(buf, rec)
		if len(buf) >= l.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	l.logReport(rep, err)
	return rep, err
}

// LoadWells upserts wells from a CSV with name, lat, lng and drilling cost
// columns. Rows without a name are skipped.
func (l *Loader) LoadWells(ctx context.Context, r io.Reader) (int64, error) {
	var wells []model.Well
	err := l.eachRow(ctx, "wells.csv", r, func(_ int, row fetcher.Row) error {
		cols := keyed(row)
		w := model.Well{
			Name:         firstString(cols, "name", "well", "well_name", "wellname"),
			Lat:          firstString(cols, latKeys...),
			Lng:          firstString(cols, lngKeys...),
			DrillingCost: firstString(cols, costKeys...),
		}
		if w.Name != "" {
			wells = append(wells, w)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	n, err := l.store.UpsertWells(ctx, wells)
	if err != nil {
		return 0, eris.Wrap(err, "loader: upsert wells")
	}
	l.log.Info("wells imported", zap.Int("rows", len(wells)), zap.Int64("upserted", n))
	return n, nil
}

// eachRow streams name's rows to fn with 1-based data row numbers. fn's
// error stops the stream.
func (l *Loader) eachRow(ctx context.Context, name string, r io.Reader, fn func(i int, row fetcher.Row) error) error {
	format, err := fetcher.DetectFormat(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rowCh, errCh := fetcher.StreamRows(ctx, format, r)
	i := 0
	for row := range rowCh {
		i++
		if err := fn(i, row); err != nil {
			cancel()
			for range rowCh {
			}
			return err
		}
	}
	for err := range errCh {
		if err != nil {
			return eris.Wrapf(err, "loader: read %s", name)
		}
	}
	return nil
}

// rowFailed records a normalization failure, or aborts when invalid rows
// are not skipped.
func (l *Loader) rowFailed(rep *FileReport, i int, err error) error {
	rowErr := &normalize.RowError{Row: i, Err: err}
	rep.reject(rowErr)
	if !l.cfg.SkipInvalid {
		return rowErr
	}
	return nil
}

func (l *Loader) wellID(ctx context.Context, name string) (int64, error) {
	l.mu.Lock()
	id, ok := l.wells[name]
	l.mu.Unlock()
	if ok {
		return id, nil
	}
	w, err := l.store.EnsureWell(ctx, name)
	if err != nil {
		return 0, eris.Wrapf(err, "loader: resolve well %s", name)
	}
	l.mu.Lock()
	l.wells[name] = w.ID
	l.mu.Unlock()
	return w.ID, nil
}

var (
	latKeys  = []string{"lat", "latitude"}
	lngKeys  = []string{"lng", "long", "longitude"}
	costKeys = []string{"drilling_cost", "drillingcost", "drilingcost", "driling_cost"}
)

// updateWell copies location and cost metadata from a production row onto
// its well.
func (l *Loader) updateWell(ctx context.Context, rec model.ProductionRecord) error {
	w := model.Well{
		Name:         rec.WellName,
		Lat:          firstString(rec.Metadata, latKeys...),
		Lng:          firstString(rec.Metadata, lngKeys...),
		DrillingCost: firstString(rec.Metadata, costKeys...),
	}
	if w.Lat == "" && w.Lng == "" && w.DrillingCost == "" {
		return nil
	}
	if _, err := l.store.UpsertWells(ctx, []model.Well{w}); err != nil {
		return eris.Wrapf(err, "loader: update well %s", w.Name)
	}
	return nil
}

func (l *Loader) logReport(rep FileReport, err error) {
	fields := []zap.Field{
		zap.String("file", rep.File),
		zap.String("kind", rep.Kind),
		zap.Int("rows", rep.Rows),
		zap.Int("accepted", rep.Accepted),
		zap.Int("rejected", rep.Rejected),
		zap.Int("batches", rep.Batches),
	}
	var rowErr *normalize.RowError
	switch {
	case err == nil:
		l.log.Info("file ingested", fields...)
	case errors.As(err, &rowErr):
		l.log.Warn("file aborted on invalid row", append(fields, zap.Error(err))...)
	default:
		l.log.Error("file ingest failed", append(fields, zap.Error(err))...)
	}
}

// keyed re-keys a row by normalize.Key.
func keyed(row fetcher.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[normalize.Key(k)] = v
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
