package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/resilience"
)

// sqliteTimeLayout stores instants as fixed-width UTC text so that string
// comparison orders them chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteProductionTable = `
CREATE TABLE IF NOT EXISTS %s (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	well_id          INTEGER NOT NULL REFERENCES well(id) ON DELETE CASCADE,
	date             TEXT NOT NULL,
	down_temperature REAL,
	choke_size       REAL,
	head_pressure    REAL,
	head_temperature REAL,
	choke_pressure   REAL,
	oil              REAL,
	gas              REAL,
	water            REAL,
	water_i          REAL,
	work_time        REAL,
	down_pressure    REAL,
	flow_kind        TEXT,
	UNIQUE (well_id, date)
);
CREATE INDEX IF NOT EXISTS idx_%s_date ON %s(date);
`

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS well (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	lat           TEXT NOT NULL DEFAULT '',
	lng           TEXT NOT NULL DEFAULT '',
	drilling_cost TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS timeseries_data (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	value       REAL NOT NULL,
	metadata    TEXT,
	source      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	UNIQUE (metric_name, timestamp)
);

CREATE TABLE IF NOT EXISTS replay_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL,
	routing_key    TEXT NOT NULL,
	body           BLOB,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	delivery_count INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_timeseries_data_metric_ts ON timeseries_data(metric_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates tables and indexes if they are missing.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	for _, t := range []model.Table{model.TableArchive, model.TableLive} {
		ddl := fmt.Sprintf(sqliteProductionTable, t, t, t)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return eris.Wrapf(err, "sqlite: migrate %s", t)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Wells ---

func (s *SQLiteStore) UpsertWells(ctx context.Context, wells []model.Well) (int64, error) {
	if len(wells) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert wells: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO well (name, lat, lng, drilling_cost, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET lat = excluded.lat, lng = excluded.lng, drilling_cost = excluded.drilling_cost`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert wells: prepare")
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	var n int64
	for _, w := range wells {
		res, err := stmt.ExecContext(ctx, w.Name, w.Lat, w.Lng, w.DrillingCost, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert well %s", w.Name)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert wells: commit")
	}
	return n, nil
}

func (s *SQLiteStore) EnsureWell(ctx context.Context, name string) (model.Well, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO well (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name, formatTime(time.Now()),
	); err != nil {
		return model.Well{}, eris.Wrapf(err, "sqlite: ensure well %s", name)
	}
	w, err := scanWell(s.db.QueryRowContext(ctx,
		`SELECT id, name, lat, lng, drilling_cost, created_at FROM well WHERE name = ?`, name))
	if err != nil {
		return model.Well{}, eris.Wrapf(err, "sqlite: ensure well %s", name)
	}
	return w, nil
}

func (s *SQLiteStore) ListWells(ctx context.Context) ([]model.Well, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, lat, lng, drilling_cost, created_at FROM well ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list wells")
	}
	defer rows.Close()

	var wells []model.Well
	for rows.Next() {
		w, err := scanWell(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan well")
		}
		wells = append(wells, w)
	}
	return wells, eris.Wrap(rows.Err(), "sqlite: list wells iterate")
}

func scanWell(row scannable) (model.Well, error) {
	var w model.Well
	var created string
	if err := row.Scan(&w.ID, &w.Name, &w.Lat, &w.Lng, &w.DrillingCost, &created); err != nil {
		return w, err
	}
	t, err := parseTime(created)
	if err != nil {
		return w, err
	}
	w.CreatedAt = t
	return w, nil
}

// --- Production ---

func (s *SQLiteStore) ProductionExists(ctx context.Context, table model.Table, key model.DedupKey) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	wellID, err := wellIDFromKey(key)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE well_id = ? AND date = ?)`, table),
		wellID, formatTime(key.Timestamp),
	).Scan(&exists)
	return exists, eris.Wrapf(err, "sqlite: production exists %s", key)
}

func (s *SQLiteStore) InsertProduction(ctx context.Context, table model.Table, recs []model.ProductionRecord) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(productionColumns)), ", ")
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`,
		table, strings.Join(productionColumns, ", "), placeholders)

	return s.insertBatch(ctx, query, len(recs), func(i int) []any {
		return productionRow(recs[i], formatTime(recs[i].Timestamp))
	})
}

// insertBatch runs one prepared statement per row inside a single
// transaction and returns the number of rows inserted.
func (s *SQLiteStore) insertBatch(ctx context.Context, query string, n int, args func(i int) []any) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert: prepare")
	}
	defer stmt.Close()

	var inserted int64
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert row %d", i)
		}
		affected, _ := res.RowsAffected()
		inserted += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) FetchDay(ctx context.Context, table model.Table, day time.Time) ([]model.WellDay, error) {
	start, end := dayRange(day)
	return s.QueryProduction(ctx, table, ProductionFilter{Start: start, End: end})
}

func (s *SQLiteStore) QueryProduction(ctx context.Context, table model.Table, filter ProductionFilter) ([]model.WellDay, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT p.well_id, w.name, p.date, %s, p.flow_kind FROM %s p JOIN well w ON w.id = p.well_id WHERE 1=1`,
		quoteFields("p."), table,
	)
	var args []any
	if filter.WellName != "" {
		query += ` AND w.name = ?`
		args = append(args, filter.WellName)
	}
	if !filter.Start.IsZero() {
		query += ` AND p.date >= ?`
		args = append(args, formatTime(filter.Start))
	}
	if !filter.End.IsZero() {
		query += ` AND p.date < ?`
		args = append(args, formatTime(filter.End))
	}
	query += ` ORDER BY p.well_id, p.date, p.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query %s", table)
	}
	defer rows.Close()

	var days []model.WellDay
	for rows.Next() {
		r, err := scanProduction(rows, parseTime)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan production")
		}
		days = groupByWell(days, r)
	}
	return days, eris.Wrapf(rows.Err(), "sqlite: query %s iterate", table)
}

func (s *SQLiteStore) RemoveDuplicates(ctx context.Context, table model.Table, wellID int64) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (
			SELECT id FROM (
				SELECT id, row_number() OVER (PARTITION BY substr(date, 1, 10) ORDER BY id DESC) AS rn
				FROM %s WHERE well_id = ?
			) WHERE rn > 1
		)`, table, table),
		wellID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: remove duplicates for well %d", wellID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- Time series ---

func (s *SQLiteStore) TimeSeriesExists(ctx context.Context, key model.DedupKey) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM timeseries_data WHERE metric_name = ? AND timestamp = ?)`,
		key.Entity, formatTime(key.Timestamp),
	).Scan(&exists)
	return exists, eris.Wrapf(err, "sqlite: timeseries exists %s", key)
}

func (s *SQLiteStore) InsertTimeSeries(ctx context.Context, recs []model.TimeSeriesRecord) (int64, error) {
	metas := make([]any, len(recs))
	for i, r := range recs {
		if len(r.Metadata) == 0 {
			continue
		}
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: marshal metadata")
		}
		metas[i] = string(b)
	}
	query := `INSERT OR IGNORE INTO timeseries_data (` + strings.Join(timeSeriesColumns, ", ") + `) VALUES (?, ?, ?, ?, ?)`
	return s.insertBatch(ctx, query, len(recs), func(i int) []any {
		r := recs[i]
		return []any{formatTime(r.Timestamp), r.MetricName, r.Value, metas[i], r.Source}
	})
}

func (s *SQLiteStore) LatestTimeSeries(ctx context.Context, metric string, limit int) ([]model.TimeSeriesRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, metric_name, value, metadata, source FROM timeseries_data
		 WHERE metric_name = ? ORDER BY timestamp DESC LIMIT ?`,
		metric, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest timeseries %s", metric)
	}
	defer rows.Close()

	var out []model.TimeSeriesRecord
	for rows.Next() {
		var (
			r    model.TimeSeriesRecord
			ts   string
			meta sql.NullString
		)
		if err := rows.Scan(&ts, &r.MetricName, &r.Value, &meta, &r.Source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan timeseries")
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: latest timeseries iterate")
}

func (s *SQLiteStore) TimeSeriesStats(ctx context.Context, metric string, start, end time.Time) (*TimeSeriesStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM timeseries_data WHERE metric_name = ? AND timestamp >= ? AND timestamp < ?`,
		metric, formatTime(start), formatTime(end),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: timeseries stats %s", metric)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan value")
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: timeseries stats iterate")
	}

	st := computeStats(values)
	st.Metric = metric
	st.Start = start.UTC()
	st.End = end.UTC()
	return &st, nil
}

// --- Key-value ---

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM replay_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: get state %s", key)
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replay_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: set state %s", key)
}

// --- Dead letters ---

func (s *SQLiteStore) DeadLetter(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dead_letters (id, message_id, routing_key, body, error, error_type, delivery_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.MessageID, entry.RoutingKey, entry.Body,
		entry.Error, entry.ErrorType, entry.DeliveryCount, formatTime(entry.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, message_id, routing_key, body, error, error_type, delivery_count, created_at FROM dead_letters`
	var args []any
	if filter.ErrorType != "" {
		query += ` WHERE error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var created string
		if err := rows.Scan(&e.ID, &e.MessageID, &e.RoutingKey, &e.Body,
			&e.Error, &e.ErrorType, &e.DeliveryCount, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}
