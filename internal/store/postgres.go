package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/db"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects a pool and returns a store that owns it.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, maxConns, minConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close is a no-op.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS well (
	id            BIGSERIAL PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	lat           TEXT NOT NULL DEFAULT '',
	lng           TEXT NOT NULL DEFAULT '',
	drilling_cost TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS production_data (
	id               BIGSERIAL PRIMARY KEY,
	well_id          BIGINT NOT NULL REFERENCES well(id) ON DELETE CASCADE,
	date             TIMESTAMPTZ NOT NULL,
	down_temperature DOUBLE PRECISION,
	choke_size       DOUBLE PRECISION,
	head_pressure    DOUBLE PRECISION,
	head_temperature DOUBLE PRECISION,
	choke_pressure   DOUBLE PRECISION,
	oil              DOUBLE PRECISION,
	gas              DOUBLE PRECISION,
	water            DOUBLE PRECISION,
	water_i          DOUBLE PRECISION,
	work_time        DOUBLE PRECISION,
	down_pressure    DOUBLE PRECISION,
	flow_kind        TEXT,
	UNIQUE (well_id, date)
);

CREATE TABLE IF NOT EXISTS live_production (LIKE production_data INCLUDING ALL);
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'live_production_well_id_fkey') THEN
		ALTER TABLE live_production ADD CONSTRAINT live_production_well_id_fkey
			FOREIGN KEY (well_id) REFERENCES well(id) ON DELETE CASCADE;
	END IF;
END $$;

CREATE TABLE IF NOT EXISTS timeseries_data (
	id          BIGSERIAL PRIMARY KEY,
	timestamp   TIMESTAMPTZ NOT NULL,
	metric_name TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	metadata    JSONB,
	source      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (metric_name, timestamp)
);

CREATE TABLE IF NOT EXISTS replay_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	message_id     TEXT NOT NULL,
	routing_key    TEXT NOT NULL,
	body           BYTEA,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	delivery_count INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_production_data_date ON production_data(date);
CREATE INDEX IF NOT EXISTS idx_timeseries_data_metric_ts ON timeseries_data(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters(created_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates tables and indexes if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when the store owns it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Wells ---

func (s *PostgresStore) UpsertWells(ctx context.Context, wells []model.Well) (int64, error) {
	rows := make([][]any, 0, len(wells))
	for _, w := range wells {
		rows = append(rows, []any{w.Name, w.Lat, w.Lng, w.DrillingCost})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        tableWell,
		Columns:      []string{"name", "lat", "lng", "drilling_cost"},
		ConflictKeys: []string{"name"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert wells")
}

func (s *PostgresStore) EnsureWell(ctx context.Context, name string) (model.Well, error) {
	var w model.Well
	err := s.pool.QueryRow(ctx,
		`INSERT INTO well (name) VALUES ($1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, name, lat, lng, drilling_cost, created_at`,
		name,
	).Scan(&w.ID, &w.Name, &w.Lat, &w.Lng, &w.DrillingCost, &w.CreatedAt)
	if err != nil {
		return model.Well{}, eris.Wrapf(err, "postgres: ensure well %s", name)
	}
	return w, nil
}

func (s *PostgresStore) ListWells(ctx context.Context) ([]model.Well, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, lat, lng, drilling_cost, created_at FROM well ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list wells")
	}
	defer rows.Close()

	var wells []model.Well
	for rows.Next() {
		var w model.Well
		if err := rows.Scan(&w.ID, &w.Name, &w.Lat, &w.Lng, &w.DrillingCost, &w.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan well")
		}
		wells = append(wells, w)
	}
	return wells, eris.Wrap(rows.Err(), "postgres: list wells iterate")
}

// --- Production ---

func (s *PostgresStore) ProductionExists(ctx context.Context, table model.Table, key model.DedupKey) (bool, error) {
	if err := checkTable(table); err != nil {
		return false, err
	}
	wellID, err := wellIDFromKey(key)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE well_id = $1 AND date = $2)`, pgx.Identifier{string(table)}.Sanitize()),
		wellID, key.Timestamp.UTC(),
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: production exists %s", key)
}

func (s *PostgresStore) InsertProduction(ctx context.Context, table model.Table, recs []model.ProductionRecord) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, productionRow(r, r.Timestamp.UTC()))
	}
	n, err := db.BulkInsertIgnore(ctx, s.pool, db.UpsertConfig{
		Table:        string(table),
		Columns:      productionColumns,
		ConflictKeys: []string{"well_id", "date"},
	}, rows)
	return n, eris.Wrapf(err, "postgres: insert production into %s", table)
}

func (s *PostgresStore) FetchDay(ctx context.Context, table model.Table, day time.Time) ([]model.WellDay, error) {
	start, end := dayRange(day)
	return s.QueryProduction(ctx, table, ProductionFilter{Start: start, End: end})
}

func (s *PostgresStore) QueryProduction(ctx context.Context, table model.Table, filter ProductionFilter) ([]model.WellDay, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT p.well_id, w.name, p.date, %s, p.flow_kind FROM %s p JOIN well w ON w.id = p.well_id WHERE 1=1`,
		quoteFields("p."), pgx.Identifier{string(table)}.Sanitize(),
	)
	var args []any
	if filter.WellName != "" {
		args = append(args, filter.WellName)
		query += fmt.Sprintf(` AND w.name = $%d`, len(args))
	}
	if !filter.Start.IsZero() {
		args = append(args, filter.Start.UTC())
		query += fmt.Sprintf(` AND p.date >= $%d`, len(args))
	}
	if !filter.End.IsZero() {
		args = append(args, filter.End.UTC())
		query += fmt.Sprintf(` AND p.date < $%d`, len(args))
	}
	query += ` ORDER BY p.well_id, p.date, p.id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query %s", table)
	}
	defer rows.Close()

	var days []model.WellDay
	for rows.Next() {
		r, err := scanProduction(rows, func(t time.Time) (time.Time, error) { return t.UTC(), nil })
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan production")
		}
		days = groupByWell(days, r)
	}
	return days, eris.Wrapf(rows.Err(), "postgres: query %s iterate", table)
}

func (s *PostgresStore) RemoveDuplicates(ctx context.Context, table model.Table, wellID int64) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	t := pgx.Identifier{string(table)}.Sanitize()
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s p USING (
			SELECT id, row_number() OVER (
				PARTITION BY date_trunc('day', date AT TIME ZONE 'UTC') ORDER BY id DESC
			) AS rn
			FROM %s WHERE well_id = $1
		) d WHERE p.id = d.id AND d.rn > 1`, t, t),
		wellID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: remove duplicates for well %d", wellID)
	}
	return tag.RowsAffected(), nil
}

// --- Time series ---

func (s *PostgresStore) TimeSeriesExists(ctx context.Context, key model.DedupKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM timeseries_data WHERE metric_name = $1 AND timestamp = $2)`,
		key.Entity, key.Timestamp.UTC(),
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: timeseries exists %s", key)
}

func (s *PostgresStore) InsertTimeSeries(ctx context.Context, recs []model.TimeSeriesRecord) (int64, error) {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		var meta any
		if len(r.Metadata) > 0 {
			meta = r.Metadata
		}
		rows = append(rows, []any{r.Timestamp.UTC(), r.MetricName, r.Value, meta, r.Source})
	}
	n, err := db.BulkInsertIgnore(ctx, s.pool, db.UpsertConfig{
		Table:        tableTimeSeries,
		Columns:      timeSeriesColumns,
		ConflictKeys: []string{"metric_name", "timestamp"},
	}, rows)
	return n, eris.Wrap(err, "postgres: insert timeseries")
}

func (s *PostgresStore) LatestTimeSeries(ctx context.Context, metric string, limit int) ([]model.TimeSeriesRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, metric_name, value, metadata, source FROM timeseries_data
		 WHERE metric_name = $1 ORDER BY timestamp DESC LIMIT $2`,
		metric, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest timeseries %s", metric)
	}
	defer rows.Close()

	var out []model.TimeSeriesRecord
	for rows.Next() {
		var r model.TimeSeriesRecord
		if err := rows.Scan(&r.Timestamp, &r.MetricName, &r.Value, &r.Metadata, &r.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan timeseries")
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: latest timeseries iterate")
}

func (s *PostgresStore) TimeSeriesStats(ctx context.Context, metric string, start, end time.Time) (*TimeSeriesStats, error) {
	st := TimeSeriesStats{Metric: metric, Start: start.UTC(), End: end.UTC()}
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        coalesce(avg(value), 0), coalesce(min(value), 0), coalesce(max(value), 0),
		        coalesce(stddev(value), 0),
		        coalesce(percentile_cont(0.5) WITHIN GROUP (ORDER BY value), 0),
		        coalesce(percentile_cont(0.95) WITHIN GROUP (ORDER BY value), 0)
		 FROM timeseries_data
		 WHERE metric_name = $1 AND timestamp >= $2 AND timestamp < $3`,
		metric, st.Start, st.End,
	).Scan(&st.Count, &st.Avg, &st.Min, &st.Max, &st.StdDev, &st.Median, &st.P95)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: timeseries stats %s", metric)
	}
	return &st, nil
}

// --- Key-value ---

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM replay_state WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: get state %s", key)
	}
	return v, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO replay_state (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	return eris.Wrapf(err, "postgres: set state %s", key)
}

// --- Dead letters ---

func (s *PostgresStore) DeadLetter(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, message_id, routing_key, body, error, error_type, delivery_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.MessageID, entry.RoutingKey, entry.Body,
		entry.Error, entry.ErrorType, entry.DeliveryCount, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, message_id, routing_key, body, error, error_type, delivery_count, created_at FROM dead_letters`
	var args []any
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` WHERE error_type = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.RoutingKey, &e.Body,
			&e.Error, &e.ErrorType, &e.DeliveryCount, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}
