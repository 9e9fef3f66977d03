package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/cursor"
	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/loader"
	"github.com/welldata/prodstream/internal/normalize"
	"github.com/welldata/prodstream/internal/replay"
	"github.com/welldata/prodstream/internal/resilience"
	"github.com/welldata/prodstream/internal/store"
)

// env holds the connections a command needs. Fields a command does not ask
// for stay nil.
type env struct {
	Store  store.Store
	Broker broker.Broker
	Cursor *cursor.Cursor

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

type envOptions struct {
	broker bool
	cursor bool
}

// initEnv opens the store (migrating it) and, when requested, the broker
// and the replay cursor. Callers should defer env.Close().
func initEnv(ctx context.Context, opts envOptions) (*env, error) {
	e := &env{}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	e.Store = st
	e.closers = append(e.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		e.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if opts.broker {
		b, err := initBroker()
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Broker = b
		e.closers = append(e.closers, b.Close)
	}

	if opts.cursor {
		kv, closeFn, err := initCursorKV(ctx, st)
		if err != nil {
			e.Close()
			return nil, err
		}
		if closeFn != nil {
			e.closers = append(e.closers, closeFn)
		}
		e.Cursor = cursor.New(kv, cfg.Cursor.Key)
	}

	return e, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prodstream.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initBroker() (broker.Broker, error) {
	switch cfg.Broker.Driver {
	case "memory":
		zap.L().Warn("using in-memory broker, messages do not survive a restart")
		return broker.NewMemory(cfg.Broker.MemoryCapacity), nil
	case "amqp":
		return broker.DialAMQP(cfg.Broker)
	default:
		return nil, eris.Errorf("unsupported broker driver: %s", cfg.Broker.Driver)
	}
}

// initCursorKV returns the cursor backend. The SQL store backend shares the
// store's lifetime and has no closer of its own.
func initCursorKV(ctx context.Context, st store.Store) (cursor.KV, func() error, error) {
	switch cfg.Cursor.Driver {
	case "store":
		return st, nil, nil
	case "redis":
		client, err := cursor.DialRedis(ctx, cfg.Cursor)
		if err != nil {
			return nil, nil, err
		}
		kv := cursor.NewRedisKV(client)
		return kv, kv.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported cursor driver: %s", cfg.Cursor.Driver)
	}
}

func newProducer(pub broker.Publisher) *ingest.Producer {
	opts := []ingest.ProducerOption{ingest.WithRetry(resilience.FromConfig(cfg.Ingest.Retry))}
	if cfg.Ingest.PublishRate > 0 {
		opts = append(opts, ingest.WithRateLimit(cfg.Ingest.PublishRate, cfg.Ingest.PublishBurst))
	}
	return ingest.NewProducer(pub, opts...)
}

func newRunner(e *env) *ingest.Runner {
	return ingest.NewRunner(e.Broker, ingest.NewConsumer(e.Store), e.Store, ingest.RunnerConfig{
		Workers:         cfg.Ingest.ConsumerWorkers,
		MaxRedeliveries: cfg.Broker.MaxRedeliveries,
	})
}

func newLoader(e *env) (*loader.Loader, error) {
	opts := []normalize.Option{normalize.WithValueColumn(cfg.Normalize.ValueColumn)}
	if cfg.Normalize.AliasesFile != "" {
		aliases, err := normalize.LoadAliases(cfg.Normalize.AliasesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, normalize.WithAliases(aliases))
	}
	norm, err := normalize.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "init normalizer")
	}
	return loader.New(e.Store, newProducer(e.Broker), norm, loader.ConfigFrom(cfg.Bulkload, cfg.Ingest.BatchSize)), nil
}

func newScheduler(e *env) (*replay.Scheduler, error) {
	rc, err := replay.ConfigFrom(cfg.Replay)
	if err != nil {
		return nil, err
	}
	return replay.New(rc, e.Cursor, e.Store, newProducer(e.Broker))
}
