// Package replay drives historical production through the pipeline one
// simulated day per tick, persisting progress in a cursor.
package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/config"
	"github.com/welldata/prodstream/internal/cursor"
	"github.com/welldata/prodstream/internal/model"
)

// State is the scheduler lifecycle state.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Fetcher reads one day of production grouped by well.
type Fetcher interface {
	FetchDay(ctx context.Context, table model.Table, day time.Time) ([]model.WellDay, error)
}

// Publisher publishes one replayed day.
type Publisher interface {
	PublishReplayDay(ctx context.Context, day time.Time, recs []model.ProductionRecord, batchSize int, target model.Table) (int, error)
}

// Config configures a Scheduler.
type Config struct {
	Start     time.Time
	Stop      time.Time
	Interval  time.Duration
	BatchSize int
	Source    model.Table
	Target    model.Table
	// HoldOnPublishFailure keeps the cursor in place when publishing fails
	// so the same day is retried on the next tick.
	HoldOnPublishFailure bool
}

// ConfigFrom converts the replay section of the application config.
func ConfigFrom(c config.ReplayConfig) (Config, error) {
	start, err := c.Start()
	if err != nil {
		return Config{}, err
	}
	stop, err := c.Stop()
	if err != nil {
		return Config{}, err
	}
	source, err := model.ParseTable(c.Source)
	if err != nil {
		return Config{}, eris.Wrap(err, "replay: source")
	}
	target, err := model.ParseTable(c.Target)
	if err != nil {
		return Config{}, eris.Wrap(err, "replay: target")
	}
	return Config{
		Start:                start,
		Stop:                 stop,
		Interval:             c.Interval(),
		BatchSize:            c.BatchSize,
		Source:               source,
		Target:               target,
		HoldOnPublishFailure: c.HoldOnPublishFailure,
	}, nil
}

// Ticker delivers cadence firings.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTicker replaces the wall-clock ticker.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Scheduler) { s.newTicker = fn }
}

// Scheduler advances the replay cursor one day per tick. Ticks never
// overlap: a firing while a tick is in flight is dropped.
type Scheduler struct {
	cfg       Config
	cursor    *cursor.Cursor
	fetcher   Fetcher
	publisher Publisher
	newTicker func(time.Duration) Ticker
	log       *zap.Logger

	state   atomic.Int32
	busy    atomic.Bool
	current atomic.Pointer[time.Time]
	last    atomic.Pointer[TickReport]
	ticks   atomic.Int64
	skipped atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle Scheduler.
func New(cfg Config, cur *cursor.Cursor, fetcher Fetcher, publisher Publisher, opts ...Option) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, eris.New("replay: interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, eris.New("replay: batch size must be positive")
	}
	if !cfg.Start.Before(cfg.Stop) {
		return nil, eris.Errorf("replay: start %s must be before stop %s", cfg.Start.Format(config.DateLayout), cfg.Stop.Format(config.DateLayout))
	}
	if cfg.Source == "" {
		cfg.Source = model.TableArchive
	}
	if cfg.Target == "" {
		cfg.Target = model.TableLive
	}
	s := &Scheduler{
		cfg:       cfg,
		cursor:    cur,
		fetcher:   fetcher,
		publisher: publisher,
		newTicker: func(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} },
		log:       zap.L().With(zap.String("component", "replay")),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Start reads or initializes the cursor and, unless replay already
// finished, starts ticking every Interval. The first tick fires one
// interval after Start. An unreachable cursor store does not fail Start;
// each tick retries it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Idle || s.cancel != nil {
		return eris.Errorf("replay: cannot start from state %s", s.State())
	}

	day, err := s.cursor.Init(ctx, s.cfg.Start)
	switch {
	case errors.Is(err, cursor.ErrCursorUnavailable):
		s.log.Warn("cursor unavailable at start, ticks will retry", zap.Error(err))
	case err != nil:
		return eris.Wrap(err, "replay: init cursor")
	default:
		s.current.Store(&day)
		if !day.Before(s.cfg.Stop) {
			s.state.Store(int32(Stopped))
			s.log.Info("replay already complete", zap.Time("cursor", day), zap.Time("stop", s.cfg.Stop))
			return nil
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(int32(Running))
	tickCtx := context.WithoutCancel(ctx)
	ticker := s.newTicker(s.cfg.Interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C():
				s.fire(tickCtx, cancel)
			}
		}
	}()

	s.log.Info("replay started",
		zap.Timep("cursor", s.current.Load()),
		zap.Time("stop", s.cfg.Stop),
		zap.Duration("interval", s.cfg.Interval),
	)
	return nil
}

// fire runs one tick in the background unless one is already running.
func (s *Scheduler) fire(ctx context.Context, stopLoop context.CancelFunc) {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Debug("tick skipped, previous tick still running")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		rep, err := s.tick(ctx)
		if err != nil {
			s.log.Error("tick failed", zap.Timep("day", rep.Day), zap.Error(err))
		}
		if rep.Outcome == OutcomeStopped {
			stopLoop()
		}
	}()
}

// Stop halts the timer and waits for an in-flight tick to finish. The
// scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.state.Swap(int32(Stopped)) != int32(Stopped) {
		s.log.Info("replay stopped", zap.Timep("cursor", s.current.Load()))
	}
}

// Tick runs one tick now, subject to the same single-flight guard as the
// timer. A tick attempted while another runs reports OutcomeSkipped.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return TickReport{Outcome: OutcomeSkipped, At: time.Now().UTC()}, nil
	}
	defer s.busy.Store(false)
	return s.tick(ctx)
}
