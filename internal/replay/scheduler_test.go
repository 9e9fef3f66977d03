package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/welldata/prodstream/internal/config"
	"github.com/welldata/prodstream/internal/cursor"
	"github.com/welldata/prodstream/internal/model"
)

const key = "replay:last_date"

func date(m time.Month, d int) time.Time {
	return time.Date(2015, m, d, 0, 0, 0, 0, time.UTC)
}

// mapKV is an in-memory cursor store.
type mapKV struct {
	mu   sync.Mutex
	m    map[string]string
	err  error
	sets int
}

func newMapKV() *mapKV { return &mapKV{m: map[string]string{}} }

func (k *mapKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return "", false, k.err
	}
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *mapKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.err != nil {
		return k.err
	}
	k.sets++
	k.m[key] = value
	return nil
}

func (k *mapKV) day(t *testing.T) time.Time {
	t.Helper()
	k.mu.Lock()
	v := k.m[key]
	k.mu.Unlock()
	d, err := cursor.Parse(v)
	require.NoError(t, err)
	return d
}

// fakeSource serves one well with one record per requested day and records
// every call. When gate is set, FetchDay blocks until it is closed.
type fakeSource struct {
	mu      sync.Mutex
	fetched []time.Time
	err     error
	empty   bool
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeSource) FetchDay(ctx context.Context, table model.Table, day time.Time) ([]model.WellDay, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, day)
	if f.err != nil || f.empty {
		return nil, f.err
	}
	return []model.WellDay{{WellID: 1, WellName: "9001", Records: []model.ProductionRecord{{WellID: 1, Timestamp: day}}}}, nil
}

func (f *fakeSource) days() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.fetched...)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []time.Time
	targets   []model.Table
	err       error
}

func (p *fakePublisher) PublishReplayDay(_ context.Context, day time.Time, recs []model.ProductionRecord, _ int, target model.Table) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	p.published = append(p.published, day)
	p.targets = append(p.targets, target)
	return 1, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// manualTicker fires only when the test sends on ch.
type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

// waitIdle waits until no tick holds the busy guard.
func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.busy.Load() }, 2*time.Second, 5*time.Millisecond)
}

func testConfig() Config {
	return Config{
		Start:     date(1, 1),
		Stop:      date(1, 4),
		Interval:  10 * time.Second,
		BatchSize: 100,
		Source:    model.TableArchive,
		Target:    model.TableLive,
	}
}

func newScheduler(t *testing.T, cfg Config, kv *mapKV, src *fakeSource, pub *fakePublisher) (*Scheduler, *manualTicker) {
	t.Helper()
	tk := &manualTicker{ch: make(chan time.Time)}
	s, err := New(cfg, cursor.New(kv, key), src, pub, WithTicker(func(time.Duration) Ticker { return tk }))
	require.NoError(t, err)
	return s, tk
}

func TestScheduler_FirstStartInitializesWithoutTicking(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	s, _ := newScheduler(t, testConfig(), kv, src, pub)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, Running, s.State())
	assert.Equal(t, date(1, 1), kv.day(t))
	assert.Empty(t, src.days())
}

func TestScheduler_TickAdvancesOneDay(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	s, tk := newScheduler(t, testConfig(), kv, src, pub)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return kv.day(t).Equal(date(1, 2)) }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []time.Time{date(1, 1)}, src.days())
	require.Equal(t, 1, pub.count())
	assert.Equal(t, model.TableLive, pub.targets[0])
}

func TestScheduler_ResumesFromPersistedCursor(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	kv.m[key] = cursor.Format(date(1, 3))
	s, tk := newScheduler(t, testConfig(), kv, src, pub)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return kv.day(t).Equal(date(1, 4)) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Time{date(1, 3)}, src.days())
}

func TestScheduler_StartsStoppedWhenComplete(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	kv.m[key] = cursor.Format(date(1, 4))
	s, _ := newScheduler(t, testConfig(), kv, src, pub)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Stopped, s.State())
	assert.True(t, s.Status().Complete)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, rep.Outcome)
	assert.Empty(t, src.days())
	assert.Equal(t, 0, pub.count())
	s.Stop()
}

func TestScheduler_StopsAtStopDate(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	s, _ := newScheduler(t, testConfig(), kv, src, pub)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, []time.Time{date(1, 1), date(1, 2), date(1, 3)}, src.days())
	assert.Equal(t, 3, pub.count())
	assert.Equal(t, date(1, 4), kv.day(t))
	assert.Equal(t, 4, kv.sets, "init plus three advances")
}

func TestScheduler_TimerStopsAfterCompletion(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	kv.m[key] = cursor.Format(date(1, 3))
	s, tk := newScheduler(t, testConfig(), kv, src, pub)
	require.NoError(t, s.Start(context.Background()))

	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return kv.day(t).Equal(date(1, 4)) }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, s)
	tk.ch <- time.Now()
	require.Eventually(t, func() bool { return s.State() == Stopped }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, tk.stopped.Load, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Len(t, src.days(), 1)
}

func TestScheduler_SingleFlight(t *testing.T) {
	kv, pub := newMapKV(), &fakePublisher{}
	src := &fakeSource{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	s, tk := newScheduler(t, testConfig(), kv, src, pub)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	tk.ch <- time.Now()
	<-src.entered

	tk.ch <- time.Now()
	tk.ch <- time.Now()
	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, rep.Outcome)
	require.Eventually(t, func() bool { return s.Status().Skipped == 3 }, 2*time.Second, 5*time.Millisecond)

	close(src.gate)
	require.Eventually(t, func() bool { return kv.day(t).Equal(date(1, 2)) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Ticks == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(3), s.Status().Skipped)
	assert.Len(t, src.days(), 1)
	assert.Equal(t, 1, pub.count())
}

func TestScheduler_StopWaitsForInFlightTick(t *testing.T) {
	kv, pub := newMapKV(), &fakePublisher{}
	src := &fakeSource{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	s, tk := newScheduler(t, testConfig(), kv, src, pub)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	tk.ch <- time.Now()
	<-src.entered

	cancel()
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, date(1, 2), kv.day(t), "in-flight tick completes despite shutdown")
	assert.Equal(t, Stopped, s.State())
	assert.True(t, tk.stopped.Load())
}

func TestScheduler_PublishFailureStillAdvances(t *testing.T) {
	kv, src := newMapKV(), &fakeSource{}
	pub := &fakePublisher{err: errors.New("broker down")}
	s, _ := newScheduler(t, testConfig(), kv, src, pub)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, rep.Outcome)
	assert.Contains(t, rep.Error, "broker down")
	assert.Equal(t, date(1, 2), kv.day(t))
}

func TestScheduler_PublishFailureHolds(t *testing.T) {
	kv, src := newMapKV(), &fakeSource{}
	pub := &fakePublisher{err: errors.New("broker down")}
	cfg := testConfig()
	cfg.HoldOnPublishFailure = true
	s, _ := newScheduler(t, cfg, kv, src, pub)

	rep, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeHeld, rep.Outcome)
	assert.Equal(t, date(1, 1), kv.day(t))

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Time{date(1, 1), date(1, 1)}, src.days())
	assert.Equal(t, date(1, 2), kv.day(t))
}

func TestScheduler_FetchFailureDoesNotAdvance(t *testing.T) {
	kv, pub := newMapKV(), &fakePublisher{}
	src := &fakeSource{err: errors.New("query timeout")}
	s, _ := newScheduler(t, testConfig(), kv, src, pub)

	rep, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, date(1, 1), kv.day(t))
	assert.Equal(t, 0, pub.count())
}

func TestScheduler_EmptyDayAdvancesWithoutPublishing(t *testing.T) {
	kv, pub := newMapKV(), &fakePublisher{}
	src := &fakeSource{empty: true}
	s, _ := newScheduler(t, testConfig(), kv, src, pub)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, rep.Outcome)
	assert.Equal(t, 0, pub.count())
	assert.Equal(t, date(1, 2), kv.day(t))
}

func TestScheduler_CursorUnavailable(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	kv.err = errors.New("connection refused")
	s, _ := newScheduler(t, testConfig(), kv, src, pub)

	require.NoError(t, s.Start(context.Background()), "start tolerates an unreachable cursor store")
	defer s.Stop()
	assert.Equal(t, Running, s.State())

	_, err := s.Tick(context.Background())
	assert.ErrorIs(t, err, cursor.ErrCursorUnavailable)
	assert.Empty(t, src.days())

	kv.mu.Lock()
	kv.err = nil
	kv.mu.Unlock()
	_, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, date(1, 2), kv.day(t))
}

func TestScheduler_CorruptCursorFailsStart(t *testing.T) {
	kv, src, pub := newMapKV(), &fakeSource{}, &fakePublisher{}
	kv.m[key] = "garbage"
	s, _ := newScheduler(t, testConfig(), kv, src, pub)
	assert.ErrorIs(t, s.Start(context.Background()), cursor.ErrCorruptCursor)
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_StartTwice(t *testing.T) {
	s, _ := newScheduler(t, testConfig(), newMapKV(), &fakeSource{}, &fakePublisher{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Error(t, s.Start(context.Background()))
}

func TestNew_Validates(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = 0
	_, err := New(cfg, nil, nil, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Stop = cfg.Start
	_, err = New(cfg, nil, nil, nil)
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.ReplayConfig{
		StartDate:    "2015-01-01",
		StopDate:     "2016-09-18",
		IntervalSecs: 10,
		BatchSize:    500,
		Source:       "archive",
		Target:       "live",
	})
	require.NoError(t, err)
	assert.Equal(t, date(1, 1), cfg.Start)
	assert.Equal(t, time.Date(2016, 9, 18, 0, 0, 0, 0, time.UTC), cfg.Stop)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, model.TableArchive, cfg.Source)
	assert.Equal(t, model.TableLive, cfg.Target)

	_, err = ConfigFrom(config.ReplayConfig{StartDate: "2015-01-01", StopDate: "2016-09-18", Target: "wells"})
	assert.Error(t, err)
}
