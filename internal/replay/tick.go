package replay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/cursor"
	"github.com/welldata/prodstream/internal/model"
)

// Outcome summarizes one tick.
type Outcome string

const (
	OutcomeAdvanced Outcome = "advanced"
	OutcomeHeld     Outcome = "held"
	OutcomeFailed   Outcome = "failed"
	OutcomeStopped  Outcome = "stopped"
	OutcomeSkipped  Outcome = "skipped"
)

// TickReport describes the last tick.
type TickReport struct {
	Day     *time.Time `json:"day,omitempty"`
	Next    *time.Time `json:"next,omitempty"`
	Wells   int        `json:"wells"`
	Records int        `json:"records"`
	Batches int        `json:"batches"`
	Outcome Outcome    `json:"outcome"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// tick reads the cursor, stops at the stop date, fetches and publishes the
// day, then advances the cursor to the next UTC midnight. The caller holds
// the busy guard.
func (s *Scheduler) tick(ctx context.Context) (rep TickReport, err error) {
	rep.At = time.Now().UTC()
	defer func() {
		if err != nil {
			rep.Error = err.Error()
			if rep.Outcome == "" {
				rep.Outcome = OutcomeFailed
			}
		}
		s.ticks.Add(1)
		s.last.Store(&rep)
	}()

	if s.State() == Stopped {
		rep.Outcome = OutcomeStopped
		return rep, nil
	}

	day, err := s.cursor.Init(ctx, s.cfg.Start)
	if err != nil {
		return rep, err
	}
	rep.Day = &day
	s.current.Store(&day)

	if !day.Before(s.cfg.Stop) {
		s.state.Store(int32(Stopped))
		rep.Outcome = OutcomeStopped
		s.log.Info("replay complete", zap.Time("cursor", day), zap.Time("stop", s.cfg.Stop))
		return rep, nil
	}

	days, err := s.fetcher.FetchDay(ctx, s.cfg.Source, day)
	if err != nil {
		return rep, err
	}
	recs := model.Flatten(days)
	rep.Wells = len(days)
	rep.Records = len(recs)

	if len(recs) > 0 {
		n, perr := s.publisher.PublishReplayDay(ctx, day, recs, s.cfg.BatchSize, s.cfg.Target)
		rep.Batches = n
		if perr != nil {
			s.log.Error("replay publish failed",
				zap.Time("day", day),
				zap.Int("published_batches", n),
				zap.Bool("hold", s.cfg.HoldOnPublishFailure),
				zap.Error(perr),
			)
			if s.cfg.HoldOnPublishFailure {
				rep.Outcome = OutcomeHeld
				return rep, perr
			}
			rep.Error = perr.Error()
		}
	}

	next := cursor.NextDay(day)
	if err := s.cursor.Save(ctx, next); err != nil {
		return rep, err
	}
	rep.Next = &next
	rep.Outcome = OutcomeAdvanced
	s.current.Store(&next)

	s.log.Info("replay day processed",
		zap.Time("day", day),
		zap.Int("wells", rep.Wells),
		zap.Int("records", rep.Records),
		zap.Int("batches", rep.Batches),
	)
	return rep, nil
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State    string      `json:"state"`
	Cursor   *time.Time  `json:"cursor,omitempty"`
	Start    time.Time   `json:"start"`
	Stop     time.Time   `json:"stop"`
	Interval string      `json:"interval"`
	Complete bool        `json:"complete"`
	Ticks    int64       `json:"ticks"`
	Skipped  int64       `json:"skipped"`
	LastTick *TickReport `json:"last_tick,omitempty"`
}

// Status returns the scheduler's last known progress.
func (s *Scheduler) Status() Status {
	st := Status{
		State:    s.State().String(),
		Cursor:   s.current.Load(),
		Start:    s.cfg.Start,
		Stop:     s.cfg.Stop,
		Interval: s.cfg.Interval.String(),
		Ticks:    s.ticks.Load(),
		Skipped:  s.skipped.Load(),
		LastTick: s.last.Load(),
	}
	if st.Cursor != nil {
		st.Complete = !st.Cursor.Before(s.cfg.Stop)
	}
	return st
}
