package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/config"
	"github.com/welldata/prodstream/internal/fetcher"
	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/loader"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/normalize"
	"github.com/welldata/prodstream/internal/resilience"
	"github.com/welldata/prodstream/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) uploadTimeSeries(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, s.ingest.IngestTimeSeries)
}

func (s *Server) uploadProduction(w http.ResponseWriter, r *http.Request) {
	well := strings.TrimSpace(r.URL.Query().Get("well"))
	s.upload(w, r, func(ctx context.Context, name string, body io.Reader) (loader.FileReport, error) {
		return s.ingest.IngestProduction(ctx, name, body, well)
	})
}

type ingestFunc func(ctx context.Context, name string, r io.Reader) (loader.FileReport, error)

// upload reads the multipart "file" field and hands it to fn. Records are
// queued, not yet persisted, so success is 202.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, fn ingestFunc) {
	maxBytes := int64(s.cfg.MaxUploadMB) << 20
	tooLarge := eris.Errorf("upload exceeds %d MB", s.cfg.MaxUploadMB)
	if r.ContentLength > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, tooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, tooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, eris.New("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	if _, err := fetcher.DetectFormat(hdr.Filename); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rep, err := fn(r.Context(), hdr.Filename, file)
	if err != nil {
		var rowErr *normalize.RowError
		status := http.StatusInternalServerError
		switch {
		case errors.As(err, &rowErr):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, ingest.ErrPublishFailure):
			status = http.StatusServiceUnavailable
		}
		s.log.Warn("upload failed", zap.String("file", hdr.Filename), zap.Int("status", status), zap.Error(err))
		writeJSON(w, status, map[string]any{"error": err.Error(), "report": rep})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "report": rep})
}

func (s *Server) queryProduction(w http.ResponseWriter, r *http.Request) {
	s.production(w, r, "")
}

func (s *Server) wellProduction(w http.ResponseWriter, r *http.Request) {
	s.production(w, r, chi.URLParam(r, "name"))
}

func (s *Server) production(w http.ResponseWriter, r *http.Request, well string) {
	table, err := model.ParseTable(r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start, end, err := parseRange(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	days, err := s.store.QueryProduction(r.Context(), table, store.ProductionFilter{WellName: well, Start: start, End: end})
	if err != nil {
		s.internal(w, "query production", err)
		return
	}
	if days == nil {
		days = []model.WellDay{}
	}
	writeJSON(w, http.StatusOK, days)
}

func (s *Server) listWells(w http.ResponseWriter, r *http.Request) {
	wells, err := s.store.ListWells(r.Context())
	if err != nil {
		s.internal(w, "list wells", err)
		return
	}
	if wells == nil {
		wells = []model.Well{}
	}
	writeJSON(w, http.StatusOK, wells)
}

func (s *Server) removeDuplicates(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, eris.Errorf("invalid well id %q", chi.URLParam(r, "id")))
		return
	}
	table, err := model.ParseTable(r.URL.Query().Get("table"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.RemoveDuplicates(r.Context(), table, id)
	if err != nil {
		s.internal(w, "remove duplicates", err)
		return
	}
	s.log.Info("duplicates removed", zap.Int64("well_id", id), zap.String("table", string(table)), zap.Int64("removed", n))
	writeJSON(w, http.StatusOK, map[string]any{"well_id": id, "table": table, "removed": n})
}

func (s *Server) latestTimeSeries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	recs, err := s.store.LatestTimeSeries(r.Context(), chi.URLParam(r, "metric"), limit)
	if err != nil {
		s.internal(w, "latest timeseries", err)
		return
	}
	if recs == nil {
		recs = []model.TimeSeriesRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) timeSeriesStats(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseRange(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.store.TimeSeriesStats(r.Context(), chi.URLParam(r, "metric"), start, end)
	if err != nil {
		s.internal(w, "timeseries stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) replayStatus(w http.ResponseWriter, _ *http.Request) {
	if s.replay == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.replay.Status())
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := resilience.DLQFilter{ErrorType: r.URL.Query().Get("error_type"), Limit: limit}
	entries, err := s.store.ListDeadLetters(r.Context(), filter)
	if err != nil {
		s.internal(w, "list dead letters", err)
		return
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) internal(w http.ResponseWriter, action string, err error) {
	s.log.Error(action+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, eris.New(action+" failed"))
}

// parseRange reads start and end query values. A reversed range is
// swapped. With required set, both values must be present.
func parseRange(r *http.Request, required bool) (time.Time, time.Time, error) {
	q := r.URL.Query()
	rawStart, rawEnd := q.Get("start"), q.Get("end")
	if required && (rawStart == "" || rawEnd == "") {
		return time.Time{}, time.Time{}, eris.New("start and end are required")
	}
	start, err := parseTime("start", rawStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseTime("end", rawEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		start, end = end, start
	}
	return start, end, nil
}

func parseTime(name, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(config.DateLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid %s %q (want YYYY-MM-DD or RFC 3339)", name, s)
	}
	return t.UTC(), nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, eris.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
