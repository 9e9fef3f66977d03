// Package api serves uploads and read queries over HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/loader"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/replay"
	"github.com/welldata/prodstream/internal/resilience"
	"github.com/welldata/prodstream/internal/store"
)

// Store is the read side of the durable store used by the API.
type Store interface {
	Ping(ctx context.Context) error
	ListWells(ctx context.Context) ([]model.Well, error)
	QueryProduction(ctx context.Context, table model.Table, filter store.ProductionFilter) ([]model.WellDay, error)
	RemoveDuplicates(ctx context.Context, table model.Table, wellID int64) (int64, error)
	LatestTimeSeries(ctx context.Context, metric string, limit int) ([]model.TimeSeriesRecord, error)
	TimeSeriesStats(ctx context.Context, metric string, start, end time.Time) (*store.TimeSeriesStats, error)
	ListDeadLetters(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
}

// Ingester accepts uploaded files.
type Ingester interface {
	IngestTimeSeries(ctx context.Context, name string, r io.Reader) (loader.FileReport, error)
	IngestProduction(ctx context.Context, name string, r io.Reader, well string) (loader.FileReport, error)
}

// ReplayStatus reports scheduler progress.
type ReplayStatus interface {
	Status() replay.Status
}

// Config configures the HTTP surface.
type Config struct {
	CORSOrigins []string
	MaxUploadMB int
	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
}

// Server holds the API dependencies. The replay status source may be nil
// when the process runs no scheduler.
type Server struct {
	store  Store
	ingest Ingester
	replay ReplayStatus
	cfg    Config
	log    *zap.Logger
}

// New creates a Server.
func New(st Store, ing Ingester, rs ReplayStatus, cfg Config) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{
		store:  st,
		ingest: ing,
		replay: rs,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "api")),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Post("/timeseries/upload", s.uploadTimeSeries)
	r.Get("/timeseries/{metric}/latest", s.latestTimeSeries)
	r.Get("/timeseries/{metric}/stats", s.timeSeriesStats)

	r.Post("/production/upload", s.uploadProduction)
	r.Get("/production", s.queryProduction)

	r.Get("/wells", s.listWells)
	r.Get("/wells/{name}/production", s.wellProduction)
	r.Delete("/wells/{id}/duplicates", s.removeDuplicates)

	r.Get("/replay/status", s.replayStatus)
	r.Get("/deadletters", s.deadLetters)

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
