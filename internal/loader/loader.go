// Package loader imports tabular files into the pipeline: the one-time bulk
// load of a data directory and single-file uploads.
package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/welldata/prodstream/internal/config"
	"github.com/welldata/prodstream/internal/fetcher"
	"github.com/welldata/prodstream/internal/model"
	"github.com/welldata/prodstream/internal/normalize"
)

// maxErrorSamples bounds the row errors kept per file report.
const maxErrorSamples = 10

// Store resolves and updates wells.
type Store interface {
	UpsertWells(ctx context.Context, wells []model.Well) (int64, error)
	EnsureWell(ctx context.Context, name string) (model.Well, error)
}

// Publisher sends normalized records into the queue.
type Publisher interface {
	PublishProduction(ctx context.Context, recs []model.ProductionRecord, batchSize int, target model.Table) (int, error)
	PublishTimeSeries(ctx context.Context, recs []model.TimeSeriesRecord, batchSize int) (int, error)
}

// Downloader fetches a remote archive into dir and returns its local path.
type Downloader interface {
	Fetch(ctx context.Context, rawURL, dir string) (string, error)
}

// Config configures a Loader.
type Config struct {
	BatchSize        int
	WellsFile        string
	ProductionPrefix string
	Concurrency      int
	SkipInvalid      bool
	DownloadTimeout  time.Duration
}

// ConfigFrom builds a Config from the bulkload and ingest sections.
func ConfigFrom(b config.BulkloadConfig, batchSize int) Config {
	return Config{
		BatchSize:        batchSize,
		WellsFile:        b.WellsFile,
		ProductionPrefix: b.ProductionPrefix,
		Concurrency:      b.Concurrency,
		SkipInvalid:      b.SkipInvalid,
		DownloadTimeout:  time.Duration(b.DownloadTimeoutSecs) * time.Second,
	}
}

// FileReport summarizes one imported file.
type FileReport struct {
	File     string   `json:"file"`
	Kind     string   `json:"kind"`
	Rows     int      `json:"rows"`
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Batches  int      `json:"batches"`
	Errors   []string `json:"errors,omitempty"`
	Err      string   `json:"error,omitempty"`
}

func (r *FileReport) reject(err error) {
	r.Rejected++
	if len(r.Errors) < maxErrorSamples {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Report summarizes a directory load.
type Report struct {
	Wells    int64        `json:"wells"`
	Files    []FileReport `json:"files"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Duration string       `json:"duration"`
}

// Loader normalizes files and publishes their records. Well IDs are cached
// across files; it is safe for concurrent use.
type Loader struct {
	store    Store
	pub      Publisher
	norm     *normalize.Normalizer
	cfg      Config
	log      *zap.Logger
	download Downloader

	mu    sync.Mutex
	wells map[string]int64
}

// New creates a Loader.
func New(store Store, pub Publisher, norm *normalize.Normalizer, cfg Config) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.WellsFile == "" {
		cfg.WellsFile = "Wells.csv"
	}
	return &Loader{
		store:    store,
		pub:      pub,
		norm:     norm,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "loader")),
		download: fetcher.NewRemote(fetcher.HTTPOptions{Timeout: cfg.DownloadTimeout}, fetcher.FTPOptions{}),
		wells:    make(map[string]int64),
	}
}

// LoadArchive loads a ZIP data directory from a local path or an http(s)
// or ftp URL. The archive is extracted to a temporary directory that is
// removed afterwards.
func (l *Loader) LoadArchive(ctx context.Context, src string) (*Report, error) {
	tmp, err := os.MkdirTemp("", "prodstream-archive-")
	if err != nil {
		return nil, eris.Wrap(err, "loader: create temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	archive := src
	if fetcher.IsRemote(src) {
		archive, err = l.download.Fetch(ctx, src, tmp)
		if err != nil {
			return nil, eris.Wrap(err, "loader: download archive")
		}
	}

	dest := filepath.Join(tmp, "data")
	files, err := fetcher.ExtractZIP(archive, dest)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: extract %s", filepath.Base(archive))
	}
	root, err := fetcher.DataRoot(dest)
	if err != nil {
		return nil, eris.Wrap(err, "loader: locate data root")
	}
	l.log.Info("archive extracted", zap.String("archive", filepath.Base(archive)), zap.Int("files", len(files)))
	return l.LoadDir(ctx, root)
}

// LoadDir imports the wells file, then every production file whose name
// starts with the production prefix, concurrently. A failing production
// file is recorded in its report and does not stop the others.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Report, error) {
	start := time.Now()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: read dir %s", dir)
	}

	wells, err := l.loadWellsFile(ctx, filepath.Join(dir, l.cfg.WellsFile))
	if err != nil {
		return nil, err
	}
	rep := &Report{Wells: wells}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == l.cfg.WellsFile || !strings.HasPrefix(name, l.cfg.ProductionPrefix) {
			continue
		}
		if _, err := fetcher.DetectFormat(name); err != nil {
			continue
		}
		files = append(files, name)
	}

	rep.Files = make([]FileReport, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for i, name := range files {
		g.Go(func() error {
			fr, err := l.loadProductionFile(gctx, filepath.Join(dir, name))
			if err != nil {
				fr.Err = err.Error()
				l.log.Error("production file failed", zap.String("file", name), zap.Error(err))
			}
			rep.Files[i] = fr
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return rep, eris.Wrap(err, "loader: load dir")
	}

	var failed int
	for _, fr := range rep.Files {
		rep.Accepted += fr.Accepted
		rep.Rejected += fr.Rejected
		if fr.Err != "" {
			failed++
		}
	}
	rep.Duration = time.Since(start).Round(time.Millisecond).String()
	l.log.Info("directory loaded",
		zap.String("dir", dir),
		zap.Int64("wells", rep.Wells),
		zap.Int("files", len(files)),
		zap.Int("accepted", rep.Accepted),
		zap.Int("rejected", rep.Rejected),
		zap.Int("failed_files", failed),
	)
	if failed > 0 {
		return rep, eris.Errorf("loader: %d of %d production files failed", failed, len(files))
	}
	return rep, nil
}

func (l *Loader) loadWellsFile(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		l.log.Warn("wells file not found, skipping well import", zap.String("path", path))
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "loader: open %s", path)
	}
	defer f.Close()
	return l.LoadWells(ctx, f)
}

func (l *Loader) loadProductionFile(ctx context.Context, path string) (FileReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileReport{File: filepath.Base(path), Kind: string(KindProduction)}, eris.Wrapf(err, "loader: open %s", path)
	}
	defer f.Close()
	return l.IngestProduction(ctx, filepath.Base(path), f, "")
}
