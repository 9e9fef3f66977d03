package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/welldata/prodstream/internal/api"
	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/replay"
)

var (
	servePort     int
	serveConsume  bool
	serveNoReplay bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with the consumer and replay scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, envOptions{broker: true, cursor: cfg.Replay.Enabled && !serveNoReplay})
		if err != nil {
			return err
		}
		defer e.Close()

		ld, err := newLoader(e)
		if err != nil {
			return err
		}

		var status api.ReplayStatus
		if e.Cursor != nil {
			sched, err := newScheduler(e)
			if err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()
			status = sched
		}

		var runner *ingest.Runner
		if serveConsume {
			runner = newRunner(e)
		}

		metrics, err := initMonitoring(e, runner, status)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		if runner != nil {
			g.Go(func() error { return runConsumer(gctx, runner) })
		}
		if cfg.Monitoring.Enabled {
			checker := newChecker(e, runner, status)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		handler := api.New(e.Store, ld, status, api.Config{
			CORSOrigins: cfg.Server.CORSOrigins,
			MaxUploadMB: cfg.Server.MaxUploadMB,
			Metrics:     metrics,
		}).Handler()
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

// runConsumer runs the runner and reports a subscription that ends while
// ctx is still live, so the process exits and can be restarted.
func runConsumer(ctx context.Context, runner *ingest.Runner) error {
	if err := runner.Run(ctx); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return eris.New("consumer subscription closed unexpectedly")
	}
	return nil
}

var _ api.ReplayStatus = (*replay.Scheduler)(nil)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveConsume, "consume", true, "run the queue consumer in this process")
	serveCmd.Flags().BoolVar(&serveNoReplay, "no-replay", false, "do not run the replay scheduler")
	rootCmd.AddCommand(serveCmd)
}
