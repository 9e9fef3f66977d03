package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/broker"
	"github.com/welldata/prodstream/internal/loader"
)

var (
	loadDir     string
	loadArchive string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Bulk load Wells.csv and production files from a directory or ZIP archive",
	Long: `Imports Wells.csv and every production file in a data directory.
With --archive the directory comes from a ZIP file, given as a local path
or an http(s)/ftp URL.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, envOptions{broker: true})
		if err != nil {
			return err
		}
		defer e.Close()

		ld, err := newLoader(e)
		if err != nil {
			return err
		}

		// An in-memory queue is only drained by a consumer in this process.
		var drained func()
		if mem, ok := e.Broker.(*broker.Memory); ok {
			drained = consumeInProcess(ctx, e, mem)
		}

		rep, loadErr := runLoad(ctx, ld)
		if drained != nil {
			drained()
		}

		if rep != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
		}
		return loadErr
	},
}

func runLoad(ctx context.Context, ld *loader.Loader) (*loader.Report, error) {
	archive := loadArchive
	if archive == "" && loadDir == "" {
		archive = cfg.Bulkload.Archive
	}
	if archive != "" {
		return ld.LoadArchive(ctx, archive)
	}
	dir := loadDir
	if dir == "" {
		dir = cfg.Bulkload.Dir
	}
	return ld.LoadDir(ctx, dir)
}

// consumeInProcess starts a runner on mem and returns a func that waits
// until every published message is settled and the runner has finished.
func consumeInProcess(ctx context.Context, e *env, mem *broker.Memory) func() {
	runCtx, cancel := context.WithCancel(ctx)
	runner := newRunner(e)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runner.Run(runCtx); err != nil {
			zap.L().Error("in-process consumer failed", zap.Error(err))
		}
	}()
	return func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for mem.Pending() > 0 && ctx.Err() == nil {
			<-tick.C
		}
		cancel()
		<-done
		zap.L().Info("in-process consumer drained", zap.Any("stats", runner.Stats()))
	}
}

func init() {
	loadCmd.Flags().StringVar(&loadDir, "dir", "", "data directory (default from config)")
	loadCmd.Flags().StringVar(&loadArchive, "archive", "", "ZIP archive path or http(s)/ftp URL")
	loadCmd.MarkFlagsMutuallyExclusive("dir", "archive")
	rootCmd.AddCommand(loadCmd)
}
