package main

import (
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/welldata/prodstream/internal/replay"
)

var replayOnce bool

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay archived production one day per tick",
	Long:  "Runs the replay scheduler until the stop date is reached or the process is interrupted. With --once, runs a single tick and prints its report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, envOptions{broker: true, cursor: true})
		if err != nil {
			return err
		}
		defer e.Close()

		sched, err := newScheduler(e)
		if err != nil {
			return err
		}

		if replayOnce {
			rep, err := sched.Tick(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(rep); encErr != nil {
				return encErr
			}
			return err
		}

		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		poll := time.NewTicker(time.Second)
		defer poll.Stop()
		for sched.State() != replay.Stopped {
			select {
			case <-ctx.Done():
				zap.L().Info("replay interrupted", zap.Any("status", sched.Status()))
				return nil
			case <-poll.C:
			}
		}
		zap.L().Info("replay complete", zap.Any("status", sched.Status()))
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayOnce, "once", false, "run a single tick and exit")
	rootCmd.AddCommand(replayCmd)
}
