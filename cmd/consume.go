package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume queued batches into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, envOptions{broker: true})
		if err != nil {
			return err
		}
		defer e.Close()

		runner := newRunner(e)
		err = runConsumer(ctx, runner)
		zap.L().Info("consume finished", zap.Any("stats", runner.Stats()))
		return err
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
