package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/welldata/prodstream/internal/cursor"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or move the replay cursor",
}

var cursorShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted replay date",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context(), envOptions{cursor: true})
		if err != nil {
			return err
		}
		defer e.Close()

		day, ok, err := e.Cursor.Load(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not set\n", e.Cursor.Key())
			return nil
		}
		stop, err := cfg.Replay.Stop()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (complete: %t)\n", e.Cursor.Key(), cursor.Format(day), !day.Before(stop))
		return nil
	},
}

var cursorSetCmd = &cobra.Command{
	Use:   "set DATE",
	Short: "Move the replay cursor to DATE (YYYY-MM-DD or ISO-8601)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := cursor.Parse(args[0])
		if err != nil {
			return err
		}
		return saveCursor(cmd, day)
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Move the replay cursor back to replay.start_date",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := cfg.Replay.Start()
		if err != nil {
			return err
		}
		return saveCursor(cmd, start)
	},
}

func saveCursor(cmd *cobra.Command, day time.Time) error {
	e, err := initEnv(cmd.Context(), envOptions{cursor: true})
	if err != nil {
		return err
	}
	defer e.Close()

	day = cursor.Midnight(day)
	if err := e.Cursor.Save(cmd.Context(), day); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", e.Cursor.Key(), cursor.Format(day))
	return nil
}

func init() {
	cursorCmd.AddCommand(cursorShowCmd, cursorSetCmd, cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}
