package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record device annotations until interrupted",
	Long: `Open the acquisition source and record every annotation it emits to a
session log under <save_root>/<process start>/<prefix><start>.txt. The log is
flushed once per poll interval. Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		saveRoot, _ := cmd.Flags().GetString("output")
		prefix, _ := cmd.Flags().GetString("prefix")

		ctl, err := openController(cmd)
		if err != nil {
			return err
		}
		defer ctl.Shutdown()

		session, err := ctl.StartRecording(saveRoot, prefix)
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording... Press Ctrl+C to stop", "file", session.FilePath, "session", session.ID)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctl.Run(ctx)

		slog.Info("Stopping recording...")
		if err := ctl.Tick(context.Background()); err != nil {
			slog.Warn("Final poll failed", "error", err)
		}
		final := ctl.GetStatus().Session
		if err := ctl.StopRecording(); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}
		if final != nil {
			fmt.Printf("%s (%d records)\n", final.FilePath, final.Records)
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "save root directory (overrides config)")
	recordCmd.Flags().StringP("prefix", "p", "", "log file prefix (overrides config)")
}
