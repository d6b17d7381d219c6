package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/ripplefb/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server",
	Long: `Open the acquisition source, start the polling loop and serve the JSON
control API. Quitting with Ctrl+C stops any open recording before the source
is released.

The server will display the local network URL for easy access from other machines.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		if port == "" {
			port = cfg.Server.Port
		}

		ctl, err := openController(cmd)
		if err != nil {
			return err
		}
		defer ctl.Shutdown()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go ctl.Run(ctx)

		slog.Info("ripplefb control server starting", "port", port, "config", cfgFile, "source", ctl.GetStatus().Source)

		srv := server.New(ctl, port)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		slog.Info("Shutting down...")
		if err := ctl.Shutdown(); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "port for the control server (overrides config)")
}
