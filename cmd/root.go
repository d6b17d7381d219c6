package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/config"
	"github.com/audiolibrelab/ripplefb/internal/device"
	"github.com/audiolibrelab/ripplefb/internal/recording"
	"github.com/audiolibrelab/ripplefb/internal/service"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	simulate     bool
	verboseLevel int

	// processStart names the directory every session of this run is saved under.
	processStart = time.Now()
)

var rootCmd = &cobra.Command{
	Use:   "ripplefb",
	Short: "Closed-loop ripple feedback controller",
	Long: `ripplefb drives the ripple-detection extension of a neural acquisition
system. It selects the signal, reference and mask channels, sets the detection
threshold, toggles processing and records every comment the device emits,
including the echo of each command sent, to a timestamped session log.

Use --simulate to run against an in-memory device with a fixed channel set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// Environment overrides may live in a local .env file
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to load .env file", "error", err)
		}

		// Use default config path if not specified
		if cfgFile == "" {
			cfgFile = os.ExpandEnv("$HOME/.config/ripplefb.yaml")
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if simulate {
			cfg.Device.Simulated = true
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/ripplefb.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().BoolVarP(&simulate, "simulate", "s", false, "use the simulated device instead of the real one")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// openController builds the configured source and opens a controller on it.
func openController(cmd *cobra.Command) (*service.Controller, error) {
	src := device.New(cfg.Device)
	slog.Debug("Opening acquisition source", "kind", src.Kind())

	ctl := service.New(cfg, src, recording.NewLogger(processStart), nil)
	if err := ctl.Open(cmd.Context()); err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to open %s source: %w", src.Kind(), err)
	}
	if msg := ctl.GetLastError(); msg != "" {
		slog.Warn("Controller opened with errors", "error", msg)
	}
	return ctl, nil
}
