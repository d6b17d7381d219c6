package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/device"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
	"github.com/audiolibrelab/ripplefb/internal/recording"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and session paths",
	Long:  `Display the resolved configuration for the active profile, the session log path a recording started now would use, and the wire form of the configured threshold.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now()
		sessionDir := recording.SessionDir(cfg.Recording.SaveRoot, processStart)
		logPath := filepath.Join(sessionDir, recording.LogFileName(cfg.Recording.Prefix, now))

		// Display file paths
		fmt.Printf("=== FILE PATHS ===\n")
		fmt.Printf("config: %s\n", cfgFile)
		fmt.Printf("session_dir: %s\n", sessionDir)
		fmt.Printf("next_log: %s\n", logPath)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Device]\n")
		if cfg.Device.Simulated {
			fmt.Printf("source: %s\n", device.KindSimulated)
			fmt.Printf("channels: %d canned\n", len(device.SimulatedChannels))
		} else {
			fmt.Printf("source: %s\n", device.KindReal)
			fmt.Printf("broker: %s\n", cfg.Device.Broker)
			fmt.Printf("client_id: %s\n", cfg.Device.ClientID)
			fmt.Printf("topic_root: %s\n", cfg.Device.TopicRoot)
			fmt.Printf("connect_timeout: %s\n", cfg.Device.ConnectTimeout)
		}
		fmt.Printf("poll_timeout: %s\n", cfg.Device.PollTimeout)
		fmt.Printf("settle_delay: %s\n", cfg.Device.SettleDelay)

		fmt.Printf("\n[Recording]\n")
		fmt.Printf("save_root: %s\n", cfg.Recording.SaveRoot)
		fmt.Printf("prefix: %q\n", cfg.Recording.Prefix)
		fmt.Printf("poll_interval: %s\n", cfg.Recording.PollInterval)

		fmt.Printf("\n[Control]\n")
		packed := protocol.PackThreshold(cfg.Control.ThresholdSD)
		whole, frac := protocol.UnpackThreshold(packed)
		fmt.Printf("threshold_sd: %g (wire %d = %d + %.4f)\n", cfg.Control.ThresholdSD, packed, whole, frac)

		fmt.Printf("\n[Server]\n")
		fmt.Printf("port: %s\n", cfg.Server.Port)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
