package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the acquisition channels by label",
	Long:  `Enumerate the live channel set of the acquisition source and print each label with its device index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, err := openController(cmd)
		if err != nil {
			return err
		}
		defer ctl.Shutdown()

		if err := ctl.RefreshChannels(cmd.Context()); err != nil {
			return fmt.Errorf("failed to get channels: %w", err)
		}

		status := ctl.GetStatus()
		fmt.Printf("Channels (%s source, %d found):\n", status.Source, len(status.Channels))
		directory := ctl.Directory()
		for i, label := range status.Channels {
			fmt.Printf("  %d. %s (ch %d)\n", i+1, label, directory[label])
		}
		return nil
	},
}
