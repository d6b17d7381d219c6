package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/ripplefb/internal/channel"
	"github.com/audiolibrelab/ripplefb/internal/device"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
	"github.com/audiolibrelab/ripplefb/internal/service"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <action> [arg]",
	Short: "Send one command to the ripple extension",
	Long: `Send a single extension command and print its wire form.

Actions:
  enable | disable                      toggle ripple processing
  signal | ref | mask <label>           select a channel by label
  threshold <sd>                        set the detection threshold in SDs
  update                                latch the current mean/sd estimates
  settings                              ask the extension to print its settings
  mode-mask | mode-control | mode-ref on|off

With --dry-run the command is encoded but never transmitted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		action, err := parseAction(args)
		if err != nil {
			return err
		}

		if dryRun {
			return dryRunAction(cmd.Context(), action)
		}

		ctl, err := openController(cmd)
		if err != nil {
			return err
		}
		defer ctl.Shutdown()

		if err := applyAction(cmd.Context(), ctl, action); err != nil {
			return err
		}
		printCommand(sentCommand(ctl, action))
		return nil
	},
}

func init() {
	sendCmd.Flags().Bool("dry-run", false, "print the encoded command without sending it")
}

// sendAction is one parsed command line action.
type sendAction struct {
	name string
	arg  string
	on   bool
}

func parseAction(args []string) (sendAction, error) {
	a := sendAction{name: args[0]}
	if len(args) > 1 {
		a.arg = args[1]
	}

	switch a.name {
	case "enable", "disable", "update", "settings":
		if a.arg != "" {
			return a, fmt.Errorf("%s takes no argument", a.name)
		}
		a.on = a.name == "enable"
	case "signal", "ref", "mask", "threshold":
		if a.arg == "" {
			return a, fmt.Errorf("%s requires an argument", a.name)
		}
	case "mode-mask", "mode-control", "mode-ref":
		switch strings.ToLower(a.arg) {
		case "on":
			a.on = true
		case "off":
		default:
			return a, fmt.Errorf("%s requires on or off, got %q", a.name, a.arg)
		}
	default:
		return a, fmt.Errorf("unknown action %q", a.name)
	}
	return a, nil
}

func (a sendAction) needsLabel() bool {
	return a.name == "signal" || a.name == "ref" || a.name == "mask"
}

func applyAction(ctx context.Context, svc service.Service, a sendAction) error {
	switch a.name {
	case "enable", "disable":
		return svc.SetProcessEnabled(ctx, a.on)
	case "signal", "ref", "mask":
		return svc.SetChannel(ctx, service.Role(a.name), a.arg)
	case "threshold":
		value, err := svc.SetThreshold(ctx, a.arg)
		if errors.Is(err, protocol.ErrMalformedInput) {
			fmt.Printf("invalid threshold %q, sent default %.1f\n", a.arg, value)
			return nil
		}
		return err
	case "update":
		return svc.UpdateParams(ctx)
	case "settings":
		return svc.ShowSettings(ctx)
	default:
		return svc.SetChannelMode(ctx, service.Mode(strings.TrimPrefix(a.name, "mode-")), a.on)
	}
}

// sentCommand returns the wire form of what applyAction just sent, or the
// no-op sentinel when a channel label did not resolve.
func sentCommand(ctl *service.Controller, a sendAction) string {
	if a.needsLabel() {
		if _, ok := ctl.Directory()[a.arg]; !ok {
			slog.Warn("Label not in channel directory, nothing was sent", "label", a.arg)
			return protocol.NoOp.String()
		}
	}
	return ctl.GetStatus().LastCommand
}

// encodeAction mirrors applyAction without touching the device.
func encodeAction(enc *protocol.Encoder, a sendAction, defaultSD float64) protocol.Command {
	switch a.name {
	case "enable", "disable":
		return enc.ProcessEnable(a.on)
	case "signal":
		return enc.SetSignalChannel(a.arg)
	case "ref":
		return enc.SetReferenceChannel(a.arg)
	case "mask":
		return enc.SetMaskChannel(a.arg)
	case "threshold":
		value, _ := protocol.ParseThreshold(a.arg, defaultSD)
		return enc.SetThresholdSD(value)
	case "update":
		return enc.UpdateParams()
	case "settings":
		return enc.ShowSettings()
	case "mode-mask":
		return enc.ChannelModeMask(a.on)
	case "mode-control":
		return enc.ChannelModeControl(a.on)
	default:
		return enc.ChannelModeRef(a.on)
	}
}

// dryRunAction encodes a. Labels are resolved against the live channel set,
// so the source is opened only when the action names a channel.
func dryRunAction(ctx context.Context, a sendAction) error {
	dir := channel.NewDirectory()
	if a.needsLabel() {
		src := device.New(cfg.Device)
		defer src.Close()

		if err := src.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to open %s source: %w", src.Kind(), err)
		}
		if err := src.RefreshChannels(ctx, dir); err != nil {
			return fmt.Errorf("failed to load channels: %w", err)
		}
	}

	command := encodeAction(protocol.NewEncoder(dir), a, cfg.Control.ThresholdSD)
	if command.IsNoOp() {
		slog.Warn("Label not in channel directory, nothing would be sent", "label", a.arg)
	}
	printCommand(command.String())
	return nil
}

func printCommand(wire string) {
	fmt.Println(wire)
	c, ok := protocol.Parse(wire)
	if !ok || c.Opcode != protocol.OpSetThresholdSD {
		return
	}
	whole, frac := protocol.UnpackThreshold(uint32(c.Value))
	fmt.Printf("threshold: %d + %.4f SD\n", whole, frac)
}
