package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/channel"
	"github.com/audiolibrelab/ripplefb/internal/config"
	"github.com/audiolibrelab/ripplefb/internal/device"
	"github.com/audiolibrelab/ripplefb/internal/metrics"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
	"github.com/audiolibrelab/ripplefb/internal/recording"
)

// Service is what a control surface drives.
type Service interface {
	// Channel directory
	RefreshChannels(ctx context.Context) error
	Channels() []string

	// Extension commands
	SetProcessEnabled(ctx context.Context, on bool) error
	SetChannel(ctx context.Context, role Role, label string) error
	SetChannelMode(ctx context.Context, mode Mode, on bool) error
	SetThreshold(ctx context.Context, text string) (float64, error)
	UpdateParams(ctx context.Context) error
	ShowSettings(ctx context.Context) error

	// Recording
	StartRecording(saveRoot, prefix string) (*recording.Session, error)
	StopRecording() error

	// Polling
	Tick(ctx context.Context) error

	GetStatus() Status
	GetConfig() *config.Config
	GetLastError() string
	Metrics() *metrics.Metrics
}

// Role selects which extension input a channel label is assigned to.
type Role string

const (
	RoleSignal    Role = "signal"
	RoleReference Role = "ref"
	RoleMask      Role = "mask"
)

// Mode names one of the extension's channel-mode switches.
type Mode string

const (
	ModeMask    Mode = "mask"
	ModeControl Mode = "control"
	ModeRef     Mode = "ref"
)

// Status is a snapshot of the controller for display.
type Status struct {
	Recording      recording.Status   `json:"recording"`
	Session        *recording.Session `json:"session,omitempty"`
	Source         device.Kind        `json:"source"`
	Channels       []string           `json:"channels"`
	Selected       map[Role]string    `json:"selected"`
	Modes          map[Mode]bool      `json:"modes"`
	ProcessEnabled bool               `json:"process_enabled"`
	ThresholdSD    float64            `json:"threshold_sd"`
	SaveRoot       string             `json:"save_root"`
	Prefix         string             `json:"prefix"`
	LastCommand    string             `json:"last_command,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
}

// Controller owns one acquisition source together with its channel
// directory, command encoder and recording logger. Every operation runs under
// a single lock, so effects are applied in the order callers arrive.
type Controller struct {
	cfg     *config.Config
	src     device.Source
	dir     *channel.Directory
	enc     *protocol.Encoder
	logger  *recording.Logger
	metrics *metrics.Metrics

	mu             sync.Mutex
	selected       map[Role]string
	modes          map[Mode]bool
	processEnabled bool
	thresholdSD    float64
	saveRoot       string
	prefix         string
	lastCommand    string
	lastError      string
	shutdownOnce   sync.Once
}

// New creates a controller around src. The source is not initialized until
// Open is called.
func New(cfg *config.Config, src device.Source, logger *recording.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = recording.NewLogger(time.Now())
	}
	if m == nil {
		m = metrics.New()
	}

	dir := channel.NewDirectory()
	return &Controller{
		cfg:         cfg,
		src:         src,
		dir:         dir,
		enc:         protocol.NewEncoder(dir),
		logger:      logger,
		metrics:     m,
		selected:    make(map[Role]string),
		modes:       map[Mode]bool{ModeMask: false, ModeControl: false, ModeRef: false},
		thresholdSD: cfg.Control.ThresholdSD,
		saveRoot:    cfg.Recording.SaveRoot,
		prefix:      cfg.Recording.Prefix,
	}
}

// Open initializes the source and loads the channel directory. A directory
// failure is reported through GetLastError but does not fail Open.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.src.Initialize(ctx); err != nil {
		c.setLastError("Device connection failed: %v", err)
		return err
	}
	if err := c.refreshChannels(ctx); err != nil {
		slog.Warn("Initial channel refresh failed, retry from the control surface", "error", err)
	}
	return nil
}

func (c *Controller) RefreshChannels(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshChannels(ctx)
}

func (c *Controller) refreshChannels(ctx context.Context) error {
	if err := c.src.RefreshChannels(ctx, c.dir); err != nil {
		c.setLastError("Channel refresh failed: %v", err)
		return err
	}
	c.metrics.Channels.Set(float64(c.dir.Len()))

	// Selections that vanished with the rebuild are forgotten.
	for role, label := range c.selected {
		if _, ok := c.dir.Resolve(label); !ok {
			delete(c.selected, role)
		}
	}
	c.clearLastError()
	return nil
}

// Channels returns the current labels in directory order.
func (c *Controller) Channels() []string {
	return c.dir.Labels()
}

// Directory returns a copy of the label to channel-index mapping.
func (c *Controller) Directory() map[string]int {
	return c.dir.Snapshot()
}

func (c *Controller) SetProcessEnabled(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.send(ctx, c.enc.ProcessEnable(on)); err != nil {
		return err
	}
	c.processEnabled = on
	return nil
}

// SetChannel assigns label to role. A label missing from the directory
// produces the no-op command, so nothing is transmitted and no error is
// returned.
func (c *Controller) SetChannel(ctx context.Context, role Role, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cmd protocol.Command
	switch role {
	case RoleSignal:
		cmd = c.enc.SetSignalChannel(label)
	case RoleReference:
		cmd = c.enc.SetReferenceChannel(label)
	case RoleMask:
		cmd = c.enc.SetMaskChannel(label)
	default:
		return fmt.Errorf("unknown channel role %q", role)
	}

	if cmd.IsNoOp() {
		slog.Warn("Channel label not in directory, command dropped", "role", role, "label", label)
	}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	if !cmd.IsNoOp() {
		c.selected[role] = label
	}
	return nil
}

func (c *Controller) SetChannelMode(ctx context.Context, mode Mode, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cmd protocol.Command
	switch mode {
	case ModeMask:
		cmd = c.enc.ChannelModeMask(on)
	case ModeControl:
		cmd = c.enc.ChannelModeControl(on)
	case ModeRef:
		cmd = c.enc.ChannelModeRef(on)
	default:
		return fmt.Errorf("unknown channel mode %q", mode)
	}

	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	c.modes[mode] = on
	return nil
}

// SetThreshold parses text and sends the threshold. Unparsable input is
// replaced by the configured default, which is still sent; the returned
// value is what was applied and the error wraps protocol.ErrMalformedInput.
func (c *Controller) SetThreshold(ctx context.Context, text string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, parseErr := protocol.ParseThreshold(text, c.cfg.Control.ThresholdSD)
	if parseErr != nil {
		slog.Warn("Invalid threshold, using default", "input", text, "default", value)
	}

	if err := c.send(ctx, c.enc.SetThresholdSD(value)); err != nil {
		return c.thresholdSD, err
	}
	c.thresholdSD = value
	return value, parseErr
}

func (c *Controller) UpdateParams(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, c.enc.UpdateParams())
}

func (c *Controller) ShowSettings(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, c.enc.ShowSettings())
}

func (c *Controller) send(ctx context.Context, cmd protocol.Command) error {
	if cmd.IsNoOp() {
		c.metrics.CommandsDropped.Inc()
	}
	if err := c.src.Send(ctx, cmd); err != nil {
		c.metrics.SendErrors.Inc()
		c.setLastError("Send failed: %v", err)
		return err
	}
	if !cmd.IsNoOp() {
		c.metrics.CommandsSent.WithLabelValues(cmd.Opcode.String()).Inc()
		c.lastCommand = cmd.String()
	}
	return nil
}

// StartRecording opens a session log. Empty arguments fall back to the
// values last used.
func (c *Controller) StartRecording(saveRoot, prefix string) (*recording.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if saveRoot == "" {
		saveRoot = c.saveRoot
	}
	if prefix == "" {
		prefix = c.prefix
	}

	session, err := c.logger.Start(saveRoot, prefix)
	if err != nil {
		c.setLastError("Failed to start recording: %v", err)
		return nil, err
	}

	c.saveRoot = saveRoot
	c.prefix = prefix
	c.metrics.Recording.Set(1)
	c.clearLastError()
	return session, nil
}

func (c *Controller) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRecording()
}

func (c *Controller) stopRecording() error {
	err := c.logger.Stop()
	c.metrics.Recording.Set(0)
	if err != nil {
		c.setLastError("Failed to stop recording: %v", err)
	}
	return err
}

// Tick drains the source and hands the annotations to the logger. It runs
// whether or not a session is open, so the source buffer never grows.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.src.Poll(ctx)
	if err != nil {
		c.metrics.PollErrors.Inc()
		c.setLastError("Poll failed: %v", err)
		return err
	}
	c.metrics.AnnotationsPolled.Add(float64(len(records)))

	n, err := c.logger.OnTick(records)
	c.metrics.RecordsWritten.Add(float64(n))
	if err != nil {
		c.metrics.WriteErrors.Inc()
		c.setLastError("Recording write failed: %v", err)
		return err
	}
	return nil
}

// Run calls Tick every poll interval until ctx is done. Tick errors are
// logged and the loop continues.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.cfg.Recording.PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("Polling loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Polling loop stopped")
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Tick failed", "error", err)
			}
		}
	}
}

// Shutdown stops any open recording and releases the source. Only the first
// call has an effect.
func (c *Controller) Shutdown() error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		err = errors.Join(c.stopRecording(), c.src.Close())
		slog.Info("Controller shut down")
	})
	return err
}

func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, session := c.logger.Status()
	selected := make(map[Role]string, len(c.selected))
	for k, v := range c.selected {
		selected[k] = v
	}
	modes := make(map[Mode]bool, len(c.modes))
	for k, v := range c.modes {
		modes[k] = v
	}

	return Status{
		Recording:      state,
		Session:        session,
		Source:         c.src.Kind(),
		Channels:       c.dir.Labels(),
		Selected:       selected,
		Modes:          modes,
		ProcessEnabled: c.processEnabled,
		ThresholdSD:    c.thresholdSD,
		SaveRoot:       c.saveRoot,
		Prefix:         c.prefix,
		LastCommand:    c.lastCommand,
		LastError:      c.lastError,
	}
}

// GetConfig returns the current configuration
func (c *Controller) GetConfig() *config.Config {
	return c.cfg
}

func (c *Controller) GetLastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Controller) Metrics() *metrics.Metrics {
	return c.metrics
}

// setLastError must be called with c.mu held.
func (c *Controller) setLastError(format string, args ...any) {
	c.lastError = fmt.Sprintf(format, args...)
}

func (c *Controller) clearLastError() {
	c.lastError = ""
}
