package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/channel"
	"github.com/audiolibrelab/ripplefb/internal/config"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
)

// Driver is the boundary to the acquisition device's own SDK or bridge.
type Driver interface {
	Open(ctx context.Context) error
	// Channels lists the continuous channels currently in the trial.
	Channels(ctx context.Context) ([]int, error)
	// Label reads one channel's configured label.
	Label(ctx context.Context, ch int) (string, error)
	// SetComment writes text into the device's comment stream.
	SetComment(ctx context.Context, text string) error
	// Comments drains the comments buffered since the previous call.
	Comments(ctx context.Context) ([]Annotation, error)
	Close() error
}

// RealSource drives a physical acquisition device through a Driver.
type RealSource struct {
	driver      Driver
	pollTimeout time.Duration
	settleDelay time.Duration

	mu          sync.Mutex
	initialized bool
	closed      bool
	closeOnce   sync.Once
	closeErr    error
}

// NewRealSource wraps driver with the timing settings from cfg.
func NewRealSource(driver Driver, cfg config.DeviceConfig) *RealSource {
	return &RealSource{
		driver:      driver,
		pollTimeout: cfg.PollTimeout,
		settleDelay: cfg.SettleDelay,
	}
}

func (r *RealSource) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.initialized {
		return ErrAlreadyInitialized
	}
	if err := r.driver.Open(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	r.initialized = true
	slog.Info("Acquisition device connected")
	return nil
}

func (r *RealSource) RefreshChannels(ctx context.Context, dir *channel.Directory) error {
	if err := r.check(); err != nil {
		return err
	}

	// Give the trial buffer time to see every continuous channel.
	if r.settleDelay > 0 {
		select {
		case <-time.After(r.settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := dir.Rebuild(ctx, r.driver); err != nil {
		slog.Error("Channel label refresh failed", "error", err)
		return err
	}
	slog.Info("Channel labels refreshed", "channels", dir.Len())
	return nil
}

func (r *RealSource) Send(ctx context.Context, cmd protocol.Command) error {
	if err := r.check(); err != nil {
		return err
	}
	if dropNoOp(KindReal, cmd) {
		return nil
	}

	text := cmd.String()
	if err := r.driver.SetComment(ctx, text); err != nil {
		return fmt.Errorf("failed to send comment %q: %w", text, err)
	}
	slog.Debug("Comment sent", "comment", text)
	return nil
}

func (r *RealSource) Poll(ctx context.Context) ([]Annotation, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	if r.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.pollTimeout)
		defer cancel()
	}

	comments, err := r.driver.Comments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read comments: %w", err)
	}
	return comments, nil
}

// Close releases the driver exactly once.
func (r *RealSource) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		wasOpen := r.initialized
		r.mu.Unlock()

		if wasOpen {
			r.closeErr = r.driver.Close()
			slog.Info("Acquisition device closed")
		}
	})
	return r.closeErr
}

func (r *RealSource) Kind() Kind { return KindReal }

func (r *RealSource) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if !r.initialized {
		return ErrNotInitialized
	}
	return nil
}
