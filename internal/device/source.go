// Package device provides the acquisition sources the controller talks to:
// a real device reached through a Driver, and an in-memory simulation that
// echoes every command back as an annotation.
package device

import (
	"context"
	"errors"
	"log/slog"

	"github.com/audiolibrelab/ripplefb/internal/channel"
	"github.com/audiolibrelab/ripplefb/internal/config"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
)

// Kind names a source variant.
type Kind string

const (
	KindReal      Kind = "real"
	KindSimulated Kind = "simulated"
)

var (
	// ErrConnection is returned when the underlying device cannot be opened.
	ErrConnection = errors.New("device connection failed")
	// ErrNotInitialized is returned by operations called before Initialize.
	ErrNotInitialized = errors.New("device source not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("device source already initialized")
	// ErrClosed is returned by operations called after Close.
	ErrClosed = errors.New("device source closed")
)

// Annotation is one comment record emitted by the acquisition device.
type Annotation struct {
	Timestamp float64 `json:"timestamp"`
	Text      string  `json:"text"`
	Tag       uint8   `json:"tag"`
}

// Source is the capability the controller needs from an acquisition device.
type Source interface {
	// Initialize opens the underlying channel. It must be called once,
	// before any other method.
	Initialize(ctx context.Context) error

	// RefreshChannels rebuilds dir from the device's live channel set.
	RefreshChannels(ctx context.Context, dir *channel.Directory) error

	// Send transmits cmd. The no-op sentinel is dropped, never sent.
	Send(ctx context.Context, cmd protocol.Command) error

	// Poll drains the annotations accumulated since the previous call.
	// It never blocks longer than the source's poll timeout.
	Poll(ctx context.Context) ([]Annotation, error)

	// Close releases the device. Further calls are no-ops.
	Close() error

	Kind() Kind
}

// New creates the source selected by cfg.Simulated.
func New(cfg config.DeviceConfig) Source {
	switch determineKind(cfg) {
	case KindSimulated:
		return NewSimulatedSource()
	default:
		return NewRealSource(NewMQTTDriver(cfg), cfg)
	}
}

func determineKind(cfg config.DeviceConfig) Kind {
	if cfg.Simulated {
		return KindSimulated
	}
	return KindReal
}

func dropNoOp(kind Kind, cmd protocol.Command) bool {
	if cmd.IsNoOp() {
		slog.Debug("Dropping no-op command", "source", kind)
		return true
	}
	return false
}
