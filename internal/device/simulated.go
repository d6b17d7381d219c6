package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/channel"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
)

// EchoTag is the tag the simulated device stamps on echoed commands.
const EchoTag uint8 = 255

// SimulatedChannels is the fixed channel set of the simulated device.
var SimulatedChannels = map[string]int{
	"tt5_1": 1,
	"tt1_1": 2,
	"tt6_1": 9,
	"tt2_1": 10,
	"tt7_1": 17,
}

// SimulatedSource is an in-memory device for offline use and tests. Every
// command sent comes back from the next Poll.
type SimulatedSource struct {
	mu          sync.Mutex
	buf         []Annotation
	initialized bool
	closed      bool
	now         func() time.Time
}

// NewSimulatedSource creates a simulated source using the wall clock.
func NewSimulatedSource() *SimulatedSource {
	return &SimulatedSource{now: time.Now}
}

// WithClock replaces the clock used to timestamp echoes.
func (s *SimulatedSource) WithClock(now func() time.Time) *SimulatedSource {
	s.now = now
	return s
}

func (s *SimulatedSource) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.initialized = true
	slog.Info("Simulated device ready")
	return nil
}

func (s *SimulatedSource) RefreshChannels(ctx context.Context, dir *channel.Directory) error {
	if err := s.check(); err != nil {
		return err
	}
	slog.Debug("Installing simulated channel set", "channels", len(SimulatedChannels))
	return dir.Replace(SimulatedChannels)
}

func (s *SimulatedSource) Send(ctx context.Context, cmd protocol.Command) error {
	if err := s.check(); err != nil {
		return err
	}
	if dropNoOp(KindSimulated, cmd) {
		return nil
	}

	text := cmd.String()
	s.mu.Lock()
	s.buf = append(s.buf, Annotation{
		Timestamp: unixSeconds(s.now()),
		Text:      text,
		Tag:       EchoTag,
	})
	s.mu.Unlock()

	slog.Debug("Simulated send", "comment", text)
	return nil
}

func (s *SimulatedSource) Poll(ctx context.Context) ([]Annotation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf
	s.buf = nil
	return out, nil
}

// Close is a no-op beyond marking the source closed.
func (s *SimulatedSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *SimulatedSource) Kind() Kind { return KindSimulated }

func (s *SimulatedSource) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
