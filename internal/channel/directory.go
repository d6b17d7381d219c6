// Package channel keeps the label to device-index directory used to address
// acquisition channels by their configured names.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDirectory is returned when the channel set cannot be rebuilt.
var ErrDirectory = errors.New("channel directory refresh failed")

// Enumerator queries the live channel set of a device.
type Enumerator interface {
	// Channels lists the indices of the channels currently streaming.
	Channels(ctx context.Context) ([]int, error)
	// Label returns the configured label of one channel.
	Label(ctx context.Context, ch int) (string, error)
}

// Directory maps channel labels to device indices. A rebuild replaces the
// whole mapping or nothing.
type Directory struct {
	mu      sync.RWMutex
	byLabel map[string]int
	labels  []string
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{byLabel: map[string]int{}}
}

// Rebuild re-enumerates the device. On any failure the previous mapping is
// left untouched.
func (d *Directory) Rebuild(ctx context.Context, src Enumerator) error {
	chans, err := src.Channels(ctx)
	if err != nil {
		return fmt.Errorf("%w: enumerate channels: %v", ErrDirectory, err)
	}
	if len(chans) == 0 {
		return fmt.Errorf("%w: device reported no channels", ErrDirectory)
	}

	next := make(map[string]int, len(chans))
	for _, ch := range chans {
		label, err := src.Label(ctx, ch)
		if err != nil {
			return fmt.Errorf("%w: channel %d config: %v", ErrDirectory, ch, err)
		}
		next[label] = ch
	}

	return d.Replace(next)
}

// Replace installs m as the new mapping. An empty map is rejected.
func (d *Directory) Replace(m map[string]int) error {
	if len(m) == 0 {
		return fmt.Errorf("%w: empty channel set", ErrDirectory)
	}

	byLabel := make(map[string]int, len(m))
	labels := make([]string, 0, len(m))
	for label, ch := range m {
		byLabel[label] = ch
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := byLabel[labels[i]], byLabel[labels[j]]
		if ci != cj {
			return ci < cj
		}
		return labels[i] < labels[j]
	})

	d.mu.Lock()
	d.byLabel = byLabel
	d.labels = labels
	d.mu.Unlock()
	return nil
}

// Resolve returns the device index for label.
func (d *Directory) Resolve(label string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.byLabel[label]
	return ch, ok
}

// Labels returns all labels ordered by channel index.
func (d *Directory) Labels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.labels))
	copy(out, d.labels)
	return out
}

// Len returns the number of known channels.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byLabel)
}

// Snapshot returns a copy of the mapping.
func (d *Directory) Snapshot() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.byLabel))
	for k, v := range d.byLabel {
		out[k] = v
	}
	return out
}
