// Package recording persists the device's annotation stream to per-session
// text logs.
package recording

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/ripplefb/internal/device"
)

// Status represents the current state of the logger
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRecording Status = "RECORDING"
)

// TimestampLayout names session directories, log files and header lines.
const TimestampLayout = "2006-01-02-150405"

const (
	headerFields = "#time_stamp, comment, val"
	newline      = "\n"
	logExt       = ".txt"
)

var (
	// ErrAlreadyRecording is returned by Start while a session is open.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrWrite wraps failures appending annotations to the session log.
	ErrWrite = errors.New("session log write failed")
)

// Session describes one recording interval.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	FilePath  string    `json:"file_path"`
	Records   int       `json:"records"`
}

// Logger is the recording state machine. It owns the open log file.
type Logger struct {
	mu           sync.Mutex
	status       Status
	session      *Session
	file         *os.File
	out          io.Writer // file, unless replaced in tests
	pending      []byte    // bytes of the current batch not yet accepted by out
	pendingRecs  int       // records in pending
	processStart time.Time
	now          func() time.Time
}

// NewLogger creates an idle logger. processStart names the directory all of
// this process's sessions are written to.
func NewLogger(processStart time.Time) *Logger {
	return &Logger{
		status:       StatusIdle,
		processStart: processStart,
		now:          time.Now,
	}
}

// WithClock replaces the clock used for session timestamps.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Start opens a new session log at
// <saveRoot>/<process start>/<prefix><now>.txt and writes its header.
func (l *Logger) Start(saveRoot, prefix string) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status == StatusRecording {
		return nil, ErrAlreadyRecording
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("invalid file prefix %q", prefix)
	}

	dir := SessionDir(saveRoot, l.processStart)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	startTime := l.now()
	stamp := startTime.Format(TimestampLayout)
	file, path, err := createUnique(dir, prefix+stamp)
	if err != nil {
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}

	if _, err := file.WriteString("#" + stamp + newline + headerFields + newline); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write session header: %w", err)
	}

	l.file = file
	l.out = file
	l.pending = nil
	l.pendingRecs = 0
	l.session = &Session{
		ID:        uuid.NewString(),
		StartTime: startTime,
		FilePath:  path,
	}
	l.status = StatusRecording

	slog.Info("Recording started", "session", l.session.ID, "file", path)
	return l.sessionCopy(), nil
}

// Stop flushes and closes the session log. It is a no-op when idle.
func (l *Logger) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusRecording {
		return nil
	}

	var errs []error
	if _, err := l.flush(); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}

	l.file = nil
	l.out = nil
	l.pending = nil
	l.pendingRecs = 0
	l.status = StatusIdle
	slog.Info("Recording stopped", "session", l.session.ID, "records", l.session.Records)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

// OnTick appends records to the open log and flushes them before returning.
// While idle the records are discarded. It returns the number of lines
// written; a non-nil error wraps ErrWrite and leaves the session open, with
// the unwritten lines retried ahead of the next tick's records.
func (l *Logger) OnTick(records []device.Annotation) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusRecording {
		if len(records) > 0 {
			slog.Debug("Discarding annotations while idle", "count", len(records))
		}
		return 0, nil
	}

	for _, rec := range records {
		l.pending = append(l.pending, FormatLine(rec)...)
	}
	l.pendingRecs += len(records)

	written, err := l.flush()
	if err != nil {
		if l.pendingRecs > 0 {
			slog.Warn("Session log write failed, lines kept for next tick", "pending", l.pendingRecs, "error", err)
		}
		return written, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if written > 0 {
		if err := l.file.Sync(); err != nil {
			return written, fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return written, nil
}

// flush writes the pending batch. Bytes accepted by a short write are
// dropped from pending so a retry never duplicates them. Records are counted
// only once the whole batch is on file.
func (l *Logger) flush() (int, error) {
	if len(l.pending) == 0 {
		return 0, nil
	}
	n, err := l.out.Write(l.pending)
	l.pending = l.pending[n:]
	if err != nil {
		return 0, err
	}

	written := l.pendingRecs
	l.session.Records += written
	l.pending = nil
	l.pendingRecs = 0
	return written, nil
}

// Status returns the current state and a copy of the latest session, which
// stays available after Stop.
func (l *Logger) Status() (Status, *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status, l.sessionCopy()
}

func (l *Logger) sessionCopy() *Session {
	if l.session == nil {
		return nil
	}
	s := *l.session
	return &s
}

// SessionDir is the directory every session of a process started at
// processStart is written to.
func SessionDir(saveRoot string, processStart time.Time) string {
	return filepath.Join(saveRoot, processStart.Format(TimestampLayout))
}

// LogFileName is the name of a session log started at t, before any
// collision suffix.
func LogFileName(prefix string, t time.Time) string {
	return prefix + t.Format(TimestampLayout) + logExt
}

// FormatLine renders one annotation as "timestamp, text, tag\n".
func FormatLine(a device.Annotation) string {
	return formatTimestamp(a.Timestamp) + ", " + lineEscaper.Replace(a.Text) + ", " + strconv.Itoa(int(a.Tag)) + newline
}

// lineEscaper keeps one record per line when comment text carries line breaks.
var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`)

func formatTimestamp(ts float64) string {
	s := strconv.FormatFloat(ts, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// createUnique creates <dir>/<base>.txt, adding a numeric suffix when a
// session started within the same second already owns that name.
func createUnique(dir, base string) (*os.File, string, error) {
	for i := 0; i < 100; i++ {
		name := base + logExt
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i, logExt)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("too many sessions named %s", base)
}
