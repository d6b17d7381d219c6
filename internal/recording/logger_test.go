package recording

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/device"
)

var (
	processStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)
	sessionStart = time.Date(2024, 3, 1, 9, 15, 30, 0, time.Local)
)

func newTestLogger() *Logger {
	return NewLogger(processStart).WithClock(func() time.Time { return sessionStart })
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestLogger_EndToEnd(t *testing.T) {
	root := t.TempDir()
	l := newTestLogger()

	session, err := l.Start(root, "rat01_")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	wantPath := filepath.Join(root, "2024-03-01-090000", "rat01_2024-03-01-091530.txt")
	if session.FilePath != wantPath {
		t.Errorf("Expected file %s, got %s", wantPath, session.FilePath)
	}
	if session.ID == "" {
		t.Error("Expected a session ID")
	}

	n, err := l.OnTick([]device.Annotation{{Timestamp: 100.0, Text: "hello", Tag: 255}})
	if err != nil || n != 1 {
		t.Fatalf("OnTick = %d, %v", n, err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	lines := readLines(t, wantPath)
	want := []string{"#2024-03-01-091530", "#time_stamp, comment, val", "100.0, hello, 255"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("Log contents = %q, want %q", lines, want)
	}

	status, last := l.Status()
	if status != StatusIdle {
		t.Errorf("Expected IDLE after stop, got %s", status)
	}
	if last == nil || last.Records != 1 {
		t.Errorf("Expected last session with 1 record, got %+v", last)
	}
}

func TestLogger_TickFlushesEveryTick(t *testing.T) {
	l := newTestLogger()
	session, err := l.Start(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	if _, err := l.OnTick([]device.Annotation{{Timestamp: 1.25, Text: "a", Tag: 0}, {Timestamp: 2, Text: "b", Tag: 1}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.OnTick([]device.Annotation{{Timestamp: 3.5, Text: "plugin;128;1", Tag: 255}}); err != nil {
		t.Fatal(err)
	}

	// Read without stopping: every tick must already be on disk, in order.
	lines := readLines(t, session.FilePath)
	want := []string{"1.25, a, 0", "2.0, b, 1", "3.5, plugin;128;1, 255"}
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %q", lines)
	}
	for i, w := range want {
		if lines[i+2] != w {
			t.Errorf("line %d = %q, want %q", i+2, lines[i+2], w)
		}
	}
}

func TestLogger_StartTwiceRejected(t *testing.T) {
	root := t.TempDir()
	l := newTestLogger()

	first, err := l.Start(root, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Start(root, "other_"); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("Expected ErrAlreadyRecording, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(first.FilePath))
	if len(entries) != 1 {
		t.Errorf("Expected exactly one log file, found %d", len(entries))
	}
	if _, s := l.Status(); s.FilePath != first.FilePath {
		t.Errorf("Rejected start replaced the session: %s", s.FilePath)
	}
	l.Stop()
}

func TestLogger_IdleTickDiscards(t *testing.T) {
	root := t.TempDir()
	l := newTestLogger()

	n, err := l.OnTick([]device.Annotation{{Timestamp: 1, Text: "lost", Tag: 0}})
	if err != nil || n != 0 {
		t.Errorf("OnTick while idle = %d, %v", n, err)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("Idle tick created files: %v", entries)
	}
}

func TestLogger_StopWhenIdle(t *testing.T) {
	l := newTestLogger()
	if err := l.Stop(); err != nil {
		t.Errorf("Stop on idle logger returned %v", err)
	}
	if status, s := l.Status(); status != StatusIdle || s != nil {
		t.Errorf("Unexpected state %s %+v", status, s)
	}
}

func TestLogger_StartFailureStaysIdle(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	l := newTestLogger()
	if _, err := l.Start(blocker, ""); err == nil {
		t.Fatal("Expected error when save root is a file")
	}
	if status, _ := l.Status(); status != StatusIdle {
		t.Errorf("Expected IDLE after failed start, got %s", status)
	}
	if _, err := l.Start(t.TempDir(), "a/b"); err == nil {
		t.Error("Expected error for prefix containing a separator")
	}
}

func TestLogger_SameSecondSessionsDoNotCollide(t *testing.T) {
	root := t.TempDir()
	l := newTestLogger()

	first, err := l.Start(root, "")
	if err != nil {
		t.Fatal(err)
	}
	l.Stop()
	second, err := l.Start(root, "")
	if err != nil {
		t.Fatal(err)
	}
	l.Stop()

	if first.FilePath == second.FilePath {
		t.Fatalf("Second session reused %s", first.FilePath)
	}
	if !strings.HasSuffix(second.FilePath, "_1.txt") {
		t.Errorf("Unexpected second file name %s", second.FilePath)
	}
	if first.ID == second.ID {
		t.Error("Sessions share an ID")
	}
}

func TestLogger_WriteFailureSurfaced(t *testing.T) {
	l := newTestLogger()
	if _, err := l.Start(t.TempDir(), ""); err != nil {
		t.Fatal(err)
	}

	l.file.Close()

	_, err := l.OnTick([]device.Annotation{{Timestamp: 1, Text: "x", Tag: 0}})
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("Expected ErrWrite, got %v", err)
	}
	if status, _ := l.Status(); status != StatusRecording {
		t.Errorf("Write failure should not end the session, got %s", status)
	}
	if err := l.Stop(); err == nil {
		t.Error("Expected Stop to report the close failure")
	}
	if status, _ := l.Status(); status != StatusIdle {
		t.Errorf("Stop must always return to IDLE, got %s", status)
	}
}

// flakyWriter accepts half of the first fails writes, then errors.
type flakyWriter struct {
	w     io.Writer
	fails int
}

func (f *flakyWriter) Write(p []byte) (int, error) {
	if f.fails > 0 {
		f.fails--
		n, _ := f.w.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.w.Write(p)
}

func TestLogger_RecoversAfterTransientWriteFailure(t *testing.T) {
	l := newTestLogger()
	session, err := l.Start(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	l.out = &flakyWriter{w: l.file, fails: 1}

	n, err := l.OnTick([]device.Annotation{{Timestamp: 1, Text: "first", Tag: 0}})
	if !errors.Is(err, ErrWrite) || n != 0 {
		t.Fatalf("tick 1: got (%d, %v), want (0, ErrWrite)", n, err)
	}

	n, err = l.OnTick([]device.Annotation{{Timestamp: 2, Text: "second", Tag: 0}})
	if err != nil || n != 2 {
		t.Fatalf("tick 2: got (%d, %v), want (2, nil)", n, err)
	}
	n, err = l.OnTick([]device.Annotation{{Timestamp: 3, Text: "third", Tag: 0}})
	if err != nil || n != 1 {
		t.Fatalf("tick 3: got (%d, %v), want (1, nil)", n, err)
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, s := l.Status(); s.Records != 3 {
		t.Errorf("Records = %d, want 3", s.Records)
	}

	data, err := os.ReadFile(session.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	want := []string{"1.0, first, 0", "2.0, second, 0", "3.0, third, 0"}
	if len(lines) != 2+len(want) {
		t.Fatalf("log has %d lines, want %d:\n%s", len(lines), 2+len(want), data)
	}
	for i, w := range want {
		if lines[2+i] != w {
			t.Errorf("line %d = %q, want %q", 2+i, lines[2+i], w)
		}
	}
}

func TestLogger_StopWritesPendingLines(t *testing.T) {
	l := newTestLogger()
	session, err := l.Start(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	l.out = &flakyWriter{w: l.file, fails: 1}

	if _, err := l.OnTick([]device.Annotation{{Timestamp: 5, Text: "late", Tag: 1}}); err == nil {
		t.Fatal("expected first tick to fail")
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	data, err := os.ReadFile(session.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n5.0, late, 1\n") {
		t.Errorf("pending line not written on Stop:\n%s", data)
	}
}

func TestFormatLine(t *testing.T) {
	tests := []struct {
		in   device.Annotation
		want string
	}{
		{device.Annotation{Timestamp: 100, Text: "hello", Tag: 255}, "100.0, hello, 255\n"},
		{device.Annotation{Timestamp: 1700000000.123456, Text: "plugin;124;196608", Tag: 0}, "1700000000.123456, plugin;124;196608, 0\n"},
		{device.Annotation{Timestamp: 0.5, Text: "", Tag: 7}, "0.5, , 7\n"},
		{device.Annotation{Timestamp: 2, Text: "two\nlines\r", Tag: 0}, "2.0, two\\nlines\\r, 0\n"},
	}
	for _, tt := range tests {
		if got := FormatLine(tt.in); got != tt.want {
			t.Errorf("FormatLine(%+v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLogFileNameMatchesStart(t *testing.T) {
	root := t.TempDir()
	procStart := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC)

	l := NewLogger(procStart).WithClock(func() time.Time { return now })
	session, err := l.Start(root, "rat1_")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	want := filepath.Join(SessionDir(root, procStart), LogFileName("rat1_", now))
	if session.FilePath != want {
		t.Errorf("FilePath = %s, want %s", session.FilePath, want)
	}
	if got := LogFileName("rat1_", now); got != "rat1_2024-03-01-090507.txt" {
		t.Errorf("LogFileName = %s", got)
	}
}
