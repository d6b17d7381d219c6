package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/config"
	"github.com/audiolibrelab/ripplefb/internal/device"
	"github.com/audiolibrelab/ripplefb/internal/recording"
	"github.com/audiolibrelab/ripplefb/internal/service"
)

func newTestServer(t *testing.T) (*service.Controller, http.Handler) {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Simulated = true
	cfg.Recording.SaveRoot = t.TempDir()

	src := device.NewSimulatedSource().WithClock(func() time.Time { return time.Unix(1000, 0) })
	ctl := service.New(cfg, src, recording.NewLogger(time.Unix(0, 0)), nil)
	if err := ctl.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { ctl.Shutdown() })

	return ctl, New(ctl, cfg.Server.Port).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Status(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if resp.Status != string(recording.StatusIdle) {
		t.Errorf("Expected IDLE, got %s", resp.Status)
	}
	if resp.Controller.ThresholdSD != 3.0 {
		t.Errorf("Expected default threshold 3.0, got %v", resp.Controller.ThresholdSD)
	}
	if len(resp.Controller.Channels) != 5 {
		t.Errorf("Expected 5 channels, got %v", resp.Controller.Channels)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/status"},
		{http.MethodGet, "/record/start"},
		{http.MethodGet, "/threshold"},
		{http.MethodGet, "/channel/signal"},
	}

	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tt.method, tt.path, rec.Code)
		}
		var resp GenericResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Success || resp.Error != "Method not allowed" {
			t.Errorf("%s %s: unexpected body %+v", tt.method, tt.path, resp)
		}
	}
}

func TestServer_Channels(t *testing.T) {
	_, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/channels/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp ChannelsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	want := "tt5_1,tt1_1,tt6_1,tt2_1,tt7_1"
	if got := strings.Join(resp.Channels, ","); got != want {
		t.Errorf("Channels = %s, want %s", got, want)
	}
}

func TestServer_RecordingFlow(t *testing.T) {
	ctl, h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/record/start", `{"prefix":"api_"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var started RecordStartResponse
	if err := json.NewDecoder(rec.Body).Decode(&started); err != nil {
		t.Fatal(err)
	}
	if started.Session == nil || !strings.Contains(started.Session.FilePath, "api_") {
		t.Fatalf("Unexpected session %+v", started.Session)
	}

	rec = do(t, h, http.MethodPost, "/record/start", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second start, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/channel/ref", `{"label":"tt2_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if err := ctl.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec = do(t, h, http.MethodPost, "/record/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if status := ctl.GetStatus(); status.Recording != recording.StatusIdle {
		t.Errorf("Expected IDLE after stop, got %s", status.Recording)
	}
	if status := ctl.GetStatus(); status.LastCommand != "plugin;126;10" {
		t.Errorf("LastCommand = %q, want plugin;126;10", status.LastCommand)
	}
}

func TestServer_Threshold(t *testing.T) {
	ctl, h := newTestServer(t)

	tests := []struct {
		body        string
		wantValue   float64
		wantWarning bool
		wantCommand string
	}{
		{`{"value":"2.5"}`, 2.5, false, "plugin;124;136072"},
		{`{"value":"abc"}`, 3.0, true, "plugin;124;196608"},
	}

	for _, tt := range tests {
		rec := do(t, h, http.MethodPost, "/threshold", tt.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.body, rec.Code)
		}
		var resp ThresholdResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Value != tt.wantValue {
			t.Errorf("%s: value = %v, want %v", tt.body, resp.Value, tt.wantValue)
		}
		if (resp.Warning != "") != tt.wantWarning {
			t.Errorf("%s: warning = %q", tt.body, resp.Warning)
		}
		if got := ctl.GetStatus().LastCommand; got != tt.wantCommand {
			t.Errorf("%s: last command = %q, want %q", tt.body, got, tt.wantCommand)
		}
	}
}

func TestServer_ModesAndCommands(t *testing.T) {
	ctl, h := newTestServer(t)

	if rec := do(t, h, http.MethodPost, "/mode/control", `{"enabled":true}`); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !ctl.GetStatus().Modes[service.ModeControl] {
		t.Error("Expected control mode enabled")
	}
	if rec := do(t, h, http.MethodPost, "/process", `{"enabled":true}`); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/params/update", ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if got := ctl.GetStatus().LastCommand; got != "plugin;123;1" {
		t.Errorf("LastCommand = %q, want plugin;123;1", got)
	}
	if rec := do(t, h, http.MethodPost, "/settings/show", ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/mode/unknown", `{"enabled":true}`); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown mode, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/channel/other", `{"label":"tt1_1"}`); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown role, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/process", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	_, h := newTestServer(t)

	do(t, h, http.MethodPost, "/settings/show", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ripplefb_commands_sent_total") {
		t.Errorf("Expected commands counter in metrics output")
	}
}
