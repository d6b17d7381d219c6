package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/audiolibrelab/ripplefb/internal/channel"
	"github.com/audiolibrelab/ripplefb/internal/device"
	"github.com/audiolibrelab/ripplefb/internal/protocol"
	"github.com/audiolibrelab/ripplefb/internal/recording"
	"github.com/audiolibrelab/ripplefb/internal/service"
)

// Server is the headless control panel: a JSON API over the controller.
type Server struct {
	service service.Service
	port    string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Controller service.Status `json:"controller"`
}

// ChannelsResponse lists the directory labels in display order.
type ChannelsResponse struct {
	Channels []string `json:"channels"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RecordStartRequest optionally overrides the save location.
type RecordStartRequest struct {
	SaveRoot string `json:"save_root"`
	Prefix   string `json:"prefix"`
}

// RecordStartResponse reports the opened session.
type RecordStartResponse struct {
	Success bool               `json:"success"`
	Session *recording.Session `json:"session"`
}

// ToggleRequest carries an on/off switch.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ChannelRequest selects a channel by label.
type ChannelRequest struct {
	Label string `json:"label"`
}

// ThresholdRequest carries the threshold exactly as typed.
type ThresholdRequest struct {
	Value string `json:"value"`
}

// ThresholdResponse reports the value applied, which is the default when
// the input was malformed.
type ThresholdResponse struct {
	Success bool    `json:"success"`
	Value   float64 `json:"value"`
	Warning string  `json:"warning,omitempty"`
}

// New creates a control server for svc.
func New(svc service.Service, port string) *Server {
	return &Server{service: svc, port: port}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/channels/refresh", s.handleRefreshChannels)
	mux.HandleFunc("/record/start", s.handleStartRecording)
	mux.HandleFunc("/record/stop", s.handleStopRecording)
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/channel/", s.handleChannel)
	mux.HandleFunc("/mode/", s.handleMode)
	mux.HandleFunc("/threshold", s.handleThreshold)
	mux.HandleFunc("/params/update", s.handleUpdateParams)
	mux.HandleFunc("/settings/show", s.handleShowSettings)
	mux.Handle("/metrics", s.service.Metrics().Handler())
	return mux
}

// Start serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("Starting control server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control server shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	status := s.service.GetStatus()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:     string(status.Recording),
		Message:    s.generateStatusMessage(status),
		Controller: status,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, ChannelsResponse{Channels: s.service.Channels()})
}

func (s *Server) handleRefreshChannels(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.RefreshChannels(r.Context()); err != nil {
		s.sendErrorResponse(w, errorStatus(err), fmt.Sprintf("Failed to refresh channels: %v", err),
			"operation", "refresh_channels")
		return
	}
	writeJSON(w, http.StatusOK, ChannelsResponse{Channels: s.service.Channels()})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req RecordStartRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	session, err := s.service.StartRecording(req.SaveRoot, req.Prefix)
	if err != nil {
		s.sendErrorResponse(w, errorStatus(err), fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording", "save_root", req.SaveRoot)
		return
	}
	writeJSON(w, http.StatusOK, RecordStartResponse{Success: true, Session: session})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	if err := s.service.StopRecording(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: "Recording stopped"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req ToggleRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	s.respond(w, "process_enable", s.service.SetProcessEnabled(r.Context(), req.Enabled))
}

// handleChannel serves /channel/{signal|ref|mask}.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	role := service.Role(strings.TrimPrefix(r.URL.Path, "/channel/"))
	switch role {
	case service.RoleSignal, service.RoleReference, service.RoleMask:
	default:
		s.sendErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Unknown channel role %q", role))
		return
	}

	var req ChannelRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	s.respond(w, "set_channel", s.service.SetChannel(r.Context(), role, req.Label))
}

// handleMode serves /mode/{mask|control|ref}.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	mode := service.Mode(strings.TrimPrefix(r.URL.Path, "/mode/"))
	switch mode {
	case service.ModeMask, service.ModeControl, service.ModeRef:
	default:
		s.sendErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Unknown channel mode %q", mode))
		return
	}

	var req ToggleRequest
	if !decodeRequired(w, r, &req) {
		return
	}
	s.respond(w, "set_mode", s.service.SetChannelMode(r.Context(), mode, req.Enabled))
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req ThresholdRequest
	if !decodeRequired(w, r, &req) {
		return
	}

	value, err := s.service.SetThreshold(r.Context(), req.Value)
	resp := ThresholdResponse{Success: true, Value: value}
	if errors.Is(err, protocol.ErrMalformedInput) {
		resp.Warning = fmt.Sprintf("invalid threshold %q, default %.1f applied", req.Value, value)
	} else if err != nil {
		s.sendErrorResponse(w, http.StatusBadGateway, fmt.Sprintf("Failed to set threshold: %v", err),
			"operation", "set_threshold")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.respond(w, "update_params", s.service.UpdateParams(r.Context()))
}

func (s *Server) handleShowSettings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.respond(w, "show_settings", s.service.ShowSettings(r.Context()))
}

func (s *Server) respond(w http.ResponseWriter, operation string, err error) {
	if err != nil {
		s.sendErrorResponse(w, errorStatus(err), fmt.Sprintf("Command failed: %v", err), "operation", operation)
		return
	}
	writeJSON(w, http.StatusOK, GenericResponse{Success: true})
}

func (s *Server) generateStatusMessage(status service.Status) string {
	if status.LastError != "" {
		return status.LastError
	}
	if status.Recording == recording.StatusRecording && status.Session != nil {
		return fmt.Sprintf("Recording in progress - %s", status.Session.FilePath)
	}
	return ""
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, recording.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, channel.ErrDirectory), errors.Is(err, device.ErrConnection),
		errors.Is(err, device.ErrNotInitialized), errors.Is(err, device.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, GenericResponse{Success: false, Error: "Method not allowed"})
	return false
}

func decodeRequired(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, GenericResponse{Success: false, Error: fmt.Sprintf("Invalid request body: %v", err)})
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeRequired(w, r, v)
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
