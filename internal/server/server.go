package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/micsession/internal/audio"
	"github.com/audiolibrelab/micsession/internal/service"
	"github.com/audiolibrelab/micsession/internal/session"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	eventBuffer = 16
)

// Server exposes the recording session over a local HTTP API
type Server struct {
	service    service.Service
	address    string
	upgrader   websocket.Upgrader
	httpServer *http.Server

	// hijacked event connections are not closed by http.Server.Shutdown
	mu       sync.Mutex
	stopping bool
	done     chan struct{}
	events   sync.WaitGroup
}

// StatusResponse represents the JSON response for state changing endpoints
type StatusResponse struct {
	Success bool           `json:"success"`
	Status  service.Status `json:"status"`
}

// DevicesResponse represents the JSON response for the devices endpoint
type DevicesResponse struct {
	Devices  []audio.Device `json:"devices"`
	Selected string         `json:"selected_device_id"`
}

// SelectDeviceRequest is the body of POST /api/device
type SelectDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

// NewServer creates a server bound to address
func NewServer(svc service.Service, address string) *Server {
	s := &Server{
		service: svc,
		address: address,
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/toggle", s.handleToggle)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/device", s.handleSelectDevice)
	mux.HandleFunc("/api/recording", s.handleRecording)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	slog.Info("Starting micsession web server",
		"address", s.address,
		"local_url", fmt.Sprintf("http://%s", localURLHost(s.address)))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes event subscribers and waits
// for active handlers
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Debug("Shutting down web server")

	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		close(s.done)
	}
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)

	drained := make(chan struct{})
	go func() {
		s.events.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("event subscribers still open: %w", ctx.Err()))
	}
	return err
}

// handleIndex serves the minimal control page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(indexHTML))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.sendStatus(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "start", func() error { return s.service.Start(r.Context()) })
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "stop", s.service.Stop)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "toggle", s.service.TogglePauseResume)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "pause", s.service.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.handleAction(w, r, "resume", s.service.Resume)
}

// handleAction runs a POST-only session operation and answers with the new status
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, name string, action func() error) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	slog.Debug("Action request received", "action", name)
	if err := action(); err != nil {
		s.sendErrorResponse(w, statusCodeFor(err), err.Error(), "action", name)
		return
	}
	s.sendStatus(w)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if err := s.service.RefreshDevices(r.Context()); err != nil {
			s.sendErrorResponse(w, statusCodeFor(err), err.Error(), "action", "refresh")
			return
		}
	}

	status := s.service.Status()
	sendJSON(w, http.StatusOK, DevicesResponse{
		Devices:  status.Devices,
		Selected: status.SelectedDeviceID,
	})
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SelectDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "error", err)
		return
	}

	if err := s.service.SelectDevice(req.DeviceID); err != nil {
		s.sendErrorResponse(w, statusCodeFor(err), err.Error(), "device_id", req.DeviceID)
		return
	}
	s.sendStatus(w)
}

// handleRecording streams the latest finalized recording
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rec, ok := s.service.LastRecording()
	if !ok {
		s.sendErrorResponse(w, http.StatusNotFound, "No recording available")
		return
	}

	w.Header().Set("Content-Type", rec.Blob.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(rec.Blob.Size()))
	w.Header().Set("X-Session-ID", rec.SessionID)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(rec.Blob.Data)
	}
}

// handleEvents pushes a status snapshot on every state change
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.events.Add(1)
	s.mu.Unlock()
	defer s.events.Done()

	updates := make(chan struct{}, 1)
	cancel := s.service.Subscribe(func(session.State) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer cancel()

	closed := make(chan struct{})
	go readPump(conn, closed)

	slog.Debug("Event subscriber connected", "remote", r.RemoteAddr)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := writeStatus(conn, s.service.Status()); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			slog.Debug("Event subscriber disconnected", "remote", r.RemoteAddr)
			return
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-updates:
			if err := writeStatus(conn, s.service.Status()); err != nil {
				slog.Debug("Event write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and closes done when the peer goes away
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeStatus(conn *websocket.Conn, status service.Status) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(status)
}

func (s *Server) sendStatus(w http.ResponseWriter) {
	sendJSON(w, http.StatusOK, StatusResponse{Success: true, Status: s.service.Status()})
}

// statusCodeFor maps session and capture errors onto HTTP status codes
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotIdle), errors.Is(err, session.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownDevice):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, audio.ErrEnumeration),
		errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// localURLHost replaces an empty listen host with the outbound interface address
func localURLHost(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil || host != "" {
		return address
	}
	return net.JoinHostPort(getLocalIP(), port)
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
