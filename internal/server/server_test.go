package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/micsession/internal/audio"
	"github.com/audiolibrelab/micsession/internal/config"
	"github.com/audiolibrelab/micsession/internal/service"
	"github.com/audiolibrelab/micsession/internal/session"
	"github.com/audiolibrelab/micsession/internal/store"
)

type testStream struct {
	mu     sync.Mutex
	onData func(audio.Blob)
}

func (s *testStream) Start() error   { return nil }
func (s *testStream) Pause() error   { return nil }
func (s *testStream) Resume() error  { return nil }
func (s *testStream) ReleaseTracks() {}

func (s *testStream) Stop() error {
	s.mu.Lock()
	cb := s.onData
	s.mu.Unlock()
	go cb(audio.Blob{Data: []byte("RIFFDATA"), MIMEType: "audio/pcm;format=s16le;rate=48000;channels=1"})
	return nil
}

func (s *testStream) OnDataAvailable(cb func(audio.Blob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = cb
}

type testCapture struct {
	mu      sync.Mutex
	openErr error
}

func (c *testCapture) EnumerateInputDevices(ctx context.Context) ([]audio.Device, error) {
	return []audio.Device{{ID: "mic-1", Label: "Built-in"}, {ID: "mic-2", Label: "USB"}}, nil
}

func (c *testCapture) OpenCaptureStream(ctx context.Context, deviceID string, hints audio.CaptureHints) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &testStream{}, nil
}

func newTestServer(t *testing.T, capture *testCapture) (*httptest.Server, *service.MicSessionService) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()

	svc := service.NewWithDeps(cfg, capture, store.NewMemoryStore())
	srv := NewServer(svc, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return ts, svc
}

func post(t *testing.T, url string, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func decodeStatus(t *testing.T, resp *http.Response) StatusResponse {
	t.Helper()
	defer resp.Body.Close()
	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &testCapture{})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeStatus(t, resp)
	assert.True(t, status.Success)
	assert.Equal(t, session.Idle, status.Status.Status)
	assert.Equal(t, audio.DefaultDeviceID, status.Status.SelectedDeviceID)
}

func TestSessionLifecycle(t *testing.T) {
	ts, svc := newTestServer(t, &testCapture{})

	resp, body := post(t, ts.URL+"/api/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	status := body["status"].(map[string]interface{})
	assert.Equal(t, "RECORDING", status["status"])
	assert.Equal(t, "GRANTED", status["permission"])

	resp, _ = post(t, ts.URL+"/api/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = post(t, ts.URL+"/api/toggle", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAUSED", body["status"].(map[string]interface{})["status"])

	resp, _ = post(t, ts.URL+"/api/resume", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = post(t, ts.URL+"/api/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = body["status"].(map[string]interface{})
	assert.Equal(t, "IDLE", status["status"])
	assert.Equal(t, float64(0), status["elapsed_seconds"])

	require.NoError(t, svc.Controller().WaitFinalized(context.Background()))

	resp, err := http.Get(ts.URL + "/api/recording")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/pcm;format=s16le;rate=48000;channels=1", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Session-ID"))

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Equal(t, "RIFFDATA", buf.String())
}

func TestIdleTransitionsConflict(t *testing.T) {
	ts, _ := newTestServer(t, &testCapture{})

	for _, path := range []string{"/api/toggle", "/api/pause", "/api/resume"} {
		resp, body := post(t, ts.URL+path, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode, path)
		assert.Equal(t, false, body["success"], path)
	}

	// Stop in Idle is a no-op
	resp, _ := post(t, ts.URL+"/api/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartPermissionDenied(t *testing.T) {
	capture := &testCapture{openErr: audio.NewCaptureError(audio.KindPermissionDenied, "", errors.New("denied"))}
	ts, _ := newTestServer(t, capture)

	resp, body := post(t, ts.URL+"/api/start", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body["error"], "PermissionDenied")

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	status := decodeStatus(t, resp)
	assert.True(t, status.Status.PermissionDenied)
	assert.Equal(t, session.ConditionNotAllowed, status.Status.LastError)
	assert.NotEmpty(t, status.Status.ErrorMessage)
}

func TestDeviceEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, &testCapture{})

	resp, _ := post(t, ts.URL+"/api/device", `{"device_id": "mic-2"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown before enumeration")

	resp, _ = post(t, ts.URL+"/api/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = post(t, ts.URL+"/api/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := post(t, ts.URL+"/api/device", `{"device_id": "mic-2"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "mic-2", body["status"].(map[string]interface{})["selected_device_id"])

	resp, _ = post(t, ts.URL+"/api/device", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/devices?refresh=true")
	require.NoError(t, err)
	defer getResp.Body.Close()
	var devices DevicesResponse
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&devices))
	assert.Len(t, devices.Devices, 2)
	assert.Equal(t, "mic-2", devices.Selected)
}

func TestRecordingNotFound(t *testing.T) {
	ts, _ := newTestServer(t, &testCapture{})

	resp, err := http.Get(ts.URL + "/api/recording")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &testCapture{})

	resp, err := http.Get(ts.URL + "/api/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestIndex(t *testing.T) {
	ts, _ := newTestServer(t, &testCapture{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	missing, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEventsStream(t *testing.T) {
	ts, svc := newTestServer(t, &testCapture{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial service.Status
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, session.Idle, initial.Status)

	require.NoError(t, svc.Start(context.Background()))

	for {
		var update service.Status
		require.NoError(t, conn.ReadJSON(&update), "expected a recording update")
		if update.Status == session.Recording {
			break
		}
	}
}

func TestShutdownClosesEventSubscribers(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	svc := service.NewWithDeps(cfg, &testCapture{}, store.NewMemoryStore())
	defer svc.Close()

	srv := NewServer(svc, "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial service.Status
	require.NoError(t, conn.ReadJSON(&initial))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	// late subscribers are turned away
	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		late.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = late.ReadMessage()
		late.Close()
	}
	assert.Error(t, err)
}

func TestStatusCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{audio.NewCaptureError(audio.KindPermissionDenied, "", nil), http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", session.ErrNotIdle), http.StatusConflict},
		{session.ErrNotActive, http.StatusConflict},
		{fmt.Errorf("%w: %q", session.ErrUnknownDevice, "x"), http.StatusBadRequest},
		{audio.NewCaptureError(audio.KindDeviceUnavailable, "mic", nil), http.StatusServiceUnavailable},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, statusCodeFor(tt.err), tt.err.Error())
	}
}
