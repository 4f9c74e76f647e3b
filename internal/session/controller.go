// Package session drives a single microphone recording session: permission
// caching, device selection, the capture stream lifecycle and the elapsed timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/micsession/internal/audio"
	"github.com/audiolibrelab/micsession/internal/store"
)

// Option configures a Controller
type Option func(*Controller)

// WithHints overrides the capture hints passed when opening a stream
func WithHints(hints audio.CaptureHints) Option {
	return func(c *Controller) { c.hints = hints }
}

// WithTicker replaces the one-second ticker driving the elapsed counter
func WithTicker(newTicker TickerFunc) Option {
	return func(c *Controller) { c.newTicker = newTicker }
}

// WithClock replaces time.Now for recording timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns one recording session at a time.
//
// Operations are serialized. Ticks and stream finalization arrive on their own
// goroutines and only touch the fields guarded by mu.
type Controller struct {
	capture   audio.CaptureDevice
	store     store.Store
	hints     audio.CaptureHints
	newTicker TickerFunc
	now       func() time.Time
	timer     *Timer

	opMu sync.Mutex

	mu               sync.Mutex
	closed           bool
	status           Status
	elapsed          int
	timerGen         uint64
	permission       Permission
	permissionDenied bool
	lastCondition    Condition
	selected         string
	devices          []audio.Device
	stream           audio.Stream
	starting         bool
	finalized        chan struct{}
	sessionID        string
	sessionDevice    string
	startedAt        time.Time
	recording        *Take

	subMu       sync.Mutex
	subscribers map[int]func(State)
	nextSub     int
}

// New creates an idle controller. Call Initialize before use.
func New(capture audio.CaptureDevice, st store.Store, opts ...Option) *Controller {
	c := &Controller{
		capture:     capture,
		store:       st,
		hints:       audio.CaptureHints{NoiseSuppression: true, EchoCancellation: true},
		newTicker:   NewRealTicker,
		now:         time.Now,
		selected:    audio.DefaultDeviceID,
		subscribers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timer = NewTimer(time.Second, c.newTicker)
	return c
}

// Initialize restores the cached permission. A previously granted permission
// triggers device enumeration; otherwise no capture API is touched.
func (c *Controller) Initialize(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	value, ok, err := c.store.Get(KeyPermission)
	if err != nil {
		slog.Warn("Failed to read cached permission", "error", err)
		ok = false
	}

	switch {
	case ok && value == permissionYes:
		slog.Debug("Cached permission granted, enumerating devices")
		return c.grantPermission(ctx)
	case ok && value == permissionNo:
		c.mu.Lock()
		c.permission = PermissionDenied
		c.mu.Unlock()
		c.notify()
	}

	return nil
}

// RefreshDevices re-enumerates input devices. It is a no-op unless
// permission has been granted.
func (c *Controller) RefreshDevices(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	granted := c.permission == PermissionGranted
	c.mu.Unlock()

	if !granted {
		return nil
	}
	return c.refreshDevices(ctx)
}

// Start opens a capture stream on the selected device and begins recording.
// If the previous session is still finalizing, Start waits for it.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != Idle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	pending := c.finalized
	c.mu.Unlock()

	if pending != nil {
		slog.Debug("Waiting for previous recording to finalize")
		select {
		case <-pending:
		case <-ctx.Done():
			return fmt.Errorf("previous recording still finalizing: %w", ctx.Err())
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	deviceID := c.selected
	hints := c.hints
	c.mu.Unlock()

	slog.Info("Opening capture stream", "device", deviceID,
		"noise_suppression", hints.NoiseSuppression, "echo_cancellation", hints.EchoCancellation)

	stream, err := c.capture.OpenCaptureStream(ctx, deviceID, hints)
	if err != nil {
		c.captureFailed(err, deviceID)
		return fmt.Errorf("failed to start recording: %w", err)
	}

	stream.OnDataAvailable(func(blob audio.Blob) {
		c.onDataAvailable(stream, blob)
	})

	c.mu.Lock()
	c.stream = stream
	c.starting = true
	c.finalized = make(chan struct{})
	c.mu.Unlock()

	if err := stream.Start(); err != nil {
		c.mu.Lock()
		c.starting = false
		c.releaseStreamLocked(stream)
		c.mu.Unlock()
		c.captureFailed(err, deviceID)
		return fmt.Errorf("failed to start recording: %w", err)
	}

	c.mu.Lock()
	c.starting = false
	if c.stream != stream {
		c.mu.Unlock()
		err := audio.NewCaptureError(audio.KindDeviceUnavailable, deviceID, errors.New("capture stream ended during start"))
		c.captureFailed(err, deviceID)
		return fmt.Errorf("failed to start recording: %w", err)
	}
	c.sessionID = uuid.NewString()
	c.sessionDevice = deviceID
	c.startedAt = c.now()
	c.status = Recording
	c.elapsed = 0
	c.permissionDenied = false
	c.lastCondition = ConditionNone
	c.startTimerLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	slog.Info("Recording started", "session", sessionID, "device", deviceID)
	c.notify()

	return c.grantPermission(ctx)
}

// Stop ends the active session. The recording is finalized asynchronously;
// use WaitFinalized to block until it is available. Stop on an idle
// controller does nothing.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == Idle {
		c.mu.Unlock()
		return nil
	}

	stream := c.stream
	sessionID := c.sessionID
	elapsed := c.elapsed
	c.stopTimerLocked()
	c.elapsed = 0
	c.status = Idle
	c.mu.Unlock()

	slog.Info("Stopping recording", "session", sessionID, "elapsed_seconds", elapsed)

	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Warn("Capture stream did not stop cleanly, discarding data", "session", sessionID, "error", err)
			c.mu.Lock()
			c.releaseStreamLocked(stream)
			c.mu.Unlock()
		}
	}

	c.notify()
	return nil
}

// Pause suspends capture and freezes the elapsed counter
func (c *Controller) Pause() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.pause()
}

// Resume continues a paused session
func (c *Controller) Resume() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.resume()
}

// TogglePauseResume pauses a recording session or resumes a paused one
func (c *Controller) TogglePauseResume() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()

	if status == Paused {
		return c.resume()
	}
	return c.pause()
}

func (c *Controller) pause() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.status {
	case Idle:
		c.mu.Unlock()
		return ErrNotActive
	case Paused:
		c.mu.Unlock()
		return nil
	}

	if c.stream == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	if err := c.stream.Pause(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to pause recording: %w", err)
	}
	c.stopTimerLocked()
	c.status = Paused
	c.mu.Unlock()

	slog.Debug("Recording paused")
	c.notify()
	return nil
}

func (c *Controller) resume() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.status {
	case Idle:
		c.mu.Unlock()
		return ErrNotActive
	case Recording:
		c.mu.Unlock()
		return nil
	}

	if c.stream == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	if err := c.stream.Resume(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to resume recording: %w", err)
	}
	c.status = Recording
	c.startTimerLocked()
	c.mu.Unlock()

	slog.Debug("Recording resumed")
	c.notify()
	return nil
}

// SelectDevice changes and persists the selected input device. An active
// session keeps its device; the selection applies to the next Start.
func (c *Controller) SelectDevice(id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if id == "" || (id != audio.DefaultDeviceID && !containsDevice(c.devices, id)) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	c.selected = id
	active := c.status != Idle
	c.mu.Unlock()

	if err := c.store.Set(KeyDeviceID, id); err != nil {
		slog.Warn("Failed to persist device selection", "device", id, "error", err)
	}

	if active {
		slog.Info("Device selection applies to the next recording", "device", id)
	} else {
		slog.Debug("Device selected", "device", id)
	}

	c.notify()
	return nil
}

// State returns a snapshot of the controller
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LastRecording returns the most recently finalized recording
func (c *Controller) LastRecording() (*Take, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording == nil {
		return nil, false
	}
	rec := *c.recording
	return &rec, true
}

// WaitFinalized blocks until no stream is pending finalization
func (c *Controller) WaitFinalized(ctx context.Context) error {
	c.mu.Lock()
	pending := c.finalized
	c.mu.Unlock()

	if pending == nil {
		return nil
	}

	select {
	case <-pending:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the goroutine that made the change and must not block.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers, id)
	}
}

// Close stops any active session, releases the stream and halts the timer.
// The capture device and store are owned by the caller.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	active := c.status != Idle
	c.stopTimerLocked()
	c.status = Idle
	c.elapsed = 0
	c.stream = nil
	finalized := c.finalized
	c.finalized = nil
	c.mu.Unlock()

	if stream != nil {
		if active {
			if err := stream.Stop(); err != nil {
				slog.Debug("Capture stream stop on close failed", "error", err)
			}
		}
		stream.ReleaseTracks()
	}
	if finalized != nil {
		close(finalized)
	}

	c.timer.Wait()

	c.subMu.Lock()
	c.subscribers = make(map[int]func(State))
	c.subMu.Unlock()

	slog.Debug("Session controller closed")
	return nil
}

// onDataAvailable stores the finalized blob, releases the tracks and marks
// the stream finalized. A blob arriving while the session is still live
// means the track ended on its own, which ends the session. A stream that
// ends before Start committed its session produces no recording.
func (c *Controller) onDataAvailable(stream audio.Stream, blob audio.Blob) {
	c.mu.Lock()
	if c.stream != stream {
		c.mu.Unlock()
		stream.ReleaseTracks()
		return
	}
	if c.starting {
		c.releaseStreamLocked(stream)
		c.mu.Unlock()
		slog.Warn("Capture stream ended before recording started", "bytes", blob.Size())
		return
	}

	c.recording = &Take{
		SessionID:  c.sessionID,
		DeviceID:   c.sessionDevice,
		StartedAt:  c.startedAt,
		FinishedAt: c.now(),
		Bytes:      blob.Size(),
		Blob:       blob,
	}

	ended := c.status != Idle
	if ended {
		c.stopTimerLocked()
		c.elapsed = 0
		c.status = Idle
	}
	sessionID := c.sessionID
	c.releaseStreamLocked(stream)
	c.mu.Unlock()

	if ended {
		slog.Warn("Capture stream ended unexpectedly", "session", sessionID)
	}
	slog.Info("Recording finalized", "session", sessionID, "bytes", blob.Size(), "mime_type", blob.MIMEType)
	c.notify()
}

// releaseStreamLocked releases the tracks of stream, clears the handle and
// unblocks anyone waiting for finalization
func (c *Controller) releaseStreamLocked(stream audio.Stream) {
	stream.ReleaseTracks()
	if c.stream == stream {
		c.stream = nil
	}
	if c.finalized != nil {
		close(c.finalized)
		c.finalized = nil
	}
}

// captureFailed records a failed attempt to open or start a stream
func (c *Controller) captureFailed(err error, deviceID string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	kind := audio.KindOf(err)
	condition := ConditionCaptureFailed
	if kind == audio.KindPermissionDenied {
		condition = ConditionNotAllowed
	}

	slog.Error("Failed to start capture", "device", deviceID, "kind", kind.String(), "error", err)

	c.mu.Lock()
	c.permission = PermissionDenied
	c.permissionDenied = true
	c.lastCondition = condition
	c.mu.Unlock()

	c.persistPermission(PermissionDenied)
	c.notify()
}

// grantPermission persists the grant and refreshes the device list on a
// transition into Granted
func (c *Controller) grantPermission(ctx context.Context) error {
	c.mu.Lock()
	prev := c.permission
	c.permission = PermissionGranted
	c.mu.Unlock()

	c.persistPermission(PermissionGranted)

	if prev == PermissionGranted {
		return nil
	}

	c.notify()
	if err := c.refreshDevices(ctx); err != nil {
		slog.Warn("Device enumeration after permission grant failed", "error", err)
	}
	return nil
}

func (c *Controller) refreshDevices(ctx context.Context) error {
	devices, err := c.capture.EnumerateInputDevices(ctx)
	if err != nil {
		slog.Warn("Failed to enumerate input devices", "error", err)
		c.mu.Lock()
		c.permission = PermissionDenied
		c.mu.Unlock()
		c.persistPermission(PermissionDenied)
		c.notify()
		return fmt.Errorf("failed to enumerate input devices: %w", err)
	}

	persisted, ok, err := c.store.Get(KeyDeviceID)
	if err != nil {
		slog.Warn("Failed to read persisted device", "error", err)
		ok = false
	}
	selected := restoreSelection(devices, persisted, ok)

	c.mu.Lock()
	c.devices = append([]audio.Device(nil), devices...)
	c.selected = selected
	c.mu.Unlock()

	slog.Debug("Input devices refreshed", "count", len(devices), "selected", selected)
	c.notify()
	return nil
}

func (c *Controller) persistPermission(p Permission) {
	value := permissionNo
	if p == PermissionGranted {
		value = permissionYes
	}
	if err := c.store.Set(KeyPermission, value); err != nil {
		slog.Warn("Failed to persist permission", "value", value, "error", err)
	}
}

func (c *Controller) startTimerLocked() {
	c.timerGen++
	gen := c.timerGen
	c.timer.Start(func() { c.tick(gen) })
}

func (c *Controller) stopTimerLocked() {
	c.timerGen++
	c.timer.Stop()
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.status != Recording {
		c.mu.Unlock()
		return
	}
	c.elapsed++
	c.mu.Unlock()

	c.notify()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) snapshotLocked() State {
	st := State{
		Status:           c.status,
		IsRecording:      c.status != Idle,
		IsPaused:         c.status == Paused,
		ElapsedSeconds:   c.elapsed,
		Permission:       c.permission,
		PermissionDenied: c.permissionDenied,
		LastError:        c.lastCondition,
		SelectedDeviceID: c.selected,
		Devices:          append([]audio.Device{}, c.devices...),
		Finalizing:       c.finalized != nil,
	}
	if c.status != Idle {
		st.SessionID = c.sessionID
	}
	if c.recording != nil {
		rec := *c.recording
		st.LastRecording = &rec
	}
	return st
}

func (c *Controller) notify() {
	c.mu.Lock()
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.subMu.Lock()
	fns := make([]func(State), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
