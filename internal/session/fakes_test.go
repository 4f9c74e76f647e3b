package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/micsession/internal/audio"
)

type fakeStream struct {
	mu           sync.Mutex
	deviceID     string
	autoFinalize bool
	endOnStart   bool
	startErr     error
	stopErr      error
	data         []byte

	started     bool
	paused      bool
	stopped     bool
	released    int
	pauseCalls  int
	resumeCalls int
	onData      func(audio.Blob)
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	if s.startErr != nil {
		s.mu.Unlock()
		return s.startErr
	}
	s.started = true
	end := s.endOnStart
	s.mu.Unlock()

	// device vanished right after start
	if end {
		s.Finalize()
	}
	return nil
}

func (s *fakeStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.pauseCalls++
	return nil
}

func (s *fakeStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.resumeCalls++
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	auto := s.autoFinalize
	err := s.stopErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if auto {
		go s.Finalize()
	}
	return nil
}

func (s *fakeStream) OnDataAvailable(callback func(audio.Blob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = callback
}

func (s *fakeStream) ReleaseTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

// Finalize delivers the accumulated data like a real stream would
func (s *fakeStream) Finalize() {
	s.mu.Lock()
	callback := s.onData
	data := append([]byte(nil), s.data...)
	s.mu.Unlock()

	if callback != nil {
		callback(audio.Blob{Data: data, MIMEType: "audio/test"})
	}
}

type streamCalls struct {
	deviceID    string
	started     bool
	paused      bool
	stopped     bool
	released    int
	pauseCalls  int
	resumeCalls int
}

func (s *fakeStream) snapshot() streamCalls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return streamCalls{
		deviceID:    s.deviceID,
		started:     s.started,
		paused:      s.paused,
		stopped:     s.stopped,
		released:    s.released,
		pauseCalls:  s.pauseCalls,
		resumeCalls: s.resumeCalls,
	}
}

type fakeDevice struct {
	mu           sync.Mutex
	devices      []audio.Device
	enumErr      error
	openErr      error
	startErr     error
	autoFinalize bool
	endOnStart   bool

	enumCalls int
	streams   []*fakeStream
	hints     []audio.CaptureHints
}

func newFakeDevice(ids ...string) *fakeDevice {
	d := &fakeDevice{autoFinalize: true}
	for _, id := range ids {
		d.devices = append(d.devices, audio.Device{ID: id, Label: "Mic " + id})
	}
	return d
}

func (d *fakeDevice) EnumerateInputDevices(ctx context.Context) ([]audio.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumCalls++
	if d.enumErr != nil {
		return nil, d.enumErr
	}
	return append([]audio.Device(nil), d.devices...), nil
}

func (d *fakeDevice) OpenCaptureStream(ctx context.Context, deviceID string, hints audio.CaptureHints) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hints = append(d.hints, hints)
	if d.openErr != nil {
		return nil, d.openErr
	}
	s := &fakeStream{
		deviceID:     deviceID,
		autoFinalize: d.autoFinalize,
		endOnStart:   d.endOnStart,
		startErr:     d.startErr,
		data:         []byte("pcm-data"),
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) enumerations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enumCalls
}

func (d *fakeDevice) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hints)
}

func (d *fakeDevice) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.once.Do(func() { close(t.stopped) }) }

func (t *fakeTicker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// fakeClock hands out tickers that fire only when the test says so
type fakeClock struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

func (c *fakeClock) latest() *fakeTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

// TryTick delivers one tick to the newest ticker if its goroutine is listening
func (c *fakeClock) TryTick() bool {
	return c.tick(50 * time.Millisecond)
}

func (c *fakeClock) tick(timeout time.Duration) bool {
	t := c.latest()
	if t == nil {
		return false
	}
	select {
	case t.ch <- time.Now():
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *fakeClock) Tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if !c.tick(time.Second) {
			t.Fatalf("tick %d not delivered: no running ticker", i+1)
		}
	}
}

// failingStore rejects every operation
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(key string) (string, bool, error) { return "", false, errStoreDown }
func (failingStore) Set(key, value string) error          { return errStoreDown }
func (failingStore) Close() error                         { return nil }
