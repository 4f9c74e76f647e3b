//go:build !noportaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/audiolibrelab/micsession/internal/config"
)

const portAudioSupported = true

// PortAudioDevice implements Backend using PortAudio
type PortAudioDevice struct {
	sampleRate      int
	channels        int
	framesPerBuffer int
	monitor         io.Writer

	mu          sync.Mutex
	initialized bool
}

// NewPortAudioDevice initializes PortAudio and returns a capture device
func NewPortAudioDevice(cfg config.CaptureConfig, monitor io.Writer) (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	return &PortAudioDevice{
		sampleRate:      cfg.SampleRate,
		channels:        cfg.Channels,
		framesPerBuffer: cfg.FramesPerBuffer,
		monitor:         monitor,
		initialized:     true,
	}, nil
}

// GetType returns the backend type
func (d *PortAudioDevice) GetType() BackendType {
	return BackendTypePortAudio
}

// EnumerateInputDevices lists devices with at least one input channel
func (d *PortAudioDevice) EnumerateInputDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewCaptureError(KindEnumeration, "", err)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, NewCaptureError(KindEnumeration, "", err)
	}

	result := make([]Device, 0, len(devices))
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			result = append(result, Device{ID: portAudioDeviceID(dev), Label: dev.Name})
		}
	}

	return result, nil
}

// OpenCaptureStream opens an input stream on the given device
func (d *PortAudioDevice) OpenCaptureStream(ctx context.Context, deviceID string, hints CaptureHints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := d.resolveDevice(deviceID)
	if err != nil {
		return nil, err
	}

	if device.MaxInputChannels <= 0 {
		return nil, NewCaptureError(KindDeviceUnavailable, deviceID,
			fmt.Errorf("device '%s' has no input channels", device.Name))
	}

	if hints.NoiseSuppression || hints.EchoCancellation {
		slog.Debug("PortAudio ignores capture hints", "noise_suppression", hints.NoiseSuppression, "echo_cancellation", hints.EchoCancellation)
	}

	channels := d.channels
	if channels > device.MaxInputChannels {
		channels = device.MaxInputChannels
	}

	s := &portAudioStream{
		deviceID:   deviceID,
		sampleRate: d.sampleRate,
		channels:   channels,
		monitor:    d.monitor,
		buffer:     make([]int16, 0, d.sampleRate*channels),
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultHighInputLatency,
		},
		SampleRate:      float64(d.sampleRate),
		FramesPerBuffer: d.framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, s.process)
	if err != nil {
		return nil, classifyPortAudioError(deviceID, err)
	}
	s.stream = stream

	slog.Debug("PortAudio stream opened", "device", device.Name, "channels", channels, "sample_rate", d.sampleRate)
	return s, nil
}

// resolveDevice maps a device id to PortAudio device info
func (d *PortAudioDevice) resolveDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" || deviceID == DefaultDeviceID {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, classifyPortAudioError(deviceID, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, classifyPortAudioError(deviceID, err)
	}

	for _, dev := range devices {
		if portAudioDeviceID(dev) == deviceID {
			return dev, nil
		}
	}

	return nil, NewCaptureError(KindDeviceUnavailable, deviceID, errors.New("device not found"))
}

// Close terminates PortAudio
func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}
	d.initialized = false

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// portAudioDeviceID builds an id stable across runs for the same physical device
func portAudioDeviceID(dev *portaudio.DeviceInfo) string {
	if dev.HostApi == nil {
		return dev.Name
	}
	return dev.HostApi.Name + "/" + dev.Name
}

// classifyPortAudioError maps PortAudio error codes onto capture error kinds.
// Host APIs report refused microphone access as an unanticipated host error.
func classifyPortAudioError(deviceID string, err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) && paErr == portaudio.UnanticipatedHostError {
		return NewCaptureError(KindPermissionDenied, deviceID, err)
	}
	return NewCaptureError(KindDeviceUnavailable, deviceID, err)
}

// portAudioStream implements Stream on top of a callback-driven PortAudio stream
type portAudioStream struct {
	deviceID   string
	sampleRate int
	channels   int
	monitor    io.Writer
	stream     *portaudio.Stream

	mu       sync.Mutex
	buffer   []int16
	started  bool
	paused   bool
	stopped  bool
	released bool
	onData   func(Blob)
}

// process is called by PortAudio when audio data is available
func (s *portAudioStream) process(in []int16) {
	s.mu.Lock()
	if !s.started || s.paused || s.stopped {
		s.mu.Unlock()
		return
	}
	s.buffer = append(s.buffer, in...)
	monitor := s.monitor
	s.mu.Unlock()

	if monitor != nil {
		if _, err := monitor.Write(pcm16LE(in)); err != nil {
			slog.Debug("Monitor write failed", "error", err)
		}
	}
}

func (s *portAudioStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("stream already started")
	}
	if err := s.stream.Start(); err != nil {
		return classifyPortAudioError(s.deviceID, err)
	}
	s.started = true
	return nil
}

func (s *portAudioStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *portAudioStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

// Stop halts the device and finalizes the blob asynchronously
func (s *portAudioStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	var err error
	if started {
		err = s.stream.Stop()
	}

	go s.finalize()

	if err != nil {
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) finalize() {
	s.mu.Lock()
	data := pcm16LE(s.buffer)
	s.buffer = nil
	callback := s.onData
	s.mu.Unlock()

	if callback != nil {
		callback(Blob{Data: data, MIMEType: pcmMIMEType(s.sampleRate, s.channels)})
	}
}

func (s *portAudioStream) OnDataAvailable(callback func(Blob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = callback
}

// ReleaseTracks closes the underlying stream, idempotent
func (s *portAudioStream) ReleaseTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true

	if err := s.stream.Close(); err != nil {
		slog.Warn("Failed to close PortAudio stream", "device", s.deviceID, "error", err)
	}
}
