package audio

import (
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/micsession/internal/config"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypePipeWire  BackendType = "pipewire"
	BackendTypeAuto      BackendType = "auto"
)

// Backend is a capture device owning process-wide audio resources
type Backend interface {
	CaptureDevice

	// Get the backend type
	GetType() BackendType

	// Cleanup
	Close() error
}

// lookPath is swapped in tests
var lookPath = exec.LookPath

// NewBackend creates a capture backend based on configuration.
// monitor, when non-nil, receives live PCM while a stream records.
func NewBackend(cfg *config.Config, monitor io.Writer) (Backend, error) {
	switch determineBackend(cfg) {
	case BackendTypePipeWire:
		return NewPipeWireDevice(cfg.Capture, monitor), nil
	default:
		dev, err := NewPortAudioDevice(cfg.Capture, monitor)
		if err != nil {
			return nil, fmt.Errorf("failed to create PortAudio backend: %w", err)
		}
		return dev, nil
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Capture.Backend) {
	case "pipewire":
		return BackendTypePipeWire
	case "portaudio":
		return BackendTypePortAudio
	}

	// auto: prefer PipeWire when its tools are installed
	if _, err := lookPath("pw-record"); err == nil {
		if _, err := lookPath("pw-link"); err == nil {
			return BackendTypePipeWire
		}
	}
	if !portAudioSupported {
		return BackendTypePipeWire
	}
	return BackendTypePortAudio
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	var backends []BackendType
	if portAudioSupported {
		backends = append(backends, BackendTypePortAudio)
	}

	if _, err := lookPath("pw-record"); err == nil {
		backends = append(backends, BackendTypePipeWire)
	}

	return backends
}
