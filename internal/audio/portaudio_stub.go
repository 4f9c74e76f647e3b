//go:build noportaudio

package audio

// Built with -tags noportaudio: no cgo PortAudio dependency, PipeWire only.

import (
	"context"
	"errors"
	"io"

	"github.com/audiolibrelab/micsession/internal/config"
)

const portAudioSupported = false

// ErrPortAudioUnavailable is returned when the binary was built without PortAudio
var ErrPortAudioUnavailable = errors.New("built without PortAudio support (noportaudio tag)")

// PortAudioDevice is a placeholder for builds without PortAudio
type PortAudioDevice struct{}

// NewPortAudioDevice always fails in builds without PortAudio
func NewPortAudioDevice(cfg config.CaptureConfig, monitor io.Writer) (*PortAudioDevice, error) {
	return nil, ErrPortAudioUnavailable
}

func (d *PortAudioDevice) GetType() BackendType {
	return BackendTypePortAudio
}

func (d *PortAudioDevice) EnumerateInputDevices(ctx context.Context) ([]Device, error) {
	return nil, NewCaptureError(KindEnumeration, "", ErrPortAudioUnavailable)
}

func (d *PortAudioDevice) OpenCaptureStream(ctx context.Context, deviceID string, hints CaptureHints) (Stream, error) {
	return nil, NewCaptureError(KindDeviceUnavailable, deviceID, ErrPortAudioUnavailable)
}

func (d *PortAudioDevice) Close() error {
	return nil
}
