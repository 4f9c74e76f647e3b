package audio

import (
	"context"
	"errors"
	"fmt"
)

// DefaultDeviceID lets the platform choose the input device
const DefaultDeviceID = "default"

// Device is an audio input device as reported by a capture backend
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CaptureHints are processing hints passed when opening a stream.
// Backends that cannot honor a hint ignore it.
type CaptureHints struct {
	NoiseSuppression bool `json:"noise_suppression"`
	EchoCancellation bool `json:"echo_cancellation"`
}

// Blob is the finalized output of a capture stream
type Blob struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// Size returns the payload length in bytes
func (b Blob) Size() int {
	return len(b.Data)
}

// Stream is a live microphone capture handle.
//
// Stop finalizes the stream asynchronously: the callback registered with
// OnDataAvailable fires once with the accumulated blob, either after Stop or
// when the underlying track ends on its own.
type Stream interface {
	Start() error
	Pause() error
	Resume() error
	Stop() error
	OnDataAvailable(callback func(Blob))
	ReleaseTracks()
}

// CaptureDevice enumerates input devices and opens capture streams
type CaptureDevice interface {
	EnumerateInputDevices(ctx context.Context) ([]Device, error)
	OpenCaptureStream(ctx context.Context, deviceID string, hints CaptureHints) (Stream, error)
}

// ErrorKind classifies capture failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindDeviceUnavailable
	KindEnumeration
)

// String returns the string representation of the kind
func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindDeviceUnavailable:
		return "DeviceUnavailable"
	case KindEnumeration:
		return "EnumerationFailure"
	default:
		return "Unknown"
	}
}

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrEnumeration       = errors.New("audio device enumeration failed")
)

// CaptureError carries a structured failure kind across the capability boundary
type CaptureError struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

// NewCaptureError wraps err with a failure kind
func NewCaptureError(kind ErrorKind, deviceID string, err error) *CaptureError {
	return &CaptureError{Kind: kind, DeviceID: deviceID, Err: err}
}

func (e *CaptureError) Error() string {
	msg := e.Kind.String()
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s (device %s)", msg, e.DeviceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels so callers can use errors.Is
func (e *CaptureError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return e.Kind == KindPermissionDenied
	case ErrDeviceUnavailable:
		return e.Kind == KindDeviceUnavailable
	case ErrEnumeration:
		return e.Kind == KindEnumeration
	}
	return false
}

// KindOf extracts the failure kind of err, KindUnknown if it carries none
func KindOf(err error) ErrorKind {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, ErrEnumeration):
		return KindEnumeration
	}
	return KindUnknown
}

// pcm16LE converts int16 samples to little-endian bytes
func pcm16LE(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data
}

// pcmMIMEType describes raw signed 16-bit little-endian PCM
func pcmMIMEType(sampleRate, channels int) string {
	return fmt.Sprintf("audio/pcm;format=s16le;rate=%d;channels=%d", sampleRate, channels)
}
