package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/audiolibrelab/micsession/internal/audio"
)

// Status is the session status. Stopped is transient and never observed:
// a stopped session is Idle as soon as Stop returns.
type Status int

const (
	Idle Status = iota
	Recording
	Paused
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Recording:
		return "RECORDING"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, candidate := range []Status{Idle, Recording, Paused} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session status: %q", text)
}

// Permission is the cached microphone permission
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

// String returns the string representation of the permission
func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "GRANTED"
	case PermissionDenied:
		return "DENIED"
	default:
		return "UNKNOWN"
	}
}

func (p Permission) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Permission) UnmarshalText(text []byte) error {
	for _, candidate := range []Permission{PermissionUnknown, PermissionGranted, PermissionDenied} {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown permission: %q", text)
}

// Condition tells the UI why the last start attempt failed
type Condition string

const (
	ConditionNone          Condition = ""
	ConditionNotAllowed    Condition = "NotAllowed"
	ConditionCaptureFailed Condition = "CaptureFailed"
)

// Store keys and values shared with earlier installs
const (
	KeyPermission = "audioPermission"
	KeyDeviceID   = "deviceId"

	permissionYes = "YES"
	permissionNo  = "NO"
)

var (
	ErrNotIdle       = errors.New("recording already in progress")
	ErrNotActive     = errors.New("no recording in progress")
	ErrUnknownDevice = errors.New("unknown audio input device")
	ErrClosed        = errors.New("controller is closed")
)

// Take is the finalized output of one session
type Take struct {
	SessionID  string     `json:"session_id"`
	DeviceID   string     `json:"device_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Bytes      int        `json:"bytes"`
	Blob       audio.Blob `json:"blob"`
}

// State is an immutable snapshot of the controller
type State struct {
	Status           Status         `json:"status"`
	IsRecording      bool           `json:"is_recording"`
	IsPaused         bool           `json:"is_paused"`
	ElapsedSeconds   int            `json:"elapsed_seconds"`
	Permission       Permission     `json:"permission"`
	PermissionDenied bool           `json:"permission_denied"`
	LastError        Condition      `json:"last_error,omitempty"`
	SelectedDeviceID string         `json:"selected_device_id"`
	Devices          []audio.Device `json:"devices"`
	SessionID        string         `json:"session_id,omitempty"`
	Finalizing       bool           `json:"finalizing"`
	LastRecording    *Take          `json:"last_recording,omitempty"`
}

// restoreSelection keeps the persisted device if it is still present,
// otherwise falls back to the first device or the sentinel
func restoreSelection(devices []audio.Device, persisted string, ok bool) string {
	if ok && persisted != "" && containsDevice(devices, persisted) {
		return persisted
	}
	if len(devices) > 0 && devices[0].ID != "" {
		return devices[0].ID
	}
	return audio.DefaultDeviceID
}

func containsDevice(devices []audio.Device, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
