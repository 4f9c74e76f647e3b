package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/audiolibrelab/micsession/internal/audio"
	"github.com/audiolibrelab/micsession/internal/config"
	"github.com/audiolibrelab/micsession/internal/session"
	"github.com/audiolibrelab/micsession/internal/store"
)

// ErrNoRecording is returned when no session has been finalized yet
var ErrNoRecording = errors.New("no finalized recording available")

// Service represents the core micsession service interface
type Service interface {
	// Session operations
	Start(ctx context.Context) error
	Stop() error
	TogglePauseResume() error
	Pause() error
	Resume() error

	// Device operations
	SelectDevice(id string) error
	RefreshDevices(ctx context.Context) error
	Devices() []audio.Device

	// Recording output
	LastRecording() (*session.Take, bool)
	SaveRecording(ctx context.Context, name string) (string, error)
	RecordingPath(name string) string

	// Information operations
	Status() Status
	Subscribe(fn func(session.State)) (cancel func())
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// Status is the session state plus service level details
type Status struct {
	session.State
	Backend      string `json:"backend"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// MicSessionService is the main service implementation
type MicSessionService struct {
	cfg        *config.Config
	capture    audio.CaptureDevice
	store      store.Store
	controller *session.Controller
	closers    []io.Closer

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex

	closeOnce sync.Once
}

// New opens the store and capture backend from cfg and restores the cached
// session state. monitor, when non-nil, receives live audio and is closed
// with the service.
func New(ctx context.Context, cfg *config.Config, monitor io.WriteCloser) (*MicSessionService, error) {
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	backend, err := audio.NewBackend(cfg, monitor)
	if err != nil {
		st.Close()
		return nil, err
	}
	slog.Debug("Capture backend selected", "backend", backend.GetType())

	closers := []io.Closer{backend}
	if monitor != nil {
		closers = append(closers, monitor)
	}

	s := NewWithDeps(cfg, backend, st, closers...)
	if err := s.controller.Initialize(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	return s, nil
}

// NewWithDeps builds a service around an existing capture device and store.
// A nil store keeps state in memory. The store and extra closers are closed
// by Close, in that order.
func NewWithDeps(cfg *config.Config, capture audio.CaptureDevice, st store.Store, closers ...io.Closer) *MicSessionService {
	if st == nil {
		st = store.NewMemoryStore()
	}

	hints := audio.CaptureHints{
		NoiseSuppression: cfg.Capture.NoiseSuppression,
		EchoCancellation: cfg.Capture.EchoCancellation,
	}

	return &MicSessionService{
		cfg:        cfg,
		capture:    capture,
		store:      st,
		controller: session.New(capture, st, session.WithHints(hints)),
		closers:    closers,
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	if cfg.InMemory {
		return store.OpenBadger("")
	}
	return store.OpenBadger(cfg.Directory)
}

// Controller exposes the underlying session controller
func (s *MicSessionService) Controller() *session.Controller {
	return s.controller
}

// Start begins a new recording session
func (s *MicSessionService) Start(ctx context.Context) error {
	slog.Debug("Service.Start called")
	s.clearLastError()
	if err := s.controller.Start(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	return nil
}

// Stop ends the current recording session
func (s *MicSessionService) Stop() error {
	if err := s.controller.Stop(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	s.clearLastError()
	return nil
}

func (s *MicSessionService) TogglePauseResume() error {
	return s.controller.TogglePauseResume()
}

func (s *MicSessionService) Pause() error {
	return s.controller.Pause()
}

func (s *MicSessionService) Resume() error {
	return s.controller.Resume()
}

// SelectDevice persists the input device used by the next recording
func (s *MicSessionService) SelectDevice(id string) error {
	if err := s.controller.SelectDevice(id); err != nil {
		s.setLastError(fmt.Sprintf("Failed to select device: %v", err))
		return err
	}
	return nil
}

func (s *MicSessionService) RefreshDevices(ctx context.Context) error {
	return s.controller.RefreshDevices(ctx)
}

// Devices returns the last enumerated input devices
func (s *MicSessionService) Devices() []audio.Device {
	return s.controller.State().Devices
}

func (s *MicSessionService) LastRecording() (*session.Take, bool) {
	return s.controller.LastRecording()
}

// SaveRecording waits for the current session to finalize and writes its
// audio to the output directory. An empty name derives one from the start time.
func (s *MicSessionService) SaveRecording(ctx context.Context, name string) (string, error) {
	if err := s.controller.WaitFinalized(ctx); err != nil {
		return "", fmt.Errorf("recording not finalized: %w", err)
	}

	rec, ok := s.controller.LastRecording()
	if !ok {
		return "", ErrNoRecording
	}

	if cleanFileName(name) == "" {
		name = "recording_" + rec.StartedAt.Format("20060102_150405")
	}
	path := s.RecordingPath(name)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.setLastError(fmt.Sprintf("Failed to create output directory: %v", err))
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	if err := os.WriteFile(path, rec.Blob.Data, 0644); err != nil {
		s.setLastError(fmt.Sprintf("Failed to save recording: %v", err))
		return "", fmt.Errorf("failed to save recording: %w", err)
	}

	slog.Info("Recording saved", "file", path, "size", formatBytes(int64(rec.Bytes)), "session", rec.SessionID)
	return path, nil
}

// RecordingPath returns where a recording with the given name is stored
func (s *MicSessionService) RecordingPath(name string) string {
	return RecordingFile(s.cfg.Output.Directory, name)
}

// RecordingFile returns the file for a recording named name in outputDir
func RecordingFile(outputDir, name string) string {
	return filepath.Join(outputDir, cleanFileName(name)+".pcm")
}

// Status returns the session state plus backend and error details
func (s *MicSessionService) Status() Status {
	status := Status{
		State:        s.controller.State(),
		ErrorMessage: s.GetLastError(),
	}
	if b, ok := s.capture.(audio.Backend); ok {
		status.Backend = string(b.GetType())
	}
	return status
}

func (s *MicSessionService) Subscribe(fn func(session.State)) func() {
	return s.controller.Subscribe(fn)
}

// GetConfig returns the current configuration
func (s *MicSessionService) GetConfig() *config.Config {
	return s.cfg
}

// Close stops any active session and releases the backend and store
func (s *MicSessionService) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if err := s.controller.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Helper functions

func cleanFileName(name string) string {
	// Remove special characters and replace spaces with underscores
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

// GetLastError returns the last error message (thread-safe)
func (s *MicSessionService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *MicSessionService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *MicSessionService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	return formatBytes(bytes)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

var _ Service = (*MicSessionService)(nil)
