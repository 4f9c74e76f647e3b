package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/micsession/internal/config"
)

// stopTimeout bounds how long pw-record may take to exit after SIGINT
const stopTimeout = 5 * time.Second

// PipeWire manages PipeWire port queries
type PipeWire struct{}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{}
}

// ListOutputPorts returns all output ports in the PipeWire graph
func (pw *PipeWire) ListOutputPorts(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "pw-link", "-o")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}

	return parsePortList(string(output)), nil
}

// parsePortList extracts port names from pw-link output
func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// captureNodes groups capture ports by node, one Device per node
func captureNodes(ports []string) []Device {
	seen := make(map[string]bool)
	var devices []Device

	for _, port := range ports {
		lastColon := strings.LastIndex(port, ":")
		if lastColon <= 0 {
			continue
		}
		node := port[:lastColon]
		portName := port[lastColon+1:]
		if !strings.HasPrefix(portName, "capture_") {
			continue
		}
		if seen[node] {
			continue
		}
		seen[node] = true
		devices = append(devices, Device{ID: node, Label: nodeLabel(node)})
	}

	sort.SliceStable(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// nodeLabel turns "alsa_input.usb-Focusrite_Scarlett-00.analog-stereo" into a readable label
func nodeLabel(node string) string {
	label := strings.TrimPrefix(node, "alsa_input.")
	label = strings.ReplaceAll(label, "_", " ")
	return strings.TrimSpace(label)
}

// PipeWireDevice implements Backend with pw-link and pw-record
type PipeWireDevice struct {
	pipewire   *PipeWire
	sampleRate int
	channels   int
	monitor    io.Writer

	// command builds the capture process, swapped in tests
	command func(name string, args ...string) *exec.Cmd
}

// NewPipeWireDevice creates a PipeWire capture device
func NewPipeWireDevice(cfg config.CaptureConfig, monitor io.Writer) *PipeWireDevice {
	return &PipeWireDevice{
		pipewire:   NewPipeWire(),
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		monitor:    monitor,
		command:    exec.Command,
	}
}

// GetType returns the backend type
func (d *PipeWireDevice) GetType() BackendType {
	return BackendTypePipeWire
}

// EnumerateInputDevices lists capture nodes
func (d *PipeWireDevice) EnumerateInputDevices(ctx context.Context) ([]Device, error) {
	ports, err := d.pipewire.ListOutputPorts(ctx)
	if err != nil {
		return nil, NewCaptureError(KindEnumeration, "", err)
	}
	return captureNodes(ports), nil
}

// OpenCaptureStream spawns pw-record targeting the node
func (d *PipeWireDevice) OpenCaptureStream(ctx context.Context, deviceID string, hints CaptureHints) (Stream, error) {
	if deviceID != "" && deviceID != DefaultDeviceID {
		devices, err := d.EnumerateInputDevices(ctx)
		if err != nil {
			return nil, NewCaptureError(KindDeviceUnavailable, deviceID, err)
		}
		found := false
		for _, dev := range devices {
			if dev.ID == deviceID {
				found = true
				break
			}
		}
		if !found {
			return nil, NewCaptureError(KindDeviceUnavailable, deviceID, errors.New("capture node not found"))
		}
	}

	if hints.NoiseSuppression || hints.EchoCancellation {
		slog.Debug("pw-record ignores capture hints, load module-echo-cancel for processing", "noise_suppression", hints.NoiseSuppression, "echo_cancellation", hints.EchoCancellation)
	}

	args := pwRecordArgs(deviceID, d.sampleRate, d.channels)
	cmd := d.command("pw-record", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewCaptureError(KindDeviceUnavailable, deviceID, err)
	}

	slog.Info("Starting pw-record", "command", "pw-record "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, classifyExecError(deviceID, err)
	}

	s := &pipeWireStream{
		deviceID:   deviceID,
		sampleRate: d.sampleRate,
		channels:   d.channels,
		monitor:    d.monitor,
		cmd:        cmd,
		exited:     make(chan struct{}),
	}
	go s.readLoop(stdout)

	return s, nil
}

// pwRecordArgs builds raw s16 capture arguments writing to stdout
func pwRecordArgs(deviceID string, sampleRate, channels int) []string {
	args := []string{
		"--rate", strconv.Itoa(sampleRate),
		"--channels", strconv.Itoa(channels),
		"--format", "s16",
	}
	if deviceID != "" && deviceID != DefaultDeviceID {
		args = append(args, "--target", deviceID)
	}
	return append(args, "-")
}

func classifyExecError(deviceID string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return NewCaptureError(KindPermissionDenied, deviceID, err)
	}
	return NewCaptureError(KindDeviceUnavailable, deviceID, err)
}

// Close is a no-op, each stream owns its process
func (d *PipeWireDevice) Close() error {
	return nil
}

// pipeWireStream implements Stream over a pw-record process
type pipeWireStream struct {
	deviceID   string
	sampleRate int
	channels   int
	monitor    io.Writer
	cmd        *exec.Cmd
	exited     chan struct{}

	mu        sync.Mutex
	buffer    []byte
	recording bool
	paused    bool
	stopping  bool
	released  bool
	onData    func(Blob)
}

// readLoop buffers stdout until the process exits, then finalizes
func (s *pipeWireStream) readLoop(stdout io.ReadCloser) {
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			s.handleChunk(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("pw-record read ended", "error", err)
			}
			break
		}
	}

	if err := s.cmd.Wait(); err != nil {
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if !stopping {
			slog.Warn("pw-record exited unexpectedly", "device", s.deviceID, "error", err)
		} else {
			slog.Debug("pw-record exited after interrupt", "error", err)
		}
	}
	close(s.exited)

	s.finalize()
}

func (s *pipeWireStream) handleChunk(data []byte) {
	s.mu.Lock()
	if !s.recording || s.paused {
		s.mu.Unlock()
		return
	}
	s.buffer = append(s.buffer, data...)
	monitor := s.monitor
	s.mu.Unlock()

	if monitor != nil {
		if _, err := monitor.Write(data); err != nil {
			slog.Debug("Monitor write failed", "error", err)
		}
	}
}

func (s *pipeWireStream) finalize() {
	s.mu.Lock()
	data := s.buffer
	s.buffer = nil
	callback := s.onData
	s.mu.Unlock()

	if callback != nil {
		callback(Blob{Data: data, MIMEType: pcmMIMEType(s.sampleRate, s.channels)})
	}
}

func (s *pipeWireStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.exited:
		return NewCaptureError(KindDeviceUnavailable, s.deviceID, errors.New("pw-record already exited"))
	default:
	}
	s.recording = true
	return nil
}

func (s *pipeWireStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *pipeWireStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

// Stop sends SIGINT and kills the process if it outlives stopTimeout
func (s *pipeWireStream) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if s.cmd.Process == nil {
		return nil
	}

	slog.Debug("Sending SIGINT to pw-record process")
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to send interrupt to pw-record, falling back to SIGKILL", "error", err)
		s.cmd.Process.Kill()
		return nil
	}

	go func() {
		select {
		case <-s.exited:
		case <-time.After(stopTimeout):
			slog.Warn("pw-record did not exit within timeout, force killing")
			s.cmd.Process.Kill()
		}
	}()

	return nil
}

func (s *pipeWireStream) OnDataAvailable(callback func(Blob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onData = callback
}

// ReleaseTracks kills the process if it is still alive
func (s *pipeWireStream) ReleaseTracks() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	select {
	case <-s.exited:
	default:
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	}
}
