package play

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/micsession/internal/config"
)

var lookPath = exec.LookPath

// Player plays raw PCM recordings through an external audio player
type Player struct {
	sampleRate int
	channels   int
}

func New(cfg config.CaptureConfig) *Player {
	return &Player{sampleRate: cfg.SampleRate, channels: cfg.Channels}
}

// Play blocks until the recording at path has been played
func (p *Player) Play(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	player, err := findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	args, err := rawPlaybackArgs(player, p.sampleRate, p.channels, path)
	if err != nil {
		return err
	}

	slog.Info("Playing recording", "file", path, "player", player)
	cmd := exec.Command(player, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	slog.Debug("Playback completed", "file", path)
	return nil
}

// Monitor streams live PCM to an audio player while recording.
// Writes never block the capture path: chunks are dropped when the player lags.
type Monitor struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan []byte
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewMonitor starts an audio player reading raw PCM on stdin
func NewMonitor(cfg config.CaptureConfig) (*Monitor, error) {
	player, err := findAudioPlayer()
	if err != nil {
		return nil, fmt.Errorf("no suitable audio player found: %w", err)
	}

	args, err := rawPlaybackArgs(player, cfg.SampleRate, cfg.Channels, "-")
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(player, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stdin: %w", player, err)
	}

	slog.Debug("Starting monitor", "command", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", player, err)
	}

	m := newMonitor(stdin)
	m.cmd = cmd
	return m, nil
}

func newMonitor(w io.WriteCloser) *Monitor {
	m := &Monitor{
		stdin:  w,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

func (m *Monitor) writeLoop() {
	defer close(m.done)

	failed := false
	for chunk := range m.chunks {
		if failed {
			continue
		}
		if _, err := m.stdin.Write(chunk); err != nil {
			slog.Warn("Monitor output failed, discarding further audio", "error", err)
			failed = true
		}
	}
}

// Write queues a copy of p for playback
func (m *Monitor) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.ErrClosedPipe
	}

	chunk := append([]byte(nil), p...)
	select {
	case m.chunks <- chunk:
	default:
		m.dropped++
	}
	return len(p), nil
}

// Dropped returns the number of chunks discarded because the player lagged
func (m *Monitor) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close flushes queued audio and waits for the player to exit
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.chunks)
	m.mu.Unlock()

	<-m.done
	err := m.stdin.Close()

	if m.cmd != nil {
		if waitErr := m.cmd.Wait(); waitErr != nil {
			slog.Debug("Monitor player exited", "error", waitErr)
		}
	}

	if dropped := m.Dropped(); dropped > 0 {
		slog.Debug("Monitor dropped audio chunks", "count", dropped)
	}
	return err
}

func findAudioPlayer() (string, error) {
	// In order of preference
	players := []string{"pw-play", "ffplay", "aplay"}

	for _, player := range players {
		if _, err := lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

// rawPlaybackArgs builds arguments for playing signed 16-bit little-endian PCM
// from source, where "-" is stdin
func rawPlaybackArgs(player string, sampleRate, channels int, source string) ([]string, error) {
	rate := strconv.Itoa(sampleRate)
	ch := strconv.Itoa(channels)

	switch player {
	case "pw-play":
		return []string{"--rate", rate, "--channels", ch, "--format", "s16", source}, nil
	case "ffplay":
		layout := "mono"
		if channels == 2 {
			layout = "stereo"
		}
		return []string{"-nodisp", "-autoexit", "-loglevel", "error",
			"-f", "s16le", "-ar", rate, "-ch_layout", layout, "-i", source}, nil
	case "aplay":
		return []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch, source}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}
