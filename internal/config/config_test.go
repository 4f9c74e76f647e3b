package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "micsession.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Capture.Backend != "auto" {
		t.Errorf("Expected backend 'auto', got %s", cfg.Capture.Backend)
	}
	if cfg.Capture.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", cfg.Capture.SampleRate)
	}
	if !cfg.Capture.NoiseSuppression || !cfg.Capture.EchoCancellation {
		t.Error("Expected noise suppression and echo cancellation enabled by default")
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("Expected server address ':8080', got %s", cfg.Server.Address)
	}
	if strings.HasPrefix(cfg.Store.Directory, "~") {
		t.Errorf("Expected expanded store directory, got %s", cfg.Store.Directory)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
capture:
  backend: pipewire
  sample_rate: 16000
  channels: 2
  echo_cancellation: false
store:
  directory: /var/lib/micsession
output:
  directory: ~/Recordings
log:
  file: /tmp/micsession.log
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Capture.Backend != "pipewire" {
		t.Errorf("Expected backend 'pipewire', got %s", cfg.Capture.Backend)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.Channels != 2 {
		t.Errorf("Expected 16000Hz stereo, got %dHz %dch", cfg.Capture.SampleRate, cfg.Capture.Channels)
	}
	if cfg.Capture.EchoCancellation {
		t.Error("Expected echo cancellation disabled by file")
	}
	if !cfg.Capture.NoiseSuppression {
		t.Error("Expected noise suppression to keep its default")
	}
	if cfg.Capture.FramesPerBuffer != 1024 {
		t.Errorf("Expected default frames_per_buffer 1024, got %d", cfg.Capture.FramesPerBuffer)
	}
	if cfg.Store.Directory != "/var/lib/micsession" {
		t.Errorf("Unexpected store directory: %s", cfg.Store.Directory)
	}

	homeDir, _ := os.UserHomeDir()
	if cfg.Output.Directory != filepath.Join(homeDir, "Recordings") {
		t.Errorf("Expected expanded output directory, got %s", cfg.Output.Directory)
	}
	if cfg.Log.MaxSizeMB != 10 {
		t.Errorf("Expected default log max size 10, got %d", cfg.Log.MaxSizeMB)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MICSESSION_SERVER_ADDRESS", "127.0.0.1:9090")
	t.Setenv("MICSESSION_CAPTURE_BACKEND", "portaudio")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Address != "127.0.0.1:9090" {
		t.Errorf("Expected env server address, got %s", cfg.Server.Address)
	}
	if cfg.Capture.Backend != "portaudio" {
		t.Errorf("Expected env backend, got %s", cfg.Capture.Backend)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfigFile(t, "capture: [not, a, map")

	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad backend", func(c *Config) { c.Capture.Backend = "jack" }, "capture.backend"},
		{"low sample rate", func(c *Config) { c.Capture.SampleRate = 100 }, "capture.sample_rate"},
		{"too many channels", func(c *Config) { c.Capture.Channels = 6 }, "capture.channels"},
		{"zero frames", func(c *Config) { c.Capture.FramesPerBuffer = 0 }, "capture.frames_per_buffer"},
		{"missing store dir", func(c *Config) { c.Store.Directory = "" }, "store.directory"},
		{"in-memory store needs no dir", func(c *Config) { c.Store.Directory = ""; c.Store.InMemory = true }, ""},
		{"missing output dir", func(c *Config) { c.Output.Directory = "" }, "output.directory"},
		{"log file without size", func(c *Config) { c.Log.File = "/tmp/x.log"; c.Log.MaxSizeMB = 0 }, "log.max_size_mb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "micsession.yaml")

	cfg := Default()
	cfg.Capture.Backend = "portaudio"
	cfg.Server.Address = "localhost:7000"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Capture.Backend != "portaudio" || loaded.Server.Address != "localhost:7000" {
		t.Errorf("Saved values not restored: %+v", loaded)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio/micsession", filepath.Join(homeDir, "Audio", "micsession")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
		{"", ""},
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}
