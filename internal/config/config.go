package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the resolved micsession configuration
type Config struct {
	Capture CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

type CaptureConfig struct {
	Backend          string `mapstructure:"backend" yaml:"backend"` // "portaudio", "pipewire", "auto"
	SampleRate       int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int    `mapstructure:"channels" yaml:"channels"`
	FramesPerBuffer  int    `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	NoiseSuppression bool   `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	EchoCancellation bool   `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
}

// StoreConfig locates the persisted permission and device selection
type StoreConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	InMemory  bool   `mapstructure:"in_memory" yaml:"in_memory"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// LogConfig enables an optional rotating log file next to stderr
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

var defaultConfig = Config{
	Capture: CaptureConfig{
		Backend:          "auto",
		SampleRate:       48000,
		Channels:         1,
		FramesPerBuffer:  1024,
		NoiseSuppression: true,
		EchoCancellation: true,
	},
	Store: StoreConfig{
		Directory: "~/.local/share/micsession/state",
	},
	Output: OutputConfig{
		Directory: "~/Audio/micsession",
	},
	Server: ServerConfig{
		Address: ":8080",
	},
	Log: LogConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
}

// Default returns a copy of the built-in configuration with paths expanded
func Default() *Config {
	cfg := defaultConfig
	cfg.expandPaths()
	return &cfg
}

// DefaultPath returns the default configuration file location
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/micsession.yaml")
}

// Load reads configFile on top of the defaults. A missing file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MICSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so env overrides work without a file
func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.backend", defaultConfig.Capture.Backend)
	v.SetDefault("capture.sample_rate", defaultConfig.Capture.SampleRate)
	v.SetDefault("capture.channels", defaultConfig.Capture.Channels)
	v.SetDefault("capture.frames_per_buffer", defaultConfig.Capture.FramesPerBuffer)
	v.SetDefault("capture.noise_suppression", defaultConfig.Capture.NoiseSuppression)
	v.SetDefault("capture.echo_cancellation", defaultConfig.Capture.EchoCancellation)
	v.SetDefault("store.directory", defaultConfig.Store.Directory)
	v.SetDefault("store.in_memory", defaultConfig.Store.InMemory)
	v.SetDefault("output.directory", defaultConfig.Output.Directory)
	v.SetDefault("server.address", defaultConfig.Server.Address)
	v.SetDefault("log.file", defaultConfig.Log.File)
	v.SetDefault("log.max_size_mb", defaultConfig.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaultConfig.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaultConfig.Log.MaxAgeDays)
}

// Save writes the configuration as YAML, creating parent directories
func (c *Config) Save(path string) error {
	if path == "" {
		return fmt.Errorf("no config file specified")
	}

	out, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", path, err)
	}

	return nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return out, nil
}

// Validate checks field ranges and enumerations
func (c *Config) Validate() error {
	switch strings.ToLower(c.Capture.Backend) {
	case "portaudio", "pipewire", "auto":
	default:
		return fmt.Errorf("capture.backend must be 'portaudio', 'pipewire' or 'auto', got: %s", c.Capture.Backend)
	}

	if c.Capture.SampleRate < 8000 || c.Capture.SampleRate > 192000 {
		return fmt.Errorf("capture.sample_rate must be between 8000 and 192000, got: %d", c.Capture.SampleRate)
	}

	if c.Capture.Channels != 1 && c.Capture.Channels != 2 {
		return fmt.Errorf("capture.channels must be 1 or 2, got: %d", c.Capture.Channels)
	}

	if c.Capture.FramesPerBuffer <= 0 {
		return fmt.Errorf("capture.frames_per_buffer must be > 0, got: %d", c.Capture.FramesPerBuffer)
	}

	if !c.Store.InMemory && c.Store.Directory == "" {
		return fmt.Errorf("store.directory is required unless store.in_memory is set")
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got: %d", c.Log.MaxSizeMB)
	}

	return nil
}

func (c *Config) expandPaths() {
	c.Store.Directory = expandPath(c.Store.Directory)
	c.Output.Directory = expandPath(c.Output.Directory)
	c.Log.File = expandPath(c.Log.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
