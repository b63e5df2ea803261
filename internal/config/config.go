package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Hotkey modes
const (
	ModePushToTalk = "PushToTalk"
	ModeToggle     = "Toggle"
)

// Capture backends
const (
	BackendPortAudio = "portaudio"
	BackendMiniaudio = "miniaudio"
)

type Config struct {
	LogLevel     string          `json:"log_level"`
	Hotkey       string          `json:"hotkey"`
	HotkeyDarwin string          `json:"hotkey_darwin"`
	Mode         string          `json:"mode"` // "PushToTalk" or "Toggle"
	Audio        AudioConfig     `json:"audio"`
	Recording    RecordingConfig `json:"recording"`
	Meter        MeterConfig     `json:"meter"`
	Inject       InjectConfig    `json:"inject"`

	path string
}

type AudioConfig struct {
	Backend         string `json:"backend"`   // "portaudio" or "miniaudio"
	DeviceID        string `json:"device_id"` // empty = platform default
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	FramesPerBuffer int    `json:"frames_per_buffer"`
}

type RecordingConfig struct {
	Dir        string `json:"dir"`         // empty = $TMPDIR/recorder-tray
	QueueDepth int    `json:"queue_depth"` // buffers held between callback and writer
}

type MeterConfig struct {
	Attack  float64 `json:"attack"`  // smoothing coefficient for rising levels, (0,1]
	Release float64 `json:"release"` // smoothing coefficient for falling levels, (0,1]
}

type InjectConfig struct {
	CopyOnFinish  bool `json:"copy_on_finish"`
	PasteOnFinish bool `json:"paste_on_finish"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		Hotkey:       "Alt+Space",
		HotkeyDarwin: "Ctrl+Space",
		Mode:         ModeToggle,
		Audio: AudioConfig{
			Backend:         BackendPortAudio,
			DeviceID:        "",
			SampleRate:      44100,
			Channels:        2,
			FramesPerBuffer: 512,
		},
		Recording: RecordingConfig{
			Dir:        "",
			QueueDepth: 64,
		},
		Meter: MeterConfig{
			Attack:  0.6,
			Release: 0.15,
		},
		Inject: InjectConfig{
			CopyOnFinish:  true,
			PasteOnFinish: false,
		},
	}
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	return LoadFrom(configPath())
}

// LoadFrom reads the config at path, falling back to defaults for a missing
// file or missing fields.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the capture subsystem cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePushToTalk, ModeToggle:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.Audio.Backend {
	case BackendPortAudio, BackendMiniaudio:
	default:
		return fmt.Errorf("invalid audio backend %q", c.Audio.Backend)
	}
	if c.Audio.SampleRate < 0 || c.Audio.SampleRate > 384000 {
		return fmt.Errorf("invalid sample rate %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 32 {
		return fmt.Errorf("invalid channel count %d", c.Audio.Channels)
	}
	if c.Audio.FramesPerBuffer < 0 {
		return fmt.Errorf("invalid frames per buffer %d", c.Audio.FramesPerBuffer)
	}
	if c.Recording.QueueDepth < 1 {
		return fmt.Errorf("invalid recording queue depth %d", c.Recording.QueueDepth)
	}
	if c.Meter.Attack <= 0 || c.Meter.Attack > 1 || c.Meter.Release <= 0 || c.Meter.Release > 1 {
		return fmt.Errorf("meter coefficients must be in (0,1]")
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// PlatformHotkey returns the appropriate hotkey for the current platform
func (c *Config) PlatformHotkey() string {
	if runtime.GOOS == "darwin" && c.HotkeyDarwin != "" {
		return c.HotkeyDarwin
	}
	return c.Hotkey
}

// RecordingDir returns the directory recordings are written to.
func (c *Config) RecordingDir() string {
	if c.Recording.Dir != "" {
		return c.Recording.Dir
	}
	return filepath.Join(os.TempDir(), "recorder-tray")
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "recorder-tray", "config.json")
}

// LogPath returns the platform-specific log file path
func LogPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "recorder-tray", "recorder-tray.log")
}
