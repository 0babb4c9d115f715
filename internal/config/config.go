// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/rtmprelay/config.yaml"

// Config represents the complete rtmprelay configuration.
type Config struct {
	SinkURL       string `yaml:"sink_url" koanf:"sink_url"`
	PlaylistURL   string `yaml:"playlist_url" koanf:"playlist_url"`
	BlocklistPath string `yaml:"blocklist_path" koanf:"blocklist_path"`
	BufferDir     string `yaml:"buffer_dir" koanf:"buffer_dir"`
	Workers       int    `yaml:"workers" koanf:"workers"`

	Queue        QueueConfig        `yaml:"queue" koanf:"queue"`
	Backpressure BackpressureConfig `yaml:"backpressure" koanf:"backpressure"`
	Janitor      JanitorConfig      `yaml:"janitor" koanf:"janitor"`
	Capture      CaptureConfig      `yaml:"capture" koanf:"capture"`
	Health       HealthConfig       `yaml:"health" koanf:"health"`
}

// QueueConfig contains clip queue tunables (C5).
type QueueConfig struct {
	MaxQueue        int           `yaml:"max_queue" koanf:"max_queue"`
	MinQueue        int           `yaml:"min_queue" koanf:"min_queue"`
	StaleAfter      time.Duration `yaml:"stale_after" koanf:"stale_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" koanf:"cleanup_interval"`
}

// BackpressureConfig contains the hysteresis monitor's poll interval (C7).
// MaxQueue/MinQueue are shared with QueueConfig, not duplicated here.
type BackpressureConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" koanf:"poll_interval"`
}

// JanitorConfig contains buffer-directory sweep tunables (C8).
type JanitorConfig struct {
	Interval  time.Duration `yaml:"interval" koanf:"interval"`
	OrphanAge time.Duration `yaml:"orphan_age" koanf:"orphan_age"`
}

// CaptureConfig names the external child binaries and timeouts (C6, C9).
type CaptureConfig struct {
	ProbeBin   string `yaml:"probe_bin" koanf:"probe_bin"`
	CaptureBin string `yaml:"capture_bin" koanf:"capture_bin"`
	PushBin    string `yaml:"push_bin" koanf:"push_bin"`

	// LogDir, if non-empty, captures each child's stderr to a size-rotated
	// log file instead of discarding it. Empty disables child log capture.
	LogDir string `yaml:"log_dir" koanf:"log_dir"`
}

// HealthConfig contains the health/metrics server's listen address (C12).
type HealthConfig struct {
	ListenAddr string `yaml:"listen_addr" koanf:"listen_addr"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file, atomically: a temp file is
// written in the same directory, synced, and renamed over the target path.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config may embed a sink URL and playlist URL; restrict to owner+group.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.SinkURL, "rtmp://") {
		return fmt.Errorf("sink_url must start with rtmp:// (got %q)", c.SinkURL)
	}
	if c.PlaylistURL == "" {
		return fmt.Errorf("playlist_url must not be empty")
	}
	if c.BufferDir == "" {
		return fmt.Errorf("buffer_dir must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Capture.CaptureBin == "" {
		return fmt.Errorf("capture.capture_bin must not be empty")
	}
	if c.Capture.PushBin == "" {
		return fmt.Errorf("capture.push_bin must not be empty")
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}
	return nil
}

// Validate checks queue configuration for invalid values.
func (q *QueueConfig) Validate() error {
	if q.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be positive")
	}
	if q.MinQueue < 0 || q.MinQueue > q.MaxQueue {
		return fmt.Errorf("min_queue must be between 0 and max_queue")
	}
	if q.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive")
	}
	return nil
}

// DefaultConfig returns a configuration with the specification's defaults.
func DefaultConfig() *Config {
	return &Config{
		SinkURL:       "",
		PlaylistURL:   "",
		BlocklistPath: "",
		BufferDir:     "/var/lib/rtmprelay/buffer",
		Workers:       4,
		Queue: QueueConfig{
			MaxQueue:        14,
			MinQueue:        7,
			StaleAfter:      30 * time.Second,
			CleanupInterval: 10 * time.Second,
		},
		Backpressure: BackpressureConfig{
			PollInterval: 2 * time.Second,
		},
		Janitor: JanitorConfig{
			Interval:  60 * time.Second,
			OrphanAge: 120 * time.Second,
		},
		Capture: CaptureConfig{
			ProbeBin:   "ffprobe",
			CaptureBin: "ffmpeg",
			PushBin:    "ffmpeg",
			LogDir:     "/var/log/rtmprelay",
		},
		Health: HealthConfig{
			ListenAddr: "127.0.0.1:9998",
		},
	}
}
