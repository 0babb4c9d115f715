// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseYAML = `
sink_url: rtmp://ingest.example/live
playlist_url: http://playlist.example/list.m3u8
buffer_dir: /var/lib/rtmprelay/buffer
workers: 4
queue:
  max_queue: 14
  min_queue: 7
  stale_after: 30s
capture:
  probe_bin: ffprobe
  capture_bin: ffmpeg
  push_bin: ffmpeg
health:
  listen_addr: 127.0.0.1:9998
`

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	return path
}

func TestKoanfConfig_LoadYAML(t *testing.T) {
	path := writeConfigFile(t, baseYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SinkURL != "rtmp://ingest.example/live" {
		t.Errorf("SinkURL = %q", cfg.SinkURL)
	}
	if cfg.Queue.MaxQueue != 14 {
		t.Errorf("Queue.MaxQueue = %d, want 14", cfg.Queue.MaxQueue)
	}
}

func TestKoanfConfig_LoadWithEnvOverride(t *testing.T) {
	path := writeConfigFile(t, baseYAML)

	t.Setenv("RTMPRELAY_WORKERS", "8")
	t.Setenv("RTMPRELAY_SINK_URL", "rtmp://other.example/live")

	kc, err := NewKoanfConfig(WithYAMLFile(path), WithEnvPrefix("RTMPRELAY"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8 (env override)", cfg.Workers)
	}
	if cfg.SinkURL != "rtmp://other.example/live" {
		t.Errorf("SinkURL = %q, want env override", cfg.SinkURL)
	}
}

func TestKoanfConfig_LoadSectionEnvOverride(t *testing.T) {
	path := writeConfigFile(t, baseYAML)

	t.Setenv("RTMPRELAY_QUEUE_MAX_QUEUE", "20")
	t.Setenv("RTMPRELAY_CAPTURE_CAPTURE_BIN", "/usr/local/bin/ffmpeg")

	kc, err := NewKoanfConfig(WithYAMLFile(path), WithEnvPrefix("RTMPRELAY"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.MaxQueue != 20 {
		t.Errorf("Queue.MaxQueue = %d, want 20 (env override)", cfg.Queue.MaxQueue)
	}
	if cfg.Capture.CaptureBin != "/usr/local/bin/ffmpeg" {
		t.Errorf("Capture.CaptureBin = %q, want env override", cfg.Capture.CaptureBin)
	}
}

func TestKoanfConfig_Reload(t *testing.T) {
	path := writeConfigFile(t, baseYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	updated := `
sink_url: rtmp://ingest.example/live
playlist_url: http://playlist.example/list.m3u8
buffer_dir: /var/lib/rtmprelay/buffer
workers: 10
queue:
  max_queue: 14
  min_queue: 7
  stale_after: 30s
capture:
  probe_bin: ffprobe
  capture_bin: ffmpeg
  push_bin: ffmpeg
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	if err := kc.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() after reload error = %v", err)
	}
	if cfg.Workers != 10 {
		t.Errorf("Workers = %d, want 10 after reload", cfg.Workers)
	}
}

func TestKoanfConfig_Watch(t *testing.T) {
	path := writeConfigFile(t, baseYAML)

	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	watchCalled := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = kc.Watch(ctx, func(event string, err error) {
			if err != nil {
				watchCalled <- "error: " + err.Error()
				return
			}
			watchCalled <- event
		})
	}()

	time.Sleep(100 * time.Millisecond)

	updated := `
sink_url: rtmp://ingest.example/live
playlist_url: http://playlist.example/list.m3u8
buffer_dir: /var/lib/rtmprelay/buffer
workers: 9
queue:
  max_queue: 14
  min_queue: 7
  stale_after: 30s
capture:
  probe_bin: ffprobe
  capture_bin: ffmpeg
  push_bin: ffmpeg
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	select {
	case event := <-watchCalled:
		if event != "config reloaded" {
			t.Errorf("event = %q, want 'config reloaded'", event)
		}
	case <-time.After(2 * time.Second):
		t.Error("watch callback not called within timeout")
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() after watch error = %v", err)
	}
	if cfg.Workers != 9 {
		t.Errorf("Workers = %d, want 9 after watch reload", cfg.Workers)
	}
}

func TestKoanfConfig_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "not: valid: yaml: [")
	_, err := NewKoanfConfig(WithYAMLFile(path))
	if err == nil {
		t.Fatal("NewKoanfConfig() expected error for invalid YAML")
	}
}

func TestKoanfConfig_MissingFile(t *testing.T) {
	_, err := NewKoanfConfig(WithYAMLFile("/nonexistent/config.yaml"))
	if err == nil {
		t.Fatal("NewKoanfConfig() expected error for missing file")
	}
}

func TestKoanfConfig_GetMethods(t *testing.T) {
	path := writeConfigFile(t, baseYAML)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	if got := kc.GetString("sink_url"); got != "rtmp://ingest.example/live" {
		t.Errorf("GetString(sink_url) = %q", got)
	}
	if got := kc.GetInt("workers"); got != 4 {
		t.Errorf("GetInt(workers) = %d, want 4", got)
	}
	if got := kc.GetInt("queue.max_queue"); got != 14 {
		t.Errorf("GetInt(queue.max_queue) = %d, want 14", got)
	}
	if got := kc.GetDuration("queue.stale_after"); got != 30*time.Second {
		t.Errorf("GetDuration(queue.stale_after) = %v, want 30s", got)
	}
	if !kc.Exists("capture.probe_bin") {
		t.Error("Exists(capture.probe_bin) = false, want true")
	}
}

func TestKoanfConfig_NoFile(t *testing.T) {
	t.Setenv("RTMPRELAY_SINK_URL", "rtmp://env-only.example/live")
	t.Setenv("RTMPRELAY_PLAYLIST_URL", "http://env-only.example/list.m3u8")
	t.Setenv("RTMPRELAY_BUFFER_DIR", "/tmp/buf")
	t.Setenv("RTMPRELAY_WORKERS", "2")
	t.Setenv("RTMPRELAY_CAPTURE_CAPTURE_BIN", "ffmpeg")
	t.Setenv("RTMPRELAY_CAPTURE_PUSH_BIN", "ffmpeg")
	t.Setenv("RTMPRELAY_QUEUE_MAX_QUEUE", "14")
	t.Setenv("RTMPRELAY_QUEUE_MIN_QUEUE", "7")
	t.Setenv("RTMPRELAY_QUEUE_STALE_AFTER", "30s")

	kc, err := NewKoanfConfig(WithEnvPrefix("RTMPRELAY"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	cfg, err := kc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SinkURL != "rtmp://env-only.example/live" {
		t.Errorf("SinkURL = %q", cfg.SinkURL)
	}
}

func TestKoanfConfig_All(t *testing.T) {
	path := writeConfigFile(t, baseYAML)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	all := kc.All()
	if _, ok := all["sink_url"]; !ok {
		t.Error("All() missing sink_url key")
	}
}

func TestKoanfConfig_WatchNoFile(t *testing.T) {
	kc, err := NewKoanfConfig(WithEnvPrefix("RTMPRELAY"))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}
	if err := kc.Watch(context.Background(), func(string, error) {}); err == nil {
		t.Error("Watch() expected error when no file path is configured")
	}
}

func TestKoanfConfig_WatchContextCancellation(t *testing.T) {
	path := writeConfigFile(t, baseYAML)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- kc.Watch(ctx, func(string, error) {})
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Watch() did not return after context cancellation")
	}
}

func TestKoanfConfig_ConcurrentReloadAndRead(t *testing.T) {
	path := writeConfigFile(t, baseYAML)
	kc, err := NewKoanfConfig(WithYAMLFile(path))
	if err != nil {
		t.Fatalf("NewKoanfConfig() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			_ = kc.Reload()
		}
	}()

	for i := 0; i < 20; i++ {
		_, _ = kc.Load()
	}
	<-done
}
