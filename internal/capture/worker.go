// Package capture implements the capture worker (C6): it selects a source
// URL, probes it, captures and normalizes a clip via the external
// transcoder, and enqueues the result.
//
// Grounded on the teacher's stream.Manager Run loop shape (state machine
// driving an external child process, failures absorbed locally, never
// propagated) but simplified to match the specification: a capture worker
// never aborts on error, it just produces no clip and continues.
package capture

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/relaydaemon/rtmprelay/internal/clipqueue"
	"github.com/relaydaemon/rtmprelay/internal/clock"
	"github.com/relaydaemon/rtmprelay/internal/logging"
	"github.com/relaydaemon/rtmprelay/internal/runner"
	"github.com/relaydaemon/rtmprelay/internal/supervisor"
)

// Defaults per the specification.
const (
	PauseSleep         = 2 * time.Second
	EmptyPoolSleep     = 2 * time.Second
	ProbeTimeout       = 3 * time.Second
	ProbeSlack         = 3 * time.Second
	EnqueueTimeout     = 5 * time.Second
	MinOutputSizeBytes = 100_000

	ffmpegReadTimeoutUsec = 7_000_000
)

// ClipDurations is the cycle of clip lengths in seconds each worker advances
// through independently. Preserved verbatim per the specification's Open
// Question: behavior is variable-length by design, not a stale 7s naming
// artifact.
var ClipDurations = []int{5, 7, 11}

// URLPool is the minimal surface the worker needs from the URL pool.
type URLPool interface {
	Snapshot() []string
}

// PauseChecker reports whether capture should be paused for backpressure.
type PauseChecker interface {
	Paused() bool
}

// Config configures a Worker.
type Config struct {
	Name         string // unique worker identity, for logging
	Pool         URLPool
	Backpressure PauseChecker
	Queue        *clipqueue.Queue
	BufferDir    string

	ProbeBin  string
	ProbeArgs func(sourceURL string) []string

	CaptureBin  string
	CaptureArgs func(sourceURL, outputPath string, clipSeconds int) []string

	// LogDir, if non-empty, captures the probe/capture children's stderr to
	// a size-rotated log file per worker instead of discarding it.
	LogDir string

	Log *slog.Logger
}

// Worker implements supervisor.Service: Run(ctx) loops until cancelled,
// never returning an error on transient capture/probe failure.
type Worker struct {
	cfg        Config
	log        *slog.Logger
	childLog   io.WriteCloser // nil discards child stderr
	cycleIndex int
}

// New builds a capture Worker.
func New(cfg Config) *Worker {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		cfg: cfg,
		log: clock.Component(log, "capture_worker").With("worker", cfg.Name),
	}
	if cfg.LogDir != "" {
		writer, err := logging.LogWriter(cfg.LogDir, "capture-"+cfg.Name)
		if err != nil {
			w.log.Warn("child_log_writer_failed", "error", err)
		} else {
			w.childLog = writer
		}
	}
	return w
}

// Name implements supervisor.Service.
func (w *Worker) Name() string { return "capture-" + w.cfg.Name }

// Run implements supervisor.Service.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.cfg.Backpressure != nil && w.cfg.Backpressure.Paused() {
			if sleepCtx(ctx, PauseSleep) {
				return ctx.Err()
			}
			continue
		}

		urls := w.cfg.Pool.Snapshot()
		if len(urls) == 0 {
			if sleepCtx(ctx, EmptyPoolSleep) {
				return ctx.Err()
			}
			continue
		}

		sourceURL := urls[mrand.IntN(len(urls))]

		if !w.probe(ctx, sourceURL) {
			continue // transient failure: no sleep, try another pick immediately
		}

		clipSeconds := ClipDurations[w.cycleIndex%len(ClipDurations)]
		w.cycleIndex++

		outputPath, err := w.uniqueClipPath()
		if err != nil {
			w.log.Warn("clip_filename_failed", "error", err)
			continue
		}

		if !w.capture(ctx, sourceURL, outputPath, clipSeconds) {
			w.cleanupPartial(outputPath)
			continue
		}

		w.enqueue(ctx, outputPath)
	}
}

// probe invokes the external stream prober with a read budget plus process
// slack (the Open Question in the specification is preserved exactly: the
// documented 3s timeout is honored as the probe child's own budget, and a
// further 3s of process-level slack wraps the whole invocation).
func (w *Worker) probe(ctx context.Context, sourceURL string) bool {
	if w.cfg.ProbeBin == "" {
		return true // probing disabled in this deployment
	}
	args := w.cfg.ProbeArgs(sourceURL)
	res, err := runner.RunWithOutput(ctx, ProbeTimeout+ProbeSlack, nil, w.childLog, w.cfg.ProbeBin, args...)
	if err != nil {
		w.log.Warn("probe_exec_failed", "url", sourceURL, "error", err)
		return false
	}
	if res.ExitStatus != 0 {
		w.log.Debug("probe_failed", "url", sourceURL, "exit", res.ExitStatus, "timed_out", res.TimedOut)
		return false
	}
	return true
}

// capture invokes the external transcoder and validates its output per the
// specification's contract: exit 0, file exists, size > MinOutputSizeBytes.
func (w *Worker) capture(ctx context.Context, sourceURL, outputPath string, clipSeconds int) bool {
	timeout := time.Duration(clipSeconds)*time.Second + 20*time.Second
	args := w.cfg.CaptureArgs(sourceURL, outputPath, clipSeconds)

	res, err := runner.RunWithOutput(ctx, timeout, nil, w.childLog, w.cfg.CaptureBin, args...)
	if err != nil {
		w.log.Warn("capture_exec_failed", "url", sourceURL, "error", err)
		return false
	}
	if res.ExitStatus != 0 {
		w.log.Debug("capture_failed", "url", sourceURL, "exit", res.ExitStatus, "timed_out", res.TimedOut)
		return false
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		w.log.Debug("capture_output_missing", "path", outputPath)
		return false
	}
	if info.Size() <= MinOutputSizeBytes {
		w.log.Debug("capture_output_too_small", "path", outputPath, "size", info.Size())
		return false
	}
	return true
}

func (w *Worker) enqueue(ctx context.Context, outputPath string) {
	err := w.cfg.Queue.Put(ctx, outputPath, EnqueueTimeout)
	if err == nil {
		w.log.Info("clip_captured", "path", outputPath)
		return
	}
	if errors.Is(err, clipqueue.ErrQueueFull) {
		w.log.Info("clip_dropped_queue_full", "path", outputPath)
	} else {
		w.log.Debug("clip_enqueue_cancelled", "path", outputPath, "error", err)
	}
	w.cleanupPartial(outputPath)
}

func (w *Worker) cleanupPartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.Warn("clip_cleanup_failed", "path", path, "error", err)
	}
}

// uniqueClipPath generates a unique clip filename (8 hex chars of entropy)
// within the buffer directory.
func (w *Worker) uniqueClipPath() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating clip filename entropy: %w", err)
	}
	name := fmt.Sprintf("clip-%s.ts", hex.EncodeToString(buf))
	return filepath.Join(w.cfg.BufferDir, name), nil
}

// sleepCtx sleeps for d or returns true early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

// DefaultProbeArgs builds arguments for a probe invocation equivalent to
// ffprobe's contract in the specification: detect whether a video stream is
// present within the configured timeout.
func DefaultProbeArgs(timeout time.Duration) func(string) []string {
	secs := int(timeout.Seconds())
	return func(sourceURL string) []string {
		return []string{
			"-v", "error",
			"-select_streams", "v:0",
			"-show_entries", "stream=codec_type",
			"-of", "csv=p=0",
			"-timeout", fmt.Sprintf("%d000000", secs),
			sourceURL,
		}
	}
}

// DefaultCaptureArgs builds arguments matching the capture child contract in
// the specification: 720p scaled preserving aspect (even width), 30fps,
// H.264 veryfast ~900k/1000k/2000k, yuv420p, AAC 96k stereo 44.1kHz, MPEG-TS.
func DefaultCaptureArgs(sourceURL, outputPath string, clipSeconds int) []string {
	return []string{
		"-rw_timeout", fmt.Sprintf("%d", ffmpegReadTimeoutUsec),
		"-i", sourceURL,
		"-t", fmt.Sprintf("%d", clipSeconds),
		"-vf", "scale=-2:720",
		"-r", "30",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", "900k",
		"-maxrate", "1000k",
		"-bufsize", "2000k",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "96k",
		"-ac", "2",
		"-ar", "44100",
		"-f", "mpegts",
		outputPath,
	}
}

var _ supervisor.Service = (*Worker)(nil)
