// Package pusher implements the muxer feed (C9): the continuity-preserving
// loop that streams clips into a named transport channel feeding a
// long-running push child, repeating the last-good clip on starvation and
// transparently restarting the push child on a broken pipe.
//
// Grounded on the teacher's stream.Manager.Run restart loop (acquire a
// resource, start a subprocess, wait on it, recover, retry) and on its
// Backoff type for the fixed recovery sleep, generalized here to a fixed 1s
// delay per the specification rather than exponential growth: the pusher's
// failure mode (a broken pipe) is expected to be transient and frequent
// under normal operation, not a sign of a degrading resource.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/relaydaemon/rtmprelay/internal/clipqueue"
	"github.com/relaydaemon/rtmprelay/internal/clock"
	"github.com/relaydaemon/rtmprelay/internal/supervisor"
	"github.com/relaydaemon/rtmprelay/internal/util"
)

// Defaults per the specification.
const (
	GetTimeout     = 5 * time.Second
	RecoverySleep  = 1 * time.Second
	EmptySleep     = 1 * time.Second
	ChunkSize      = 1 << 20 // 1 MiB
	ChannelName    = "mux.ts"
	PushGOPSeconds = 60 // keyframe cadence (-g 60) the push child is invoked with
)

// Queue is the minimal surface the pusher needs from the clip queue.
type Queue interface {
	Get(ctx context.Context, timeout time.Duration) (*clipqueue.Clip, error)
	Last() *clipqueue.Clip
}

// PushArgsFunc builds the argument list for the push child given the path
// to the named transport channel and the RTMP sink URL.
type PushArgsFunc func(channelPath, sinkURL string) []string

// Config configures a Pusher.
type Config struct {
	BufferDir string
	SinkURL   string

	Queue Queue

	PushBin  string
	PushArgs PushArgsFunc

	// PushStderr, if non-nil, receives the push child's stderr (e.g. a
	// rotating log writer). Nil discards it.
	PushStderr io.Writer

	Log *slog.Logger
}

// Pusher implements supervisor.Service. Its Run is intended to be the only
// long-running call on the process's main goroutine: it never returns
// except on context cancellation, per the specification's "run the pusher
// on the main thread" boot step.
type Pusher struct {
	cfg          Config
	log          *slog.Logger
	channelPath  string
	restartCount int

	// tracker catches channel/process leaks across RECOVER re-entries: a
	// bug in abandon or openChannelForWrite that forgets to release a
	// resource shows up here instead of silently accumulating FDs/zombies
	// over a 24/7 run.
	tracker *util.ResourceTracker
}

// New builds a Pusher with specification defaults.
func New(cfg Config) *Pusher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pusher{
		cfg:         cfg,
		log:         clock.Component(log, "pusher"),
		channelPath: filepath.Join(cfg.BufferDir, ChannelName),
		tracker:     util.NewResourceTracker(),
	}
}

// Name implements supervisor.Service.
func (p *Pusher) Name() string { return "pusher" }

// Restarts reports how many times the push child has been (re)spawned,
// exposed on the health endpoint.
func (p *Pusher) Restarts() int { return p.restartCount }

// Run implements supervisor.Service: the INIT -> STREAMING -> RECOVER loop
// from the specification. It returns only when ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return p.finish(ctx.Err())
		}

		if err := p.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return p.finish(err)
			}
			p.log.Warn("pusher_broken_pipe", "error", err)
			if sleepCtx(ctx, RecoverySleep) {
				return p.finish(ctx.Err())
			}
		}
	}
}

// finish runs a last-resort leak sweep before Run returns. Every channel
// file and push-child process is expected to have been untracked by
// abandon/channel.Close along the way; anything still tracked here is a bug
// elsewhere in the RECOVER loop, not an expected condition.
func (p *Pusher) finish(err error) error {
	if leaked := p.tracker.LeakedResources(); len(leaked) > 0 {
		p.log.Warn("pusher_resource_leak_detected", "resources", leaked)
		for _, cleanupErr := range p.tracker.CleanupAll() {
			p.log.Warn("pusher_leak_cleanup_failed", "error", cleanupErr)
		}
	}
	return err
}

// runOnce implements one INIT -> STREAMING pass: it creates the channel,
// spawns the push child, opens the channel for writing, and streams clips
// until a write failure or context cancellation ends the pass.
func (p *Pusher) runOnce(ctx context.Context) error {
	if err := ensureChannel(p.channelPath); err != nil {
		return fmt.Errorf("ensuring named channel: %w", err)
	}

	cmd, err := p.spawnPushChild(ctx)
	if err != nil {
		return fmt.Errorf("spawning push child: %w", err)
	}
	p.restartCount++
	p.log.Info("push_child_started", "pid", cmd.Process.Pid, "restarts", p.restartCount)

	// The push child owns opening the channel for reading; the channel is
	// opened for write from here, which blocks until a reader attaches.
	channel, err := p.openChannelForWrite(ctx, cmd)
	if err != nil {
		p.abandon(cmd)
		return fmt.Errorf("opening channel for write: %w", err)
	}
	p.tracker.TrackFile("channel", channel)
	defer func() {
		p.tracker.UntrackFile("channel")
		channel.Close()
	}()

	return p.streamingLoop(ctx, channel, cmd)
}

// streamingLoop dequeues clips and writes them to channel until a write
// failure, the push child exits, or ctx is cancelled.
func (p *Pusher) streamingLoop(ctx context.Context, channel io.Writer, cmd *exec.Cmd) error {
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	defer p.abandon(cmd)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errors.New("push child exited")
		default:
		}

		clip, err := p.cfg.Queue.Get(ctx, GetTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("dequeuing clip: %w", err)
		}

		if clip == nil {
			if last := p.cfg.Queue.Last(); last != nil {
				if _, err := os.Stat(last.Path); err == nil {
					if err := p.streamClip(channel, last.Path, true); err != nil {
						return err
					}
					continue
				}
			}
			if sleepCtx(ctx, EmptySleep) {
				return ctx.Err()
			}
			continue
		}

		if err := p.streamClip(channel, clip.Path, false); err != nil {
			return err
		}
	}
}

// streamClip writes a clip's content to the channel in ChunkSize chunks. A
// non-filler clip is unlinked after a successful stream. A vanished file is
// logged and skipped, not treated as a write failure.
func (p *Pusher) streamClip(channel io.Writer, path string, filler bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			p.log.Debug("clip_vanished_before_stream", "path", path, "filler", filler)
			return nil
		}
		return fmt.Errorf("opening clip %q: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(channel, f, buf); err != nil {
		return fmt.Errorf("writing clip %q to channel: %w", path, err)
	}

	if filler {
		p.log.Debug("clip_repeated_last_good", "path", path)
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warn("clip_unlink_after_stream_failed", "path", path, "error", err)
	}
	p.log.Debug("clip_streamed", "path", path)
	return nil
}

// spawnPushChild launches the push child in the background. Its stdin is
// unused: the child opens the named channel itself, per the specification.
func (p *Pusher) spawnPushChild(ctx context.Context) (*exec.Cmd, error) {
	args := p.cfg.PushArgs(p.channelPath, p.cfg.SinkURL)
	cmd := exec.CommandContext(ctx, p.cfg.PushBin, args...)
	if p.cfg.PushStderr != nil {
		cmd.Stderr = p.cfg.PushStderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.tracker.TrackProcess("push-child", cmd.Process)
	return cmd, nil
}

// openChannelForWrite opens the FIFO for writing. This blocks until the
// push child opens its end for reading; if the child exits first the open
// call returns an error rather than hanging forever.
func (p *Pusher) openChannelForWrite(ctx context.Context, cmd *exec.Cmd) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(p.channelPath, os.O_WRONLY, 0)
		ch <- result{f, err}
	}()

	select {
	case r := <-ch:
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// abandon kills the push child if still running; it is expected to exit on
// its own once the channel closes, but a RECOVER re-entry must not leak the
// previous process.
func (p *Pusher) abandon(cmd *exec.Cmd) {
	p.tracker.UntrackProcess("push-child")
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

// DefaultPushArgs builds arguments for the push child matching the
// specification's contract: same codec parameters as capture, plus -g 60
// for keyframe cadence, reading from the named channel and writing FLV to
// the RTMP sink.
func DefaultPushArgs(channelPath, sinkURL string) []string {
	return []string{
		"-re",
		"-i", channelPath,
		"-r", "30",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", "900k",
		"-maxrate", "1000k",
		"-bufsize", "2000k",
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprintf("%d", PushGOPSeconds),
		"-c:a", "aac",
		"-b:a", "96k",
		"-ac", "2",
		"-ar", "44100",
		"-f", "flv",
		sinkURL,
	}
}

var _ supervisor.Service = (*Pusher)(nil)
