// Package janitor reconciles the buffer directory with the clip queue,
// removing orphaned clip files left behind by crashes or rename races.
//
// Grounded on the teacher's logging.RotatingWriter retention sweep (age-based
// file deletion under a fixed interval) generalized from log files to clip
// files.
package janitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaydaemon/rtmprelay/internal/clock"
	"github.com/relaydaemon/rtmprelay/internal/supervisor"
)

// DefaultInterval and DefaultOrphanAge per the specification.
const (
	DefaultInterval  = 60 * time.Second
	DefaultOrphanAge = 120 * time.Second
)

// ReferencedPathsFunc returns the set of paths currently referenced by the
// clip queue (queued clips plus last-good).
type ReferencedPathsFunc func() map[string]struct{}

// Janitor periodically deletes *.ts files in BufferDir that are unreferenced
// and old enough to be considered orphaned.
type Janitor struct {
	BufferDir   string
	ChannelName string // basename of the named transport channel, never deleted
	Referenced  ReferencedPathsFunc
	Interval    time.Duration
	OrphanAge   time.Duration
	Log         *slog.Logger
}

// New builds a Janitor with specification defaults.
func New(bufferDir, channelName string, referenced ReferencedPathsFunc, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		BufferDir:   bufferDir,
		ChannelName: channelName,
		Referenced:  referenced,
		Interval:    DefaultInterval,
		OrphanAge:   DefaultOrphanAge,
		Log:         clock.Component(log, "janitor"),
	}
}

// Name implements supervisor.Service.
func (j *Janitor) Name() string { return "buffer-janitor" }

// Run implements supervisor.Service: sweeps every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			j.sweepOnce()
		}
	}
}

func (j *Janitor) sweepOnce() {
	entries, err := os.ReadDir(j.BufferDir)
	if err != nil {
		j.Log.Warn("janitor_readdir_failed", "dir", j.BufferDir, "error", err)
		return
	}

	referenced := j.Referenced()
	now := time.Now()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == j.ChannelName || !strings.HasSuffix(name, ".ts") {
			continue
		}

		path := filepath.Join(j.BufferDir, name)
		if _, ok := referenced[path]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Missing files are silently skipped: a concurrent consumer may
			// have already removed this entry.
			continue
		}

		if now.Sub(info.ModTime()) <= j.OrphanAge {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.Log.Warn("janitor_unlink_failed", "path", path, "error", err)
			continue
		}
		j.Log.Info("janitor_orphan_removed", "path", path, "age", now.Sub(info.ModTime()))
	}
}

var _ supervisor.Service = (*Janitor)(nil)
