package playlist

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydaemon/rtmprelay/internal/clock"
	"github.com/relaydaemon/rtmprelay/internal/supervisor"
)

// ReloadDaemon blocks until the next local-midnight instant, re-fetches the
// playlist, and replaces pool atomically on success. On failure it logs and
// waits for the next midnight; a backwards clock jump is an accepted source
// of a double reload, a forward jump only delays the reload.
//
// Implements supervisor.Service so the supervisor restarts it transparently
// if it ever returns (it normally only does on context cancellation).
type ReloadDaemon struct {
	Pool        *Pool
	Loader      *Loader
	PlaylistURL string
	Blocklist   Blocklist
	Log         *slog.Logger

	// sleepFn is swappable for deterministic tests.
	sleepFn func(context.Context, time.Duration) bool
}

// NewReloadDaemon constructs a daemon reloading pool daily from playlistURL.
func NewReloadDaemon(pool *Pool, loader *Loader, playlistURL string, blocklist Blocklist, log *slog.Logger) *ReloadDaemon {
	if log == nil {
		log = slog.Default()
	}
	return &ReloadDaemon{
		Pool:        pool,
		Loader:      loader,
		PlaylistURL: playlistURL,
		Blocklist:   blocklist,
		Log:         clock.Component(log, "playlist_reload"),
		sleepFn:     ctxSleep,
	}
}

// Name implements supervisor.Service.
func (d *ReloadDaemon) Name() string { return "playlist-reload" }

// Run implements supervisor.Service: blocks until ctx is cancelled,
// reloading the pool at each local midnight.
func (d *ReloadDaemon) Run(ctx context.Context) error {
	for {
		wait := clock.UntilNextMidnight(time.Now())
		if cancelled := d.sleepFn(ctx, wait); cancelled {
			return ctx.Err()
		}

		urls := d.Loader.Fetch(ctx, d.PlaylistURL, d.Blocklist)
		if len(urls) == 0 {
			d.Log.Warn("playlist_reload_empty", "url", d.PlaylistURL)
			continue
		}

		d.Pool.Replace(urls)
		d.Log.Info("playlist_reload_applied", "count", len(urls))
	}
}

// ctxSleep sleeps for d or until ctx is cancelled, reporting cancellation.
func ctxSleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

var _ supervisor.Service = (*ReloadDaemon)(nil)
