// Package main implements the rtmprelay daemon, the clip relay pipeline
// that samples a rotating pool of source streams, assembles short clips,
// and feeds them to a single downstream RTMP sink continuously.
//
// rtmprelay is designed for 24/7 unattended operation: capture workers that
// fail are never fatal, the sink feed degrades to repeating the last good
// clip rather than going dark, and every long-lived daemon restarts under
// supervision.
//
// Usage:
//
//	rtmprelay [options]
//
// Options:
//
//	--config=PATH       Path to config file (default: /etc/rtmprelay/config.yaml)
//	--buffer-dir=PATH   Override the configured buffer directory
//	--log-level=LEVEL   Log level: debug, info, warn, error (default: info)
//	--help              Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relaydaemon/rtmprelay/internal/backpressure"
	"github.com/relaydaemon/rtmprelay/internal/capture"
	"github.com/relaydaemon/rtmprelay/internal/clipqueue"
	"github.com/relaydaemon/rtmprelay/internal/config"
	"github.com/relaydaemon/rtmprelay/internal/diskusage"
	"github.com/relaydaemon/rtmprelay/internal/health"
	"github.com/relaydaemon/rtmprelay/internal/janitor"
	"github.com/relaydaemon/rtmprelay/internal/logging"
	"github.com/relaydaemon/rtmprelay/internal/playlist"
	"github.com/relaydaemon/rtmprelay/internal/pusher"
	"github.com/relaydaemon/rtmprelay/internal/supervisor"
	"github.com/relaydaemon/rtmprelay/internal/util"
)

const defaultConfigPath = "/etc/rtmprelay/config.yaml"

// diskLowWarningBytes mirrors the teacher's disk-space threshold warning,
// renamed to this domain: the buffer directory backs the capture/push
// pipeline the same way the teacher's recording directory did.
const diskLowWarningBytes = 500 * 1024 * 1024

var (
	configPath = flag.String("config", defaultConfigPath, "Path to configuration file")
	bufferDir  = flag.String("buffer-dir", "", "Override the configured buffer directory")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show this help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	log := newLogger(*logLevel)

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		log.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *bufferDir != "" {
		cfg.BufferDir = *bufferDir
	}
	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.BufferDir, 0o750); err != nil {
		log.Error("buffer_dir_create_failed", "dir", cfg.BufferDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loader := playlist.NewLoader(log)
	blocklist, err := playlist.LoadBlocklist(cfg.BlocklistPath)
	if err != nil {
		log.Warn("blocklist_load_failed", "path", cfg.BlocklistPath, "error", err)
	}
	urls := loader.Fetch(ctx, cfg.PlaylistURL, blocklist)
	if len(urls) == 0 {
		log.Warn("playlist_empty_at_boot", "url", cfg.PlaylistURL)
	}
	pool := playlist.NewPool(urls)

	queue := clipqueue.New(
		clipqueue.WithCapacity(cfg.Queue.MaxQueue),
		clipqueue.WithStaleAfter(cfg.Queue.StaleAfter),
		clipqueue.WithLogger(log),
	)
	defer queue.Stop()

	monitor := backpressure.NewMonitor(queue.Size, log)
	monitor.MaxQueue = cfg.Queue.MaxQueue
	monitor.MinQueue = cfg.Queue.MinQueue
	monitor.PollInterval = cfg.Backpressure.PollInterval

	reloadDaemon := playlist.NewReloadDaemon(pool, loader, cfg.PlaylistURL, blocklist, log)

	sweep := janitor.New(cfg.BufferDir, pusher.ChannelName, queue.ReferencedPaths, log)
	sweep.Interval = cfg.Janitor.Interval
	sweep.OrphanAge = cfg.Janitor.OrphanAge

	var pushStderr io.WriteCloser
	if cfg.Capture.LogDir != "" {
		w, err := logging.LogWriter(cfg.Capture.LogDir, "push")
		if err != nil {
			log.Warn("push_child_log_writer_failed", "error", err)
		} else {
			pushStderr = w
		}
	}

	psh := pusher.New(pusher.Config{
		BufferDir:  cfg.BufferDir,
		SinkURL:    cfg.SinkURL,
		Queue:      queue,
		PushBin:    cfg.Capture.PushBin,
		PushArgs:   pusher.DefaultPushArgs,
		PushStderr: pushStderr,
		Log:        log,
	})

	status := &pipelineStatus{
		queue:     queue,
		monitor:   monitor,
		pool:      pool,
		pusher:    psh,
		bufferDir: cfg.BufferDir,
		maxQueue:  cfg.Queue.MaxQueue,
	}
	status.state.Store(ptr("starting"))

	healthHandler := health.NewHandler(status).WithSystemInfo(status)
	util.SafeGo("health-server", log, func() {
		if err := health.ListenAndServe(ctx, cfg.Health.ListenAddr, healthHandler); err != nil && ctx.Err() == nil {
			log.Error("health_server_failed", "error", err)
		}
	}, nil)

	sup := supervisor.New(supervisor.Config{
		ShutdownTimeout: 30 * time.Second,
		Logger:          log,
	})

	mustAdd(sup, reloadDaemon, log)
	mustAdd(sup, monitor, log)
	mustAdd(sup, sweep, log)
	for i := 0; i < cfg.Workers; i++ {
		worker := capture.New(capture.Config{
			Name:         fmt.Sprintf("%d", i),
			Pool:         pool,
			Backpressure: monitor,
			Queue:        queue,
			BufferDir:    cfg.BufferDir,
			ProbeBin:     cfg.Capture.ProbeBin,
			ProbeArgs:    capture.DefaultProbeArgs(capture.ProbeTimeout),
			CaptureBin:   cfg.Capture.CaptureBin,
			CaptureArgs:  capture.DefaultCaptureArgs,
			LogDir:       cfg.Capture.LogDir,
			Log:          log,
		})
		mustAdd(sup, worker, log)
	}

	log.Info("pipeline_starting", "workers", cfg.Workers, "sink", cfg.SinkURL, "buffer_dir", cfg.BufferDir)

	util.SafeGo("supervisor", log, func() {
		if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("supervisor_stopped", "error", err)
		}
	}, nil)

	waitForWarmUp(ctx, queue, cfg.Queue.MinQueue, log)

	status.state.Store(ptr("streaming"))
	log.Info("pusher_starting")
	if err := psh.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("pusher_stopped", "error", err)
	}

	log.Info("shutdown_complete")
}

// waitForWarmUp blocks until the clip queue holds at least minQueue clips
// or ctx is cancelled, polling at 1Hz per the specification's warm-up gate.
func waitForWarmUp(ctx context.Context, queue *clipqueue.Queue, minQueue int, log *slog.Logger) {
	if minQueue <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if queue.Size() >= minQueue {
			log.Info("warm_up_complete", "queue_size", queue.Size())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func mustAdd(sup *supervisor.Supervisor, svc supervisor.Service, log *slog.Logger) {
	if err := sup.Add(svc); err != nil {
		log.Error("service_register_failed", "service", svc.Name(), "error", err)
	}
}

// loadConfiguration loads the config file, falling back to defaults if it
// doesn't exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// pipelineStatus adapts the pipeline's live components to the health
// package's StatusProvider/SystemInfoProvider interfaces.
type pipelineStatus struct {
	queue     *clipqueue.Queue
	monitor   *backpressure.Monitor
	pool      *playlist.Pool
	pusher    *pusher.Pusher
	bufferDir string
	maxQueue  int
	state     atomic.Pointer[string]
}

func (s *pipelineStatus) Pipeline() health.PipelineInfo {
	state := "starting"
	if p := s.state.Load(); p != nil {
		state = *p
	}
	return health.PipelineInfo{
		QueueSize:      s.queue.Size(),
		QueueCapacity:  s.maxQueue,
		Paused:         s.monitor.Paused(),
		PoolSize:       s.pool.Len(),
		PusherState:    state,
		PusherRestarts: s.pusher.Restarts(),
	}
}

func (s *pipelineStatus) SystemInfo() health.SystemInfo {
	free, total, err := diskusage.Free(s.bufferDir)
	info := health.SystemInfo{DiskFreeBytes: free, DiskTotalBytes: total}
	if err == nil && free > 0 && free < diskLowWarningBytes {
		info.DiskLowWarning = true
	}
	return info
}

func ptr(s string) *string { return &s }

func printUsage() {
	fmt.Println("rtmprelay - clip relay pipeline daemon")
	fmt.Println()
	fmt.Println("Usage: rtmprelay [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon samples source streams into short clips and relays them")
	fmt.Println("continuously to a single RTMP sink, repeating the last good clip")
	fmt.Println("rather than going dark when capture falls behind.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
