// Package backpressure implements the hysteretic gate that pauses and
// resumes capture workers based on clip-queue depth, so a stalled pusher
// cannot let the queue (and the disk behind it) grow without bound.
//
// Grounded on the teacher's Backoff type (internal pattern only: a small,
// independently-locked piece of shared state read by many, written by one)
// and on its Service interface, since this monitor is itself supervised.
package backpressure

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/relaydaemon/rtmprelay/internal/clock"
	"github.com/relaydaemon/rtmprelay/internal/supervisor"
)

// Defaults per the specification.
const (
	DefaultMaxQueue     = 14
	DefaultMinQueue     = 7
	DefaultPollInterval = 2 * time.Second
)

// SizeFunc reports current queue depth.
type SizeFunc func() int

// Monitor polls queue depth and toggles a shared paused flag under
// hysteresis: pause at >= MaxQueue, resume at <= MinQueue, otherwise leave
// unchanged.
type Monitor struct {
	Size         SizeFunc
	MaxQueue     int
	MinQueue     int
	PollInterval time.Duration
	Log          *slog.Logger

	paused atomic.Bool
}

// NewMonitor builds a Monitor with specification defaults.
func NewMonitor(size SizeFunc, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		Size:         size,
		MaxQueue:     DefaultMaxQueue,
		MinQueue:     DefaultMinQueue,
		PollInterval: DefaultPollInterval,
		Log:          clock.Component(log, "backpressure"),
	}
}

// Paused reports the current gate state. Workers poll this cooperatively;
// there is no preemption mid-capture.
func (m *Monitor) Paused() bool {
	return m.paused.Load()
}

// Name implements supervisor.Service.
func (m *Monitor) Name() string { return "backpressure-monitor" }

// Run implements supervisor.Service: polls queue depth every PollInterval
// until ctx is cancelled, applying the hysteresis law.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	size := m.Size()
	switch {
	case size >= m.MaxQueue:
		if m.paused.CompareAndSwap(false, true) {
			m.Log.Info("backpressure_paused", "size", size, "max_queue", m.MaxQueue)
		}
	case size <= m.MinQueue:
		if m.paused.CompareAndSwap(true, false) {
			m.Log.Info("backpressure_resumed", "size", size, "min_queue", m.MinQueue)
		}
	}
}

var _ supervisor.Service = (*Monitor)(nil)
