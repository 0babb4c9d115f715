// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the rtmprelay
// clip pipeline.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
//
// A Prometheus-compatible /metrics endpoint is also served, providing clip
// queue depth, pusher restart counts, and URL pool size for fleet monitoring
// via Grafana/Prometheus.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// PipelineInfo describes the live state of the clip pipeline at the moment
// a health or metrics request is served.
type PipelineInfo struct {
	QueueSize     int    `json:"queue_size"`
	QueueCapacity int    `json:"queue_capacity"`
	Paused        bool   `json:"paused"`
	PoolSize      int    `json:"pool_size"`
	PusherState   string `json:"pusher_state"`
	PusherRestarts int   `json:"pusher_restarts"`
}

// SystemInfo contains system-level health data included in the health response.
// The disk free-space gauge gives proactive warning before the buffer
// directory fills and clip writes start failing with ENOSPC.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
}

// StatusProvider returns the current health status of the clip pipeline.
// The daemon implements this interface to supply live data.
type StatusProvider interface {
	Pipeline() PipelineInfo
}

// SystemInfoProvider returns system-level health data.
// The daemon implements this interface to supply disk space info.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Pipeline  *PipelineInfo `json:"pipeline,omitempty"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space is included in /healthz responses and /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{
		Timestamp: time.Now(),
	}

	healthy := h.provider != nil
	if h.provider != nil {
		pipeline := h.provider.Pipeline()
		resp.Pipeline = &pipeline
		if pipeline.PusherState == "" {
			healthy = false
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// serveMetrics writes a Prometheus text-format metrics response.
// This implements a minimal subset of the exposition format without any
// external dependency — no prometheus/client_golang import required.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	if h.provider != nil {
		p := h.provider.Pipeline()

		fmt.Fprintln(&sb, "# HELP rtmprelay_queue_size Number of clips currently queued.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_queue_size gauge")
		fmt.Fprintf(&sb, "rtmprelay_queue_size %d\n", p.QueueSize)

		fmt.Fprintln(&sb, "# HELP rtmprelay_queue_capacity Configured maximum queue size.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_queue_capacity gauge")
		fmt.Fprintf(&sb, "rtmprelay_queue_capacity %d\n", p.QueueCapacity)

		paused := 0
		if p.Paused {
			paused = 1
		}
		fmt.Fprintln(&sb, "# HELP rtmprelay_capture_paused 1 when capture workers are paused by the backpressure gate.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_capture_paused gauge")
		fmt.Fprintf(&sb, "rtmprelay_capture_paused %d\n", paused)

		fmt.Fprintln(&sb, "# HELP rtmprelay_pool_size Number of source URLs in the current playlist pool.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_pool_size gauge")
		fmt.Fprintf(&sb, "rtmprelay_pool_size %d\n", p.PoolSize)

		fmt.Fprintln(&sb, "# HELP rtmprelay_pusher_restarts_total Total push child restarts after a broken pipe.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_pusher_restarts_total counter")
		fmt.Fprintf(&sb, "rtmprelay_pusher_restarts_total %d\n", p.PusherRestarts)
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()

		fmt.Fprintln(&sb, "# HELP rtmprelay_disk_free_bytes Free bytes on the buffer directory's filesystem.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_disk_free_bytes gauge")
		fmt.Fprintf(&sb, "rtmprelay_disk_free_bytes %d\n", si.DiskFreeBytes)

		fmt.Fprintln(&sb, "# HELP rtmprelay_disk_total_bytes Total bytes on the buffer directory's filesystem.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_disk_total_bytes gauge")
		fmt.Fprintf(&sb, "rtmprelay_disk_total_bytes %d\n", si.DiskTotalBytes)

		diskLow := 0
		if si.DiskLowWarning {
			diskLow = 1
		}
		fmt.Fprintln(&sb, "# HELP rtmprelay_disk_low_warning 1 when free disk is below the configured threshold.")
		fmt.Fprintln(&sb, "# TYPE rtmprelay_disk_low_warning gauge")
		fmt.Fprintf(&sb, "rtmprelay_disk_low_warning %d\n", diskLow)
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals readiness.
//
// The listener is bound synchronously so port-in-use errors are returned
// immediately rather than surfacing only after ctx is cancelled. Once bound,
// the ready channel is closed (if non-nil) so a caller can confirm the
// endpoint is actually listening before completing startup.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
