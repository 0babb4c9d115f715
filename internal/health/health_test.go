package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// mockProvider implements StatusProvider for testing.
type mockProvider struct {
	pipeline PipelineInfo
}

func (m *mockProvider) Pipeline() PipelineInfo {
	return m.pipeline
}

// mockSysProvider implements SystemInfoProvider for testing.
type mockSysProvider struct {
	info SystemInfo
}

func (m *mockSysProvider) SystemInfo() SystemInfo {
	return m.info
}

func TestNewHandler(t *testing.T) {
	h := NewHandler(nil)
	if h == nil {
		t.Fatal("NewHandler returned nil")
	}
}

func TestHealthy(t *testing.T) {
	provider := &mockProvider{
		pipeline: PipelineInfo{
			QueueSize:      5,
			QueueCapacity:  14,
			Paused:         false,
			PoolSize:       3,
			PusherState:    "streaming",
			PusherRestarts: 0,
		},
	}

	h := NewHandler(provider)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("status = %q, want %q", resp.Status, "healthy")
	}
	if resp.Pipeline == nil {
		t.Fatal("pipeline info missing from response")
	}
	if resp.Pipeline.QueueSize != 5 {
		t.Errorf("queue size = %d, want 5", resp.Pipeline.QueueSize)
	}
}

func TestNilProvider(t *testing.T) {
	h := NewHandler(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestEmptyPusherStateIsUnhealthy(t *testing.T) {
	provider := &mockProvider{pipeline: PipelineInfo{}}

	h := NewHandler(provider)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("status = %q, want %q", resp.Status, "unhealthy")
	}
}

func TestDiskLowWarningDegradesStatus(t *testing.T) {
	provider := &mockProvider{pipeline: PipelineInfo{PusherState: "streaming"}}
	sys := &mockSysProvider{info: SystemInfo{
		DiskFreeBytes:  1024,
		DiskTotalBytes: 1 << 30,
		DiskLowWarning: true,
	}}

	h := NewHandler(provider).WithSystemInfo(sys)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.System == nil || !resp.System.DiskLowWarning {
		t.Error("system info missing disk_low_warning")
	}
}

func TestResponseContentType(t *testing.T) {
	h := NewHandler(&mockProvider{pipeline: PipelineInfo{PusherState: "streaming"}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewHandler(&mockProvider{})

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", nil)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("%s: status = %d, want %d", method, rec.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	provider := &mockProvider{pipeline: PipelineInfo{
		QueueSize:      9,
		QueueCapacity:  14,
		Paused:         true,
		PoolSize:       2,
		PusherState:    "recover",
		PusherRestarts: 3,
	}}
	sys := &mockSysProvider{info: SystemInfo{DiskFreeBytes: 500, DiskTotalBytes: 1000}}

	h := NewHandler(provider).WithSystemInfo(sys)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"rtmprelay_queue_size 9",
		"rtmprelay_queue_capacity 14",
		"rtmprelay_capture_paused 1",
		"rtmprelay_pool_size 2",
		"rtmprelay_pusher_restarts_total 3",
		"rtmprelay_disk_free_bytes 500",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestListenAndServe(t *testing.T) {
	h := NewHandler(&mockProvider{pipeline: PipelineInfo{PusherState: "streaming"}})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- ListenAndServe(ctx, "127.0.0.1:0", h)
	}()

	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after context cancellation")
	}
}

func TestListenAndServeReadyBindsSynchronously(t *testing.T) {
	h := NewHandler(&mockProvider{pipeline: PipelineInfo{PusherState: "streaming"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- ListenAndServeReady(ctx, "127.0.0.1:0", h, ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not signal readiness")
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("ListenAndServeReady returned error: %v", err)
	}
}

func TestResponseTimestamp(t *testing.T) {
	h := NewHandler(&mockProvider{pipeline: PipelineInfo{PusherState: "streaming"}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	before := time.Now()
	h.ServeHTTP(rec, req)
	after := time.Now()

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Timestamp.Before(before) || resp.Timestamp.After(after) {
		t.Errorf("timestamp %v not between %v and %v", resp.Timestamp, before, after)
	}
}

func TestHeadRequest(t *testing.T) {
	h := NewHandler(&mockProvider{pipeline: PipelineInfo{PusherState: "streaming"}})
	req := httptest.NewRequest(http.MethodHead, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("HEAD status = %d, want %d", rec.Code, http.StatusOK)
	}
}
