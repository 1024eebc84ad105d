package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus is the state reported by a monitoring health check.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer exposes health, metrics and the fleet snapshot over HTTP.
type MonitoringServer struct {
	collector *Collector

	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	fleet        func() any

	server *http.Server
}

// NewMonitoringServer creates a monitoring server listening on addr.
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// Handler returns the routed handler, also used by tests.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	mux.HandleFunc("/api/health", ms.apiHealthHandler)
	mux.HandleFunc("/api/fleet", ms.apiFleetHandler)
	return mux
}

// RegisterHealthCheck registers a named health check.
func (ms *MonitoringServer) RegisterHealthCheck(name string, fn func() HealthCheck) {
	ms.mu.Lock()
	ms.healthChecks[name] = fn
	ms.mu.Unlock()
}

// SetFleetSource sets the function whose result /api/fleet serves as JSON.
func (ms *MonitoringServer) SetFleetSource(fn func() any) {
	ms.mu.Lock()
	ms.fleet = fn
	ms.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Write monitoring response")
	}
}

func (ms *MonitoringServer) overall() (HealthStatus, []HealthCheck) {
	checks := ms.runHealthChecks()
	status := HealthStatusHealthy
	for _, c := range checks {
		if c.Status == HealthStatusUnhealthy {
			return HealthStatusUnhealthy, checks
		}
		if c.Status == HealthStatusDegraded {
			status = HealthStatusDegraded
		}
	}
	return status, checks
}

// healthHandler answers 503 when any check is unhealthy.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := ms.overall()
	code := http.StatusOK
	if status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks := ms.overall()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ms.collector.GetMetrics())
}

func (ms *MonitoringServer) apiFleetHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	fn := ms.fleet
	ms.mu.RUnlock()
	if fn == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no fleet attached"})
		return
	}
	writeJSON(w, http.StatusOK, fn())
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for k, v := range ms.healthChecks {
		fns[k] = v
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitoring server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// RuntimeHealthCheck degrades on high heap or goroutine counts.
func RuntimeHealthCheck() HealthCheck {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := float64(m.HeapAlloc) / (1024 * 1024)
	goroutines := runtime.NumGoroutine()

	check := HealthCheck{
		Name:    "runtime",
		Status:  HealthStatusHealthy,
		Message: fmt.Sprintf("heap %.2f MB, %d goroutines", heapMB, goroutines),
		Details: map[string]string{
			"heap_mb":    fmt.Sprintf("%.2f", heapMB),
			"goroutines": fmt.Sprintf("%d", goroutines),
		},
	}
	switch {
	case heapMB > 2000 || goroutines > 5000:
		check.Status = HealthStatusUnhealthy
	case heapMB > 1000 || goroutines > 1000:
		check.Status = HealthStatusDegraded
	}
	return check
}
