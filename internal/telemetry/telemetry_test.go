package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDisabledCollectorDropsMetrics(t *testing.T) {
	c := NewCollector(Config{})
	c.Counter("x", 1, nil)
	c.Timer("y", time.Second, nil)
	if got := len(c.GetMetrics()); got != 0 {
		t.Fatalf("disabled collector kept %d metrics", got)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestFlushToOTLP(t *testing.T) {
	var (
		mu      sync.Mutex
		payload otlpMetricsPayload
		calls   int
	)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		calls++
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	c := NewCollector(Config{Enabled: true, OTLPEndpoint: endpoint.URL, FlushInterval: time.Hour})
	c.Counter("switchyard_router_selections", 1, map[string]string{"system": "a", "strategy": "round_robin"})
	c.Gauge("switchyard_fleet_systems", 3, nil)
	if got := len(c.GetMetrics()); got != 2 {
		t.Fatalf("buffered %d metrics, want 2", got)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("endpoint called %d times", calls)
	}
	if len(payload.ResourceMetrics) != 1 {
		t.Fatalf("resource metrics %+v", payload.ResourceMetrics)
	}
	metrics := payload.ResourceMetrics[0].ScopeMetrics[0].Metrics
	var sawSum, sawGauge bool
	for _, m := range metrics {
		switch m.Name {
		case "switchyard_router_selections":
			sawSum = m.Sum != nil && m.Sum.AggregationTemporality == aggregationDelta
			if sawSum && len(m.Sum.DataPoints[0].Attributes) != 2 {
				t.Errorf("attributes %+v", m.Sum.DataPoints[0].Attributes)
			}
		case "switchyard_fleet_systems":
			sawGauge = m.Gauge != nil
		}
	}
	if !sawSum || !sawGauge {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
	if len(c.GetMetrics()) != 0 {
		t.Fatal("buffer not drained")
	}
}

func TestFlushReportsEndpointFailure(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer endpoint.Close()

	c := NewCollector(Config{Enabled: true, OTLPEndpoint: endpoint.URL, FlushInterval: time.Hour})
	defer c.Shutdown(context.Background())
	c.Counter("n", 1, nil)
	if err := c.FlushMetrics(context.Background()); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMonitoringHandler(t *testing.T) {
	ms := NewMonitoringServer("127.0.0.1:0", NewCollector(Config{}))
	h := ms.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	if rr := get("/api/fleet"); rr.Code != http.StatusNotFound {
		t.Fatalf("fleet without source: %d", rr.Code)
	}
	ms.SetFleetSource(func() any { return map[string]int{"systems": 2} })
	if rr := get("/api/fleet"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"systems":2`) {
		t.Fatalf("fleet: %d %s", rr.Code, rr.Body)
	}

	ms.RegisterHealthCheck("ok", func() HealthCheck { return HealthCheck{Name: "ok", Status: HealthStatusHealthy} })
	if rr := get("/health"); rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	ms.RegisterHealthCheck("down", func() HealthCheck { return HealthCheck{Name: "down", Status: HealthStatusUnhealthy} })
	if rr := get("/health"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: %d", rr.Code)
	}
	if rr := get("/api/health"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "unhealthy") {
		t.Fatalf("api health: %d %s", rr.Code, rr.Body)
	}

	RecordRoute("round_robin", "metrics-test")
	rr := get("/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `switchyard_router_selections_total{strategy="round_robin",system="metrics-test"}`) {
		t.Fatalf("route series missing from exposition")
	}

	ForgetSystem("metrics-test")
	if strings.Contains(get("/metrics").Body.String(), `system="metrics-test"`) {
		t.Fatal("series survived ForgetSystem")
	}
}

func TestTimerScope(t *testing.T) {
	c := InitGlobal(Config{Enabled: true, FlushInterval: time.Hour})
	defer Shutdown(context.Background())

	ts := NewTimerScope("op", map[string]string{"component": "test"})
	if d := ts.End(); d < 0 {
		t.Fatalf("negative duration %s", d)
	}
	metrics := c.GetMetrics()
	if len(metrics) != 1 || metrics[0].Name != "op" || metrics[0].Unit != "ms" {
		t.Fatalf("metrics %+v", metrics)
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := StartSpan(context.Background(), "test")
	RecordError(span, errors.New("boom"))
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
