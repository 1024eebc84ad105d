package telemetry

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// PerformanceMonitor samples process runtime metrics into a collector.
type PerformanceMonitor struct {
	mu        sync.Mutex
	collector *Collector
	startTime time.Time
	lastNumGC uint32
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPerformanceMonitor starts sampling every interval when enabled.
func NewPerformanceMonitor(collector *Collector, enabled bool, interval time.Duration) *PerformanceMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	pm := &PerformanceMonitor{
		collector: collector,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if enabled {
		go pm.loop(interval)
	}
	return pm
}

func (pm *PerformanceMonitor) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.Sample()
		}
	}
}

// Sample records one set of runtime gauges.
func (pm *PerformanceMonitor) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	labels := map[string]string{"component": "runtime"}
	pm.collector.Gauge("switchyard_memory_heap_bytes", float64(m.HeapAlloc), labels)
	pm.collector.Gauge("switchyard_memory_heap_sys_bytes", float64(m.HeapSys), labels)
	pm.collector.Counter("switchyard_gc_total", float64(m.NumGC-pm.lastNumGC), labels)
	pm.collector.Gauge("switchyard_goroutines", float64(runtime.NumGoroutine()), labels)
	pm.collector.Gauge("switchyard_uptime_seconds", time.Since(pm.startTime).Seconds(), labels)
	pm.lastNumGC = m.NumGC
}

// Shutdown stops sampling.
func (pm *PerformanceMonitor) Shutdown() {
	if pm.cancel != nil {
		pm.cancel()
	}
}

// RecordProbe records one health probe of a system.
func RecordProbe(system, status string, d time.Duration) {
	probesTotal.WithLabelValues(system, status).Inc()
	probeDuration.WithLabelValues(system).Observe(d.Seconds())
	up := 0.0
	if status == "healthy" {
		up = 1
	}
	systemUp.WithLabelValues(system).Set(up)

	labels := map[string]string{"system": system, "status": status, "component": "health"}
	c := GetGlobal()
	c.Counter("switchyard_health_probes", 1, labels)
	c.Timer("switchyard_health_probe_duration", d, labels)
}

// RecordCycle records a finished health cycle.
func RecordCycle(systems, unhealthy int) {
	cyclesTotal.Inc()
	labels := map[string]string{"component": "health"}
	c := GetGlobal()
	c.Gauge("switchyard_health_cycle_systems", float64(systems), labels)
	c.Gauge("switchyard_health_cycle_unhealthy", float64(unhealthy), labels)
}

// RecordRoute records a routing decision.
func RecordRoute(strategy, system string) {
	routesTotal.WithLabelValues(strategy, system).Inc()
	GetGlobal().Counter("switchyard_router_selections", 1, map[string]string{
		"strategy":  strategy,
		"system":    system,
		"component": "router",
	})
}

// RecordRouteFailure records a routing attempt with no available system.
func RecordRouteFailure(strategy string) {
	routeFailures.WithLabelValues(strategy).Inc()
	GetGlobal().Counter("switchyard_router_failures", 1, map[string]string{
		"strategy":  strategy,
		"component": "router",
	})
}

// RecordConnections publishes the connection counter of a system.
func RecordConnections(system string, n int64) {
	activeConnections.WithLabelValues(system).Set(float64(n))
}

// RecordOutcome records one deployment or rollback leg.
func RecordOutcome(operation, system, status string, d time.Duration) {
	outcomesTotal.WithLabelValues(operation, status).Inc()
	GetGlobal().Timer("switchyard_deploy_duration", d, map[string]string{
		"operation": operation,
		"system":    system,
		"status":    status,
		"component": "deploy",
	})
}

// RecordFleetSize publishes the number of registered systems.
func RecordFleetSize(n int) {
	fleetSize.Set(float64(n))
	GetGlobal().Gauge("switchyard_fleet_systems", float64(n), map[string]string{"component": "fleet"})
}

// RecordAgentRequest records one request served by the reference agent.
func RecordAgentRequest(route string, code int, d time.Duration) {
	agentRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	GetGlobal().Timer("switchyard_agent_request_duration", d, map[string]string{
		"route":     route,
		"code":      strconv.Itoa(code),
		"component": "agent",
	})
}

// TimerScope measures a duration into the global collector.
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope starts a timer.
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End records and returns the elapsed time.
func (ts *TimerScope) End() time.Duration {
	d := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, d, ts.labels)
	return d
}
