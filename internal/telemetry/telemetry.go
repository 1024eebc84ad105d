package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

const (
	defaultFlushInterval = 30 * time.Second
	flushThreshold       = 100
)

// Config is the telemetry section of the switchyard config file.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MonitoringAddr string        `yaml:"monitoring_addr"`
	Tracing        TracingConfig `yaml:"tracing"`
}

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector buffers metrics and flushes them to an OTLP endpoint, or to
// the log when no endpoint is configured.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	enabled  bool
	exporter *OTLPExporter
	flushCh  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCollector creates a collector. A disabled collector drops everything.
func NewCollector(cfg Config) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		enabled: cfg.Enabled,
		flushCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.OTLPEndpoint != "" {
		c.exporter = NewOTLPExporter(cfg.OTLPEndpoint)
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if cfg.Enabled {
		go c.periodicFlush(interval)
	} else {
		close(c.done)
	}
	return c
}

// Enabled reports whether the collector keeps metrics.
func (c *Collector) Enabled() bool { return c.enabled }

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(name, Counter, value, labels, "")
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.add(name, Gauge, value, labels, "")
}

// Histogram records a histogram value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.add(name, Histogram, value, labels, "")
}

// Timer records a duration in milliseconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(name, Timer, float64(d.Milliseconds()), labels, "ms")
}

func (c *Collector) add(name string, typ MetricType, value float64, labels map[string]string, unit string) {
	if !c.enabled {
		return
	}
	m := Metric{
		Name:      name,
		Type:      typ,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
		Unit:      unit,
	}

	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	full := len(c.metrics) >= flushThreshold
	c.mu.Unlock()

	if full {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// GetMetrics returns a copy of the buffered metrics
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// FlushMetrics drains the buffer to the exporter or the log.
func (c *Collector) FlushMetrics(ctx context.Context) error {
	c.mu.Lock()
	metrics := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(metrics) == 0 {
		return nil
	}

	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")

	if c.exporter != nil {
		return c.exporter.Export(ctx, metrics)
	}
	for _, m := range metrics {
		log.Debug().
			Str("name", m.Name).
			Str("type", string(m.Type)).
			Float64("value", m.Value).
			Interface("labels", m.Labels).
			Time("timestamp", m.Timestamp).
			Msg("telemetry_metric")
	}
	return nil
}

func (c *Collector) periodicFlush(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func() {
		if err := c.FlushMetrics(c.ctx); err != nil {
			log.Warn().Err(err).Msg("Telemetry flush failed")
		}
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			flush()
		case <-c.flushCh:
			flush()
		}
	}
}

// Shutdown stops the flush loop and flushes what is left.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return c.FlushMetrics(ctx)
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the global collector.
func InitGlobal(cfg Config) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = NewCollector(cfg)
	return globalCollector
}

// GetGlobal returns the global collector, a disabled one until InitGlobal runs.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(Config{})
	}
	return globalCollector
}

// Shutdown shuts down the global collector
func Shutdown(ctx context.Context) error {
	globalMu.Lock()
	c := globalCollector
	globalMu.Unlock()
	if c != nil {
		return c.Shutdown(ctx)
	}
	return nil
}
