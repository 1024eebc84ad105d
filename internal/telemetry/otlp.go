package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Version is reported as service.version on exported metrics.
var Version = "dev"

// OTLPExporter posts metrics to an OTLP/HTTP JSON endpoint.
type OTLPExporter struct {
	endpoint string
	client   *http.Client
}

// NewOTLPExporter creates an exporter for endpoint, e.g.
// http://collector:4318/v1/metrics.
func NewOTLPExporter(endpoint string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Simplified OTLP JSON representation.
type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name  string     `json:"name"`
	Unit  string     `json:"unit,omitempty"`
	Sum   *otlpSum   `json:"sum,omitempty"`
	Gauge *otlpGauge `json:"gauge,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpDataPoint `json:"dataPoints"`
	AggregationTemporality int             `json:"aggregationTemporality"`
	IsMonotonic            bool            `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpDataPoint `json:"dataPoints"`
}

type otlpDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano string          `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue"`
}

// aggregationDelta: every counter point is the increment since the last flush.
const aggregationDelta = 1

// Export sends metrics in one request.
func (e *OTLPExporter) Export(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	data, err := json.Marshal(convertToOTLP(metrics))
	if err != nil {
		return fmt.Errorf("marshal otlp payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send otlp request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("otlp endpoint returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", e.endpoint).
		Int("metric_count", len(metrics)).
		Int("status", resp.StatusCode).
		Msg("Exported metrics via OTLP")
	return nil
}

func attributes(labels map[string]string) []otlpAttribute {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		out = append(out, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return out
}

// convertToOTLP maps counters to delta sums and everything else to gauges.
func convertToOTLP(metrics []Metric) otlpMetricsPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, m := range metrics {
		point := otlpDataPoint{
			Attributes:   attributes(m.Labels),
			TimeUnixNano: fmt.Sprintf("%d", m.Timestamp.UnixNano()),
			AsDouble:     m.Value,
		}
		om := otlpMetric{Name: m.Name, Unit: m.Unit}
		if m.Type == Counter {
			om.Sum = &otlpSum{
				DataPoints:             []otlpDataPoint{point},
				AggregationTemporality: aggregationDelta,
				IsMonotonic:            true,
			}
		} else {
			om.Gauge = &otlpGauge{DataPoints: []otlpDataPoint{point}}
		}
		out = append(out, om)
	}

	return otlpMetricsPayload{
		ResourceMetrics: []otlpResourceMetrics{{
			Resource: otlpResource{Attributes: attributes(map[string]string{
				"service.name":    "switchyard",
				"service.version": Version,
			})},
			ScopeMetrics: []otlpScopeMetrics{{
				Scope:   otlpScope{Name: "switchyard-telemetry", Version: Version},
				Metrics: out,
			}},
		}},
	}
}
