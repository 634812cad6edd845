package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient on top of
// github.com/prometheus/client_golang. Collectors are created lazily and
// cached by name since labels vary per call site.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a Prometheus-backed MetricsClient.
func NewPrometheusMetricsClient(namespace, subsystem string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, labelNames(labels))
	counter.With(labels).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, labelNames(labels))
	gauge.With(labels).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, labelNames(labels))
	histogram.With(labels).Observe(value)
}

func (c *PrometheusMetricsClient) RecordCacheOperation(tier, operation string, hit bool, duration time.Duration) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.RecordCounter("cache_operations_total", 1, map[string]string{"tier": tier, "operation": operation, "result": result})
	c.RecordHistogram("cache_operation_duration_seconds", duration.Seconds(), map[string]string{"tier": tier, "operation": operation})
}

func (c *PrometheusMetricsClient) RecordOperation(component, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	c.RecordCounter("component_operations_total", 1, map[string]string{"component": component, "operation": operation, "status": status})
	c.RecordHistogram("component_operation_duration_seconds", duration.Seconds(), map[string]string{"component": component, "operation": operation})
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if v, ok := c.counters[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[name]; ok {
		return v
	}
	v := promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      fmt.Sprintf("Counter for %s", name),
	}, labels)
	c.counters[name] = v
	return v
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if v, ok := c.gauges[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.gauges[name]; ok {
		return v
	}
	v := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      fmt.Sprintf("Gauge for %s", name),
	}, labels)
	c.gauges[name] = v
	return v
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, labels []string) *prometheus.HistogramVec {
	c.mu.RLock()
	if v, ok := c.histograms[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.histograms[name]; ok {
		return v
	}
	v := promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      fmt.Sprintf("Histogram for %s", name),
		Buckets:   prometheus.DefBuckets,
	}, labels)
	c.histograms[name] = v
	return v
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}
