package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "blessing"

// Collector owns the service's Prometheus registry.
type Collector struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewCollector builds a Collector with process and Go runtime collectors attached.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operations_total",
		Help:      "Guestbook store operations by operation and outcome.",
	}, []string{"operation", "outcome"})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_subscribers",
		Help:      "Active live-query subscriptions.",
	})
	registry.MustRegister(
		operations,
		subscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Collector{registry: registry, operations: operations, subscribers: subscribers}
}

// Observe counts one store operation. It satisfies blessings.OperationRecorder.
func (c *Collector) Observe(operation, outcome string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(operation, outcome).Inc()
}

// SetLiveSubscribers records the number of active subscriptions.
func (c *Collector) SetLiveSubscribers(active int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(active))
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
