// ABOUTME: Prometheus collectors for discovery, attachment, registration, and command traffic.
// ABOUTME: A private registry backs the controller's /metrics endpoint; a nil *Collector is a no-op.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "burrow"

// Collector owns the controller's metrics.
type Collector struct {
	// Attachment metrics
	attachOutcomes  *prometheus.CounterVec
	attachAttempts  prometheus.Counter
	attachDuration  *prometheus.HistogramVec
	queueRejections prometheus.Counter
	queueDepth      prometheus.Gauge

	// Connection metrics
	connections   prometheus.Gauge
	registrations *prometheus.CounterVec
	commandCalls  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a collector with its own registry. Go runtime and process
// collectors are registered alongside.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.attachOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attach_outcomes_total",
			Help:      "Terminal attachment outcomes by kind",
		},
		[]string{"outcome"},
	)

	c.attachAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attach_attempts_total",
			Help:      "Strategy executions, including retries",
		},
	)

	c.attachDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "attach_duration_seconds",
			Help:      "Time from enqueue to terminal outcome",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	c.queueRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "attach_queue_rejections_total",
			Help:      "Attempts rejected because the worker queue was full",
		},
	)

	c.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "attach_queue_depth",
			Help:      "Attempts waiting for a worker",
		},
	)

	c.connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connections",
			Help:      "Registered agent command channels",
		},
	)

	c.registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "registrations_total",
			Help:      "Agent registration callbacks by result",
		},
		[]string{"result"},
	)

	c.commandCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "command_calls_total",
			Help:      "Commands sent over the command channel",
		},
		[]string{"command", "status"},
	)

	c.registry.MustRegister(
		c.attachOutcomes,
		c.attachAttempts,
		c.attachDuration,
		c.queueRejections,
		c.queueDepth,
		c.connections,
		c.registrations,
		c.commandCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry for gathering.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// TrackInstances registers a gauge sampled from fn at scrape time.
func (c *Collector) TrackInstances(fn func() int) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "runtime_instances",
			Help:      "Runtime instances currently known to the registry",
		},
		func() float64 { return float64(fn()) },
	))
}

// AttachOutcome records a terminal outcome and the time it took.
func (c *Collector) AttachOutcome(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.attachOutcomes.WithLabelValues(outcome).Inc()
	c.attachDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// AttachAttempt counts one strategy execution.
func (c *Collector) AttachAttempt() {
	if c == nil {
		return
	}
	c.attachAttempts.Inc()
}

// QueueRejected counts one backpressure rejection.
func (c *Collector) QueueRejected() {
	if c == nil {
		return
	}
	c.queueRejections.Inc()
}

// QueueDepth sets the number of waiting attempts.
func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// Connections sets the number of registered channels.
func (c *Collector) Connections(n int) {
	if c == nil {
		return
	}
	c.connections.Set(float64(n))
}

// Registration counts one registration callback.
func (c *Collector) Registration(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

// CommandCall counts one command channel request.
func (c *Collector) CommandCall(command string, ok bool) {
	if c == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	c.commandCalls.WithLabelValues(command, status).Inc()
}
