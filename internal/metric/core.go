package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level (not handler-specific) metrics shared
// across every component of the runtime.
type Metrics struct {
	// Service metrics
	ServiceStatus      *prometheus.GaugeVec
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec

	// Bus metrics
	BusConnected      prometheus.Gauge
	BusRTT            prometheus.Gauge
	BusReconnects     prometheus.Counter
	BusCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "src",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"service"},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "src",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"service", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "src",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"service", "type", "status"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "src",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"service", "subject"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "src",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "src",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "src",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "src",
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Bus connection status (0=disconnected, 1=connected)",
			},
		),

		BusRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "src",
				Subsystem: "bus",
				Name:      "rtt_milliseconds",
				Help:      "Bus round-trip time in milliseconds",
			},
		),

		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "src",
				Subsystem: "bus",
				Name:      "reconnects_total",
				Help:      "Total number of bus reconnections",
			},
		),

		BusCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "src",
				Subsystem: "bus",
				Name:      "circuit_breaker",
				Help:      "Bus circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

// RecordServiceStatus updates the service status metric.
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordMessageReceived increments the received message counter.
func (c *Metrics) RecordMessageReceived(service, messageType string) {
	c.MessagesReceived.WithLabelValues(service, messageType).Inc()
}

// RecordMessageProcessed increments the processed message counter.
func (c *Metrics) RecordMessageProcessed(service, messageType, status string) {
	c.MessagesProcessed.WithLabelValues(service, messageType, status).Inc()
}

// RecordMessagePublished increments the published message counter.
func (c *Metrics) RecordMessagePublished(service, subject string) {
	c.MessagesPublished.WithLabelValues(service, subject).Inc()
}

// RecordProcessingDuration records handler/task processing time.
func (c *Metrics) RecordProcessingDuration(service, operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordError increments the error counter.
func (c *Metrics) RecordError(service, errorType string) {
	c.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus updates the health check status gauge.
func (c *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordBusStatus updates the bus connection status gauge.
func (c *Metrics) RecordBusStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BusConnected.Set(value)
}

// RecordBusRTT updates the bus round-trip time gauge.
func (c *Metrics) RecordBusRTT(rtt time.Duration) {
	c.BusRTT.Set(float64(rtt.Milliseconds()))
}

// RecordBusReconnect increments the reconnection counter.
func (c *Metrics) RecordBusReconnect() {
	c.BusReconnects.Inc()
}

// RecordCircuitBreakerState updates the circuit breaker status gauge.
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.BusCircuitBreaker.Set(float64(state))
}
