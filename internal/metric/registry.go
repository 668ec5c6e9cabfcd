// Package metric wraps Prometheus registration with duplicate-registration
// guards and the runtime's own ClassifiedError reporting, so every
// component registers metrics through one shared surface instead of
// talking to a *prometheus.Registry directly.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/src/internal/errors"
)

// Registrar defines the interface for registering service-specific metrics.
// Components depend on this narrow interface rather than *Registry so they
// can be tested against a fake.
type Registrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(serviceName, metricName string) bool
}

// Registry manages the registration and lifecycle of metrics for the whole
// runtime process.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with core platform metrics and
// the Go/process collectors already registered.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry, e.g. for
// mounting an HTTP exposition handler.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics.
func (r *Registry) CoreMetrics() *Metrics {
	return r.Metrics
}

// RegisterCounter registers a counter metric for a service.
func (r *Registry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(serviceName, metricName, counter, "RegisterCounter")
}

// RegisterGauge registers a gauge metric for a service.
func (r *Registry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(serviceName, metricName, gauge, "RegisterGauge")
}

// RegisterHistogram registers a histogram metric for a service.
func (r *Registry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(serviceName, metricName, histogram, "RegisterHistogram")
}

// RegisterCounterVec registers a counter vector metric for a service.
func (r *Registry) RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(serviceName, metricName, counterVec, "RegisterCounterVec")
}

// RegisterGaugeVec registers a gauge vector metric for a service.
func (r *Registry) RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(serviceName, metricName, gaugeVec, "RegisterGaugeVec")
}

// RegisterHistogramVec registers a histogram vector metric for a service.
func (r *Registry) RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(serviceName, metricName, histogramVec, "RegisterHistogramVec")
}

// register is the shared dup-check + Prometheus-register path. Must be
// called with r.mu held.
func (r *Registry) register(serviceName, metricName string, collector prometheus.Collector, method string) error {
	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", metricName, serviceName),
			"metric.Registry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "metric.Registry", method,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "metric.Registry", method,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes a metric from the registry.
func (r *Registry) Unregister(serviceName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}

// registerCoreMetrics registers all core platform metrics.
func (r *Registry) registerCoreMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.ServiceStatus,
		r.Metrics.MessagesReceived,
		r.Metrics.MessagesProcessed,
		r.Metrics.MessagesPublished,
		r.Metrics.ProcessingDuration,
		r.Metrics.ErrorsTotal,
		r.Metrics.HealthCheckStatus,
		r.Metrics.BusConnected,
		r.Metrics.BusRTT,
		r.Metrics.BusReconnects,
		r.Metrics.BusCircuitBreaker,
	)
}
