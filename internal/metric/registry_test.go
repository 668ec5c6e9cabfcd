package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry_RegistersCoreMetrics(t *testing.T) {
	r := NewRegistry()
	if r.CoreMetrics() == nil {
		t.Fatal("expected NewRegistry to populate CoreMetrics")
	}

	r.CoreMetrics().RecordServiceStatus("test-service", 2)

	families, err := r.PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "src_service_status" {
			found = f
			break
		}
	}
	if found == nil {
		t.Fatal("expected src_service_status to be registered and gatherable")
	}
}

func TestRegisterCounter_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "widgets_total"})

	if err := r.RegisterCounter("svc", "widgets", counter); err != nil {
		t.Fatalf("first registration should succeed, got %v", err)
	}

	dup := prometheus.NewCounter(prometheus.CounterOpts{Name: "widgets_total_dup"})
	if err := r.RegisterCounter("svc", "widgets", dup); err == nil {
		t.Error("expected registering the same service+metric name twice to fail")
	}
}

func TestUnregister_RemovesMetricAndAllowsReuse(t *testing.T) {
	r := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gadgets_total"})

	if err := r.RegisterCounter("svc", "gadgets", counter); err != nil {
		t.Fatalf("registration should succeed, got %v", err)
	}
	if !r.Unregister("svc", "gadgets") {
		t.Fatal("expected Unregister to report success for a registered metric")
	}
	if r.Unregister("svc", "gadgets") {
		t.Error("expected a second Unregister of the same key to report failure")
	}

	replacement := prometheus.NewCounter(prometheus.CounterOpts{Name: "gadgets_total_v2"})
	if err := r.RegisterCounter("svc", "gadgets", replacement); err != nil {
		t.Errorf("expected re-registration after Unregister to succeed, got %v", err)
	}
}

func TestRecordMessageProcessed_IncrementsLabeledCounter(t *testing.T) {
	m := NewMetrics()
	m.RecordMessageProcessed("svc", "runtime.heartbeat", "ok")

	value := testCounterValue(t, m.MessagesProcessed.WithLabelValues("svc", "runtime.heartbeat", "ok"))
	if value != 1 {
		t.Errorf("expected counter to be 1 after one RecordMessageProcessed call, got %v", value)
	}
}

func testCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
