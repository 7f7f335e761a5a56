package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, collector prometheus.Collector) float64 {
	t.Helper()

	metric := &dto.Metric{}
	switch c := collector.(type) {
	case prometheus.Counter:
		if err := c.Write(metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
	default:
		t.Fatalf("unexpected collector type %T", collector)
	}
	return metric.Counter.GetValue()
}

func TestNewSagaMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewSagaMetricsWithRegisterer(reg)

	if metrics.reservations == nil || metrics.compensations == nil || metrics.decisions == nil {
		t.Fatal("saga counters should not be nil")
	}
	if metrics.checkbacks == nil || metrics.syncOutcomes == nil || metrics.staleSwept == nil {
		t.Fatal("recovery counters should not be nil")
	}
	if metrics.sagaDuration == nil || metrics.stepDuration == nil || metrics.activeSagas == nil {
		t.Fatal("duration metrics should not be nil")
	}

	again := NewSagaMetricsWithRegisterer(reg)
	metrics.RecordCompensation()
	again.RecordCompensation()

	if got := counterValue(t, metrics.compensations); got != 2.0 {
		t.Fatalf("re-registration must share collectors, got %f", got)
	}
}

func TestRecordReservationAndDecisions(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordReservation(ReservationDecremented)
	metrics.RecordReservation(ReservationDecremented)
	metrics.RecordReservation(ReservationOutOfStock)
	metrics.RecordDecision("commit")
	metrics.RecordCheckback("unknown")
	metrics.RecordCheckback("unknown")

	if got := counterValue(t, metrics.reservations.WithLabelValues(ReservationDecremented)); got != 2.0 {
		t.Errorf("expected 2 decremented reservations, got %f", got)
	}
	if got := counterValue(t, metrics.reservations.WithLabelValues(ReservationOutOfStock)); got != 1.0 {
		t.Errorf("expected 1 out of stock reservation, got %f", got)
	}
	if got := counterValue(t, metrics.decisions.WithLabelValues("commit")); got != 1.0 {
		t.Errorf("expected 1 commit decision, got %f", got)
	}
	if got := counterValue(t, metrics.checkbacks.WithLabelValues("unknown")); got != 2.0 {
		t.Errorf("expected 2 unknown check-backs, got %f", got)
	}
}

func TestRecordSyncOutcome(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordSyncOutcome("applied", false)
	metrics.RecordSyncOutcome("failed", true)
	metrics.RecordSyncOutcome("failed", true)

	if got := counterValue(t, metrics.syncOutcomes.WithLabelValues("failed", "true")); got != 2.0 {
		t.Errorf("expected 2 retryable failures, got %f", got)
	}
	if got := counterValue(t, metrics.syncOutcomes.WithLabelValues("applied", "false")); got != 1.0 {
		t.Errorf("expected 1 applied outcome, got %f", got)
	}
}

func TestRecordStaleSwept_IgnoresZero(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordStaleSwept(0)
	metrics.RecordStaleSwept(3)

	if got := counterValue(t, metrics.staleSwept); got != 3.0 {
		t.Errorf("expected 3 swept rows, got %f", got)
	}
}

func TestRecordSagaDuration(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordSagaDuration("created", 100*time.Millisecond)
	metrics.RecordSagaDuration("created", 500*time.Millisecond)
	metrics.RecordSagaDuration("created", 1*time.Second)

	metric := &dto.Metric{}
	observer := metrics.sagaDuration.WithLabelValues("created")
	if err := observer.(prometheus.Histogram).Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}

	if metric.Histogram.GetSampleCount() != 3 {
		t.Errorf("expected 3 samples, got %d", metric.Histogram.GetSampleCount())
	}

	sum := metric.Histogram.GetSampleSum()
	if sum < 1.5 || sum > 1.7 {
		t.Errorf("expected sum around 1.6, got %f", sum)
	}
}

func TestSagaLifecycle(t *testing.T) {
	metrics := NewSagaMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordSagaInFlightStarted()
	metrics.RecordSagaInFlightStarted()
	metrics.RecordSagaInFlightFinished()
	metrics.RecordStepDuration("reserve", 5*time.Millisecond)

	gaugeMetric := &dto.Metric{}
	if err := metrics.activeSagas.Write(gaugeMetric); err != nil {
		t.Fatalf("failed to write gauge: %v", err)
	}
	if gaugeMetric.Gauge.GetValue() != 1.0 {
		t.Errorf("expected active sagas 1.0, got %f", gaugeMetric.Gauge.GetValue())
	}
}
