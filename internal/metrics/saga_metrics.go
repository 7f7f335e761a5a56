package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result для резервирования.
const (
	ReservationDecremented = "decremented"
	ReservationOutOfStock  = "out_of_stock"
	ReservationKnownEmpty  = "known_empty"
	ReservationError       = "error"
)

// SagaMetrics содержит метрики саги списания остатка.
type SagaMetrics struct {
	// Счётчики шагов саги
	reservations  *prometheus.CounterVec
	compensations prometheus.Counter
	decisions     *prometheus.CounterVec
	checkbacks    *prometheus.CounterVec
	syncOutcomes  *prometheus.CounterVec
	staleSwept    prometheus.Counter

	// Гистограммы времени выполнения
	sagaDuration *prometheus.HistogramVec
	stepDuration *prometheus.HistogramVec

	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики в заданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "stocksaga_reservations_total",
			Help: "Total number of counter reservations grouped by result",
		}, []string{"result"}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "stocksaga_compensations_total",
			Help: "Total number of counter compensations",
		}),
		decisions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "stocksaga_local_transaction_decisions_total",
			Help: "Total number of local transaction decisions",
		}, []string{"decision"}),
		checkbacks: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "stocksaga_checkbacks_total",
			Help: "Total number of check-back answers grouped by decision",
		}, []string{"decision"}),
		syncOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "stocksaga_sync_outcomes_total",
			Help: "Total number of durable decrement deliveries grouped by outcome",
		}, []string{"outcome", "retryable"}),
		staleSwept: registerCounter(registerer, prometheus.CounterOpts{
			Name: "stocksaga_stale_pending_swept_total",
			Help: "Total number of stale pending stock logs rolled back by the sweeper",
		}),
		sagaDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "stocksaga_saga_duration_seconds",
			Help:    "Duration of reserve-and-order sagas in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "stocksaga_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "stocksaga_active_sagas",
			Help: "Number of currently active sagas",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordReservation учитывает попытку резервирования.
func (m *SagaMetrics) RecordReservation(result string) {
	m.reservations.WithLabelValues(result).Inc()
}

// RecordCompensation учитывает возврат единицы в счётчик.
func (m *SagaMetrics) RecordCompensation() {
	m.compensations.Inc()
}

// RecordDecision учитывает решение локальной транзакции.
func (m *SagaMetrics) RecordDecision(decision string) {
	m.decisions.WithLabelValues(decision).Inc()
}

// RecordCheckback учитывает ответ на check-back.
func (m *SagaMetrics) RecordCheckback(decision string) {
	m.checkbacks.WithLabelValues(decision).Inc()
}

// RecordSyncOutcome учитывает результат доставки события списания.
func (m *SagaMetrics) RecordSyncOutcome(outcome string, retryable bool) {
	flag := "false"
	if retryable {
		flag = "true"
	}
	m.syncOutcomes.WithLabelValues(outcome, flag).Inc()
}

// RecordStaleSwept увеличивает счётчик откатанных зависших записей.
func (m *SagaMetrics) RecordStaleSwept(count int) {
	if count > 0 {
		m.staleSwept.Add(float64(count))
	}
}

// RecordSagaInFlightStarted увеличивает количество активных саг.
func (m *SagaMetrics) RecordSagaInFlightStarted() {
	m.activeSagas.Inc()
}

// RecordSagaInFlightFinished уменьшает количество активных саг.
func (m *SagaMetrics) RecordSagaInFlightFinished() {
	m.activeSagas.Dec()
}

// RecordSagaDuration записывает время выполнения саги с итоговым статусом.
func (m *SagaMetrics) RecordSagaDuration(status string, duration time.Duration) {
	m.sagaDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}
