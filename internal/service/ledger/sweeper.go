package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = 10 * time.Minute
	defaultSweepBatch    = 100
)

var sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stocksaga_stale_sweep_runs_total",
	Help: "Total number of stale pending sweep runs grouped by result.",
}, []string{"result"})

// Compensator возвращает зарезервированную единицу в счётчик.
type Compensator interface {
	Compensate(ctx context.Context, productID int64) error
}

// SweeperOptions задаёт параметры Sweeper.
type SweeperOptions struct {
	Logger     *log.Entry
	Metrics    *metrics.SagaMetrics
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
	Now        func() time.Time
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*SweeperOptions)

// WithSweeperLogger задаёт logger.
func WithSweeperLogger(logger *log.Entry) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Logger = logger
	}
}

// WithSweeperMetrics подключает метрики саги.
func WithSweeperMetrics(m *metrics.SagaMetrics) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Metrics = m
	}
}

// WithSweepInterval задаёт период между проходами.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Interval = interval
	}
}

// WithStaleAfter задаёт возраст, после которого Pending считается зависшим.
// Значение должно быть заметно больше таймаута локальной транзакции.
func WithStaleAfter(age time.Duration) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.StaleAfter = age
	}
}

// WithSweepBatchSize задаёт размер выборки за один проход.
func WithSweepBatchSize(size int) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.BatchSize = size
	}
}

// WithSweeperClock подменяет источник времени.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(opts *SweeperOptions) {
		opts.Now = now
	}
}

// Sweeper откатывает записи, оставшиеся в Pending без сообщения в брокере
// (например, после ошибки отправки), и компенсирует их резерв.
type Sweeper struct {
	ledger      *Ledger
	compensator Compensator
	logger      *log.Entry
	metrics     *metrics.SagaMetrics
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
	now         func() time.Time
}

// NewSweeper создаёт Sweeper.
func NewSweeper(ledger *Ledger, compensator Compensator, options ...SweeperOption) *Sweeper {
	opts := SweeperOptions{
		Interval:   defaultSweepInterval,
		StaleAfter: defaultStaleAfter,
		BatchSize:  defaultSweepBatch,
		Now:        time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "stale-pending-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSweepBatch
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Sweeper{
		ledger:      ledger,
		compensator: compensator,
		logger:      logger,
		metrics:     opts.Metrics,
		interval:    opts.Interval,
		staleAfter:  opts.StaleAfter,
		batchSize:   opts.BatchSize,
		now:         opts.Now,
	}
}

// Run выполняет проходы до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.ledger == nil || s.compensator == nil {
		s.logger.Warn("stale pending sweeper is disabled: ledger or compensator is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce откатывает одну порцию зависших записей и возвращает
// число записей, которые откатил именно этот проход.
func (s *Sweeper) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	olderThan := s.now().UTC().Add(-s.staleAfter)
	stale, err := s.ledger.repo.ListStalePending(ctx, olderThan, s.batchSize)
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		s.logger.WithError(err).Warn("failed to list stale pending stock logs")
		return 0
	}

	swept := 0
	for _, record := range stale {
		if ctx.Err() != nil {
			break
		}

		changed, err := s.ledger.MarkRolledBack(ctx, record.ID)
		if err != nil {
			s.logger.WithError(err).WithField("stock_log_id", record.ID).Warn("failed to roll back stale stock log")
			continue
		}
		if !changed {
			// Запись закрыл кто-то другой между выборкой и переходом.
			continue
		}

		if err := s.compensator.Compensate(ctx, record.ProductID); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"stock_log_id": record.ID,
				"product_id":   record.ProductID,
			}).Error("stale stock log rolled back but compensation failed")
		}
		swept++
	}

	sweepRunsTotal.WithLabelValues("ok").Inc()
	if s.metrics != nil {
		s.metrics.RecordStaleSwept(swept)
	}
	if swept > 0 {
		s.logger.WithField("swept", swept).Warn("stale pending stock logs rolled back")
	}
	return swept
}
