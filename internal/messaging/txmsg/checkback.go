package txmsg

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const (
	defaultCheckInterval   = 5 * time.Second
	defaultMaxChecks       = 15
	defaultCheckBaseDelay  = 5 * time.Second
	defaultCheckBackoffCap = 5 * time.Minute
	defaultCheckBatchSize  = 100
)

var (
	checkbackResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksaga_checkback_results_total",
		Help: "Total number of check-back calls grouped by decision.",
	}, []string{"decision"})
	checkbackEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksaga_checkback_escalations_total",
		Help: "Total number of prepared messages escalated for manual reconciliation.",
	})
)

// CheckbackOptions задаёт параметры check-back worker.
type CheckbackOptions struct {
	Logger     *log.Entry
	Interval   time.Duration
	MaxChecks  int
	BaseDelay  time.Duration
	BackoffCap time.Duration
	BatchSize  int
	Now        func() time.Time
}

// CheckbackOption настраивает CheckbackWorker.
type CheckbackOption func(*CheckbackOptions)

// WithCheckbackLogger задаёт logger.
func WithCheckbackLogger(logger *log.Entry) CheckbackOption {
	return func(opts *CheckbackOptions) {
		opts.Logger = logger
	}
}

// WithCheckInterval задаёт частоту опроса prepared-сообщений.
func WithCheckInterval(interval time.Duration) CheckbackOption {
	return func(opts *CheckbackOptions) {
		opts.Interval = interval
	}
}

// WithMaxChecks задаёт число Unknown-ответов до эскалации.
func WithMaxChecks(maxChecks int) CheckbackOption {
	return func(opts *CheckbackOptions) {
		opts.MaxChecks = maxChecks
	}
}

// WithCheckBackoff задаёт базовую задержку и её верхнюю границу.
func WithCheckBackoff(base, limit time.Duration) CheckbackOption {
	return func(opts *CheckbackOptions) {
		opts.BaseDelay = base
		opts.BackoffCap = limit
	}
}

// WithCheckBatchSize задаёт размер выборки.
func WithCheckBatchSize(size int) CheckbackOption {
	return func(opts *CheckbackOptions) {
		opts.BatchSize = size
	}
}

// WithCheckbackClock подменяет источник времени.
func WithCheckbackClock(now func() time.Time) CheckbackOption {
	return func(opts *CheckbackOptions) {
		opts.Now = now
	}
}

// CheckbackWorker опрашивает производителя о prepared-сообщениях, решение
// по которым не дошло до брокера.
type CheckbackWorker struct {
	repo       domain.HalfMessageRepository
	listener   domain.TransactionListener
	logger     *log.Entry
	interval   time.Duration
	maxChecks  int
	baseDelay  time.Duration
	backoffCap time.Duration
	batchSize  int
	now        func() time.Time
}

// NewCheckbackWorker создаёт check-back worker.
func NewCheckbackWorker(repo domain.HalfMessageRepository, listener domain.TransactionListener, options ...CheckbackOption) *CheckbackWorker {
	opts := CheckbackOptions{
		Interval:   defaultCheckInterval,
		MaxChecks:  defaultMaxChecks,
		BaseDelay:  defaultCheckBaseDelay,
		BackoffCap: defaultCheckBackoffCap,
		BatchSize:  defaultCheckBatchSize,
		Now:        time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "txmsg-checkback")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCheckInterval
	}
	if opts.MaxChecks <= 0 {
		opts.MaxChecks = defaultMaxChecks
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultCheckBaseDelay
	}
	if opts.BackoffCap < opts.BaseDelay {
		opts.BackoffCap = opts.BaseDelay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCheckBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &CheckbackWorker{
		repo:       repo,
		listener:   listener,
		logger:     logger,
		interval:   opts.Interval,
		maxChecks:  opts.MaxChecks,
		baseDelay:  opts.BaseDelay,
		backoffCap: opts.BackoffCap,
		batchSize:  opts.BatchSize,
		now:        opts.Now,
	}
}

// Run опрашивает prepared-сообщения до отмены ctx.
func (w *CheckbackWorker) Run(ctx context.Context) {
	if w.repo == nil || w.listener == nil {
		w.logger.Warn("check-back worker is disabled: repo or listener is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce проверяет все сообщения, у которых подошло время проверки.
func (w *CheckbackWorker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := w.now().UTC()
	due, err := w.repo.DueForCheck(ctx, now, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to select messages for check-back")
		return
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			return
		}
		w.check(ctx, msg, now)
	}
}

func (w *CheckbackWorker) check(ctx context.Context, msg domain.HalfMessage, now time.Time) {
	decision := w.listener.CheckStatus(ctx, msg)
	checkbackResults.WithLabelValues(string(decision)).Inc()

	entry := w.logger.WithFields(log.Fields{
		"message_id":  msg.ID,
		"key":         msg.Key,
		"check_count": msg.CheckCount + 1,
	})

	switch decision {
	case domain.DecisionCommit, domain.DecisionRollback:
		if err := w.repo.Resolve(ctx, msg.ID, decision); err != nil {
			entry.WithError(err).Warn("failed to apply check-back decision")
			return
		}
		entry.WithField("decision", string(decision)).Info("check-back resolved message")
		return
	}

	checks := msg.CheckCount + 1
	if checks >= w.maxChecks {
		if err := w.repo.Escalate(ctx, msg.ID); err != nil {
			entry.WithError(err).Warn("failed to escalate message")
			return
		}
		checkbackEscalations.Inc()
		entry.Error("check-back attempts exhausted, message escalated for manual reconciliation")
		return
	}

	next := now.Add(exponentialBackoff(w.baseDelay, checks, w.backoffCap))
	if err := w.repo.ScheduleCheck(ctx, msg.ID, checks, next); err != nil {
		entry.WithError(err).Warn("failed to schedule next check-back")
		return
	}
	entry.WithField("next_check_at", next).Debug("transaction state unknown, check-back rescheduled")
}
