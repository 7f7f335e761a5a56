package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	tokenCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksaga_applied_token_cleanup_runs_total",
		Help: "Total number of applied token cleanup runs grouped by result.",
	}, []string{"result"})
	tokenCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocksaga_applied_token_cleanup_deleted_total",
		Help: "Total number of deleted expired applied tokens.",
	})
	tokenCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksaga_applied_token_cleanup_last_deleted",
		Help: "Number of applied tokens deleted during the last cleanup run.",
	})
	tokenDedupHorizon = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksaga_applied_token_dedup_horizon_timestamp_seconds",
		Help: "Stock decrements applied before this unix time are no longer protected against redelivery.",
	})
)

// CleanupOptions задает параметры воркера очистки применённых токенов.
type CleanupOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
	// TokenTTL - TTL, с которым StockSyncer записывает токены.
	TokenTTL time.Duration
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между cleanup-циклами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задает размер batch для одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// WithTokenTTL задает TTL токенов, с которым они были записаны.
func WithTokenTTL(ttl time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.TokenTTL = ttl
	}
}

// CleanupWorker периодически удаляет просроченные токены списаний.
// Окно дедупликации ограничено TTL токена (domain.DefaultMarkerTTL): после
// удаления токена повторная доставка того же события снова спишет остаток.
type CleanupWorker struct {
	repo      domain.AppliedTokenRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	tokenTTL  time.Duration
}

// NewCleanupWorker создает воркер очистки токенов.
func NewCleanupWorker(repo domain.AppliedTokenRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
		TokenTTL:  domain.DefaultMarkerTTL,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "applied-token-cleanup")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = domain.DefaultMarkerTTL
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		tokenTTL:  opts.TokenTTL,
	}
}

// RedeliveryHorizon возвращает момент применения, раньше которого списания
// после очистки на before уже не защищены от повторной доставки: токен
// живёт tokenTTL с момента списания.
func (w *CleanupWorker) RedeliveryHorizon(before time.Time) time.Time {
	return before.Add(-w.tokenTTL)
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("applied token cleanup is disabled: repo is nil")
		return
	}

	w.cleanup(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx, time.Now().UTC())
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context, before time.Time) {
	deleted, err := w.DeleteExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		tokenCleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("applied token cleanup run failed")
		return
	}

	horizon := w.RedeliveryHorizon(before)
	tokenCleanupRunsTotal.WithLabelValues("ok").Inc()
	tokenCleanupLastDeleted.Set(float64(deleted))
	tokenDedupHorizon.Set(float64(horizon.Unix()))
	if deleted > 0 {
		w.logger.WithFields(log.Fields{
			"deleted":            deleted,
			"ttl_at_cutoff":      before.Format(time.RFC3339),
			"redelivery_horizon": horizon.Format(time.RFC3339),
			"dedup_window":       w.tokenTTL.String(),
		}).Info("applied token cleanup completed")
	}
}

// DeleteExpired удаляет все токены с ttl_at <= before порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			tokenCleanupDeletedTotal.Add(float64(deleted))
		}

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
