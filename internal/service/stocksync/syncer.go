// Package stocksync применяет события списания к долговременному остатку.
// Повторная доставка одного и того же токена не списывает остаток второй раз
// в пределах окна дедупликации (см. domain.DefaultMarkerTTL).
package stocksync

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
)

// Options задает параметры Syncer.
type Options struct {
	Logger    *log.Entry
	Metrics   *metrics.SagaMetrics
	MarkerTTL time.Duration
}

// Option настраивает Syncer.
type Option func(*Options)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithMarkerTTL задает окно дедупликации.
func WithMarkerTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.MarkerTTL = ttl
	}
}

// Syncer - идемпотентный потребитель событий списания.
type Syncer struct {
	stock     domain.StockRepository
	counter   domain.CounterStore
	logger    *log.Entry
	metrics   *metrics.SagaMetrics
	markerTTL time.Duration
}

// New создает Syncer. counter используется только для быстрых маркеров
// и может быть nil: тогда дедупликация целиком на stock.
func New(stock domain.StockRepository, counter domain.CounterStore, options ...Option) *Syncer {
	opts := Options{MarkerTTL: domain.DefaultMarkerTTL}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "stock-sync")
	}
	if opts.MarkerTTL <= 0 {
		opts.MarkerTTL = domain.DefaultMarkerTTL
	}

	return &Syncer{
		stock:     stock,
		counter:   counter,
		logger:    logger,
		metrics:   opts.Metrics,
		markerTTL: opts.MarkerTTL,
	}
}

// OnDeliver применяет событие ровно один раз на токен.
func (s *Syncer) OnDeliver(ctx context.Context, event domain.StockDecreaseEvent) domain.SyncResult {
	token, err := event.IdempotencyToken()
	if err != nil {
		return s.finish(domain.Failed("", err), event.ProductID)
	}
	if event.ProductID <= 0 {
		return s.finish(domain.Failed(token, domain.ErrProductIDInvalid), event.ProductID)
	}
	return s.apply(ctx, token, event.ProductID)
}

// SyncDecrement списывает единицу остатка по токену вызывающего.
func (s *Syncer) SyncDecrement(ctx context.Context, productID int64, token string) domain.SyncResult {
	token = strings.TrimSpace(token)
	if token == "" {
		return s.finish(domain.Failed("", domain.ErrTokenRequired), productID)
	}
	if productID <= 0 {
		return s.finish(domain.Failed(token, domain.ErrProductIDInvalid), productID)
	}
	return s.apply(ctx, token, productID)
}

func (s *Syncer) apply(ctx context.Context, token string, productID int64) domain.SyncResult {
	if s.markerExists(ctx, token) {
		return s.finish(domain.Duplicate(token), productID)
	}

	applied, err := s.stock.ApplyDecrement(ctx, token, productID, s.markerTTL)
	if err != nil {
		return s.finish(domain.Failed(token, fmt.Errorf("apply decrement: %w", err)), productID)
	}
	if !applied {
		s.writeMarker(ctx, token)
		return s.finish(domain.Duplicate(token), productID)
	}

	s.writeMarker(ctx, token)
	return s.finish(domain.Applied(token), productID)
}

func (s *Syncer) markerExists(ctx context.Context, token string) bool {
	if s.counter == nil {
		return false
	}
	exists, err := s.counter.Exists(ctx, domain.MarkerKey(token))
	if err != nil {
		// Маркер только ускоряет ответ: решает долговременный токен.
		s.logger.WithError(err).WithField("token", token).Warn("marker lookup failed")
		return false
	}
	return exists
}

func (s *Syncer) writeMarker(ctx context.Context, token string) {
	if s.counter == nil {
		return
	}
	if err := s.counter.SetWithTTL(context.WithoutCancel(ctx), domain.MarkerKey(token), "1", s.markerTTL); err != nil {
		s.logger.WithError(err).WithField("token", token).Warn("failed to write decrease marker")
	}
}

func (s *Syncer) finish(result domain.SyncResult, productID int64) domain.SyncResult {
	if s.metrics != nil {
		s.metrics.RecordSyncOutcome(string(result.Outcome), result.Retryable)
	}

	entry := s.logger.WithFields(log.Fields{
		"product_id": productID,
		"token":      result.Token,
		"outcome":    string(result.Outcome),
	})
	switch {
	case result.Outcome == domain.SyncFailed && result.Retryable:
		entry.WithError(result.Err).Warn("stock decrement failed, will be retried")
	case result.Outcome == domain.SyncFailed:
		entry.WithError(result.Err).Error("stock decrement rejected")
	case result.Outcome == domain.SyncDuplicate:
		entry.Debug("duplicate delivery skipped")
	default:
		entry.Info("stock decremented")
	}
	return result
}

var _ domain.StockSyncer = (*Syncer)(nil)
