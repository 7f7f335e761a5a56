package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
)

const (
	stockKeyPrefix      = "product_stock_"
	knownEmptyKeyPrefix = "product_stock_invalid_"

	defaultKnownEmptyTTL = time.Minute
)

// StockKey возвращает ключ счётчика остатка товара.
func StockKey(productID int64) string {
	return stockKeyPrefix + strconv.FormatInt(productID, 10)
}

// KnownEmptyKey возвращает ключ маркера «товар закончился».
func KnownEmptyKey(productID int64) string {
	return knownEmptyKeyPrefix + strconv.FormatInt(productID, 10)
}

// Options задает параметры сервиса резервирования.
type Options struct {
	Logger        *log.Entry
	Metrics       *metrics.SagaMetrics
	Stock         domain.StockRepository
	KnownEmptyTTL time.Duration
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики саги.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// WithStockRepository задает источник остатков для Preheat.
func WithStockRepository(stock domain.StockRepository) Option {
	return func(opts *Options) {
		opts.Stock = stock
	}
}

// WithKnownEmptyTTL задает время жизни маркера «товар закончился».
func WithKnownEmptyTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.KnownEmptyTTL = ttl
	}
}

// Service резервирует единицы остатка в счётчике и возвращает их при компенсации.
// Все гарантии против перепродажи держатся на атомарном DecrementIfPositive
// хранилища: процесс не хранит собственных блокировок.
type Service struct {
	counter       domain.CounterStore
	stock         domain.StockRepository
	logger        *log.Entry
	metrics       *metrics.SagaMetrics
	knownEmptyTTL time.Duration
}

// NewService создает сервис резервирования поверх counter.
func NewService(counter domain.CounterStore, options ...Option) *Service {
	opts := Options{KnownEmptyTTL: defaultKnownEmptyTTL}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "reservation")
	}
	if opts.KnownEmptyTTL <= 0 {
		opts.KnownEmptyTTL = defaultKnownEmptyTTL
	}

	return &Service{
		counter:       counter,
		stock:         opts.Stock,
		logger:        logger,
		metrics:       opts.Metrics,
		knownEmptyTTL: opts.KnownEmptyTTL,
	}
}

// KnownEmpty сообщает, выставлен ли маркер «товар закончился».
func (s *Service) KnownEmpty(ctx context.Context, productID int64) (bool, error) {
	exists, err := s.counter.Exists(ctx, KnownEmptyKey(productID))
	if err != nil {
		return false, fmt.Errorf("check known-empty marker: %w", err)
	}
	return exists, nil
}

// TryReserve атомарно уменьшает счётчик товара на 1 и возвращает остаток.
// Пустой счётчик даёт domain.ErrOutOfStock и выставляет маркер.
func (s *Service) TryReserve(ctx context.Context, productID int64) (int64, error) {
	if productID <= 0 {
		return 0, domain.ErrProductIDInvalid
	}

	remaining, err := s.counter.DecrementIfPositive(ctx, StockKey(productID))
	if err != nil {
		s.record(metrics.ReservationError)
		return 0, fmt.Errorf("reserve product %d: %w", productID, err)
	}
	if remaining < 0 {
		s.record(metrics.ReservationOutOfStock)
		s.markKnownEmpty(ctx, productID)
		return 0, domain.ErrOutOfStock
	}

	s.record(metrics.ReservationDecremented)
	return remaining, nil
}

// Compensate возвращает одну единицу в счётчик и снимает маркер.
// Вызывающий отвечает за то, чтобы компенсация выполнялась один раз на резерв.
func (s *Service) Compensate(ctx context.Context, productID int64) error {
	if _, err := s.counter.Increment(ctx, StockKey(productID)); err != nil {
		s.logger.WithError(err).WithField("product_id", productID).Error("compensation failed")
		return fmt.Errorf("compensate product %d: %w", productID, err)
	}
	if s.metrics != nil {
		s.metrics.RecordCompensation()
	}

	if err := s.counter.Delete(ctx, KnownEmptyKey(productID)); err != nil {
		s.logger.WithError(err).WithField("product_id", productID).Warn("failed to clear known-empty marker")
	}
	return nil
}

// Preheat загружает остаток из долговременного хранилища в счётчик, если
// счётчика ещё нет. Живой счётчик уже учитывает резервы в полёте, поэтому
// он не перезаписывается; возвращается его текущее значение.
func (s *Service) Preheat(ctx context.Context, productID int64) (int64, error) {
	if productID <= 0 {
		return 0, domain.ErrProductIDInvalid
	}
	if s.stock == nil {
		return 0, errors.New("preheat: stock repository is not configured")
	}

	stock, err := s.stock.Get(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("preheat product %d: %w", productID, err)
	}
	loaded, err := s.counter.SetIfAbsent(ctx, StockKey(productID), stock.StockNum)
	if err != nil {
		return 0, fmt.Errorf("preheat product %d: %w", productID, err)
	}

	current := stock.StockNum
	if !loaded {
		current, err = s.counter.Get(ctx, StockKey(productID))
		if err != nil {
			return 0, fmt.Errorf("preheat product %d: %w", productID, err)
		}
	}
	if current > 0 {
		if err := s.counter.Delete(ctx, KnownEmptyKey(productID)); err != nil {
			return 0, fmt.Errorf("preheat product %d: clear marker: %w", productID, err)
		}
	}

	s.logger.WithFields(log.Fields{
		"product_id": productID,
		"stock_num":  stock.StockNum,
		"counter":    current,
		"loaded":     loaded,
	}).Info("counter preheated")
	return current, nil
}

// Remaining возвращает текущее значение счётчика.
func (s *Service) Remaining(ctx context.Context, productID int64) (int64, error) {
	return s.counter.Get(ctx, StockKey(productID))
}

// markKnownEmpty выставляет маркер и перепроверяет счётчик: компенсация,
// прошедшая между неудачным списанием и записью маркера, не должна
// оставить товар «закончившимся» при ненулевом счётчике.
func (s *Service) markKnownEmpty(ctx context.Context, productID int64) {
	entry := s.logger.WithField("product_id", productID)
	if err := s.counter.SetWithTTL(ctx, KnownEmptyKey(productID), "1", s.knownEmptyTTL); err != nil {
		entry.WithError(err).Warn("failed to set known-empty marker")
		return
	}

	remaining, err := s.counter.Get(ctx, StockKey(productID))
	if err != nil {
		entry.WithError(err).Warn("failed to recheck counter after known-empty marker")
		return
	}
	if remaining > 0 {
		if err := s.counter.Delete(ctx, KnownEmptyKey(productID)); err != nil {
			entry.WithError(err).Warn("failed to clear stale known-empty marker")
		}
	}
}

func (s *Service) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordReservation(result)
	}
}
