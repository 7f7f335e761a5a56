package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/messaging/txmsg"
	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
)

const defaultLocalTxTimeout = 3 * time.Second

// Reserver - атомарный резерв в счётчике и его компенсация.
type Reserver interface {
	KnownEmpty(ctx context.Context, productID int64) (bool, error)
	TryReserve(ctx context.Context, productID int64) (int64, error)
	Compensate(ctx context.Context, productID int64) error
}

// StockLedger - журнал попыток списания.
type StockLedger interface {
	Create(ctx context.Context, productID, amount int64) (domain.StockLog, error)
	MarkRolledBack(ctx context.Context, id int64) (bool, error)
	Get(ctx context.Context, id int64) (domain.StockLog, error)
}

// Sender - брокер с поддержкой локальных транзакций.
type Sender interface {
	SendInTransaction(ctx context.Context, msg domain.HalfMessage, listener domain.TransactionListener) (txmsg.SendResult, error)
	Send(ctx context.Context, msg domain.HalfMessage) (domain.HalfMessage, error)
}

// Options задаёт параметры Coordinator.
type Options struct {
	Logger         *log.Entry
	Metrics        *metrics.SagaMetrics
	LocalTxTimeout time.Duration
}

// Option настраивает Coordinator.
type Option func(*Options)

// WithLogger задаёт logger.
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

// WithLocalTxTimeout ограничивает локальную транзакцию создания заказа.
func WithLocalTxTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.LocalTxTimeout = timeout
	}
}

// Coordinator проводит сагу резерв → журнал → half-сообщение → локальная
// транзакция → решение. Он же отвечает брокеру на check-back.
type Coordinator struct {
	reserver       Reserver
	ledger         StockLedger
	orders         domain.OrderStore
	sender         Sender
	logger         *log.Entry
	metrics        *metrics.SagaMetrics
	localTxTimeout time.Duration
}

// New создаёт Coordinator. Все зависимости передаются явно.
func New(reserver Reserver, ledger StockLedger, orders domain.OrderStore, sender Sender, options ...Option) *Coordinator {
	opts := Options{LocalTxTimeout: defaultLocalTxTimeout}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "coordinator")
	}
	if opts.LocalTxTimeout <= 0 {
		opts.LocalTxTimeout = defaultLocalTxTimeout
	}

	return &Coordinator{
		reserver:       reserver,
		ledger:         ledger,
		orders:         orders,
		sender:         sender,
		logger:         logger,
		metrics:        opts.Metrics,
		localTxTimeout: opts.LocalTxTimeout,
	}
}

// ReserveAndOrder резервирует единицу товара и создаёт заказ через
// транзакционное сообщение. Ошибка возвращается только вместе со статусом
// error; out_of_stock ошибкой не считается.
func (c *Coordinator) ReserveAndOrder(ctx context.Context, productID int64) (result domain.OrderResult, err error) {
	start := time.Now()
	c.sagaStarted()
	defer func() { c.sagaFinished(result.Status, time.Since(start)) }()

	result = domain.OrderResult{ProductID: productID}

	if outcome, ok, err := c.reserve(ctx, productID); !ok {
		result.Status = outcome
		return result, err
	}

	record, err := c.ledger.Create(ctx, productID, 1)
	if err != nil {
		c.logger.WithError(err).WithField("product_id", productID).Error("failed to create stock log, compensating")
		c.compensate(ctx, productID, 0)
		result.Status = domain.OrderStatusError
		return result, fmt.Errorf("create stock log: %w", err)
	}
	result.StockLogID = record.ID

	payload, err := domain.EncodeStockDecreaseEvent(domain.StockDecreaseEvent{
		ProductID:  productID,
		StockLogID: record.ID,
	})
	if err != nil {
		c.resolveUnsent(ctx, record)
		result.Status = domain.OrderStatusError
		return result, err
	}

	sendStart := time.Now()
	sent, err := c.sender.SendInTransaction(ctx, domain.HalfMessage{
		Key:     strconv.FormatInt(record.ID, 10),
		Topic:   domain.TopicStockDecrease,
		Tag:     domain.TagDecreaseStock,
		Payload: payload,
	}, c)
	c.recordStep("send_in_transaction", time.Since(sendStart))
	if err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"product_id":   productID,
			"stock_log_id": record.ID,
		}).Warn("transactional message send failed")
		result.Status = domain.OrderStatusError
		result.Warning = c.resolveUnsent(ctx, record)
		return result, nil
	}

	switch sent.Decision {
	case domain.DecisionCommit:
		order, err := c.orders.GetByStockLog(ctx, record.ID)
		if err != nil {
			// Заказ создан в локальной транзакции, не удалось только его прочитать.
			c.logger.WithError(err).WithField("stock_log_id", record.ID).Warn("order committed but lookup failed")
		}
		result.Status = domain.OrderStatusCreated
		result.OrderID = order.ID
		return result, nil
	case domain.DecisionRollback:
		result.Status = domain.OrderStatusError
		return result, fmt.Errorf("stock log %d: %w", record.ID, domain.ErrLocalTransaction)
	default:
		result.Status = domain.OrderStatusError
		result.Warning = "order outcome is pending reconciliation"
		return result, nil
	}
}

// ReserveAndSync резервирует единицу в счётчике и отправляет обычное
// событие списания с новым токеном. Заказ не создаётся.
func (c *Coordinator) ReserveAndSync(ctx context.Context, productID int64) (domain.OrderResult, error) {
	result := domain.OrderResult{ProductID: productID}

	if outcome, ok, err := c.reserve(ctx, productID); !ok {
		result.Status = outcome
		return result, err
	}

	token := uuid.NewString()
	payload, err := domain.EncodeStockDecreaseEvent(domain.StockDecreaseEvent{ProductID: productID, Token: token})
	if err != nil {
		c.compensate(ctx, productID, 0)
		result.Status = domain.OrderStatusError
		return result, err
	}

	msg, err := c.sender.Send(ctx, domain.HalfMessage{
		Key:     strconv.FormatInt(productID, 10),
		Topic:   domain.TopicStockDecrease,
		Tag:     domain.TagDecreaseStock,
		Payload: payload,
	})
	if err != nil {
		c.logger.WithError(err).WithField("product_id", productID).Warn("decrease message send failed, compensating")
		c.compensate(ctx, productID, 0)
		result.Status = domain.OrderStatusError
		return result, fmt.Errorf("send decrease message: %w", err)
	}

	result.Status = domain.OrderStatusReserved
	result.Token = token
	result.MessageID = msg.ID
	return result, nil
}

// ExecuteLocal выполняет локальную транзакцию: заказ и Committed в журнале
// одной транзакцией. При любой ошибке запись переводится в RolledBack и
// резерв компенсируется, если переход выполнил этот вызов.
func (c *Coordinator) ExecuteLocal(ctx context.Context, msg domain.HalfMessage) domain.Decision {
	event, err := domain.DecodeStockDecreaseEvent(msg.Payload)
	if err != nil || event.StockLogID <= 0 {
		c.logger.WithError(err).WithField("message_id", msg.ID).Error("cannot execute local transaction for malformed message")
		return c.decided(domain.DecisionRollback)
	}

	txStart := time.Now()
	txCtx, cancel := context.WithTimeout(ctx, c.localTxTimeout)
	order, err := c.orders.CommitReservation(txCtx, event.StockLogID)
	cancel()
	c.recordStep("local_transaction", time.Since(txStart))

	entry := c.logger.WithFields(log.Fields{
		"product_id":   event.ProductID,
		"stock_log_id": event.StockLogID,
	})
	if err == nil {
		entry.WithField("order_id", order.ID).Info("order created")
		return c.decided(domain.DecisionCommit)
	}

	entry.WithError(err).Warn("local transaction failed, rolling back")
	return c.decided(c.rollback(context.WithoutCancel(ctx), event))
}

// CheckStatus отвечает брокеру по состоянию журнала: Committed → Commit,
// RolledBack → Rollback, Pending или отсутствие записи → Unknown.
func (c *Coordinator) CheckStatus(ctx context.Context, msg domain.HalfMessage) domain.Decision {
	decision := c.checkStatus(ctx, msg)
	if c.metrics != nil {
		c.metrics.RecordCheckback(string(decision))
	}
	return decision
}

func (c *Coordinator) checkStatus(ctx context.Context, msg domain.HalfMessage) domain.Decision {
	event, err := domain.DecodeStockDecreaseEvent(msg.Payload)
	if err != nil || event.StockLogID <= 0 {
		c.logger.WithError(err).WithField("message_id", msg.ID).Warn("check-back for message without stock log")
		return domain.DecisionUnknown
	}

	record, err := c.ledger.Get(ctx, event.StockLogID)
	if err != nil {
		if !errors.Is(err, domain.ErrStockLogNotFound) {
			c.logger.WithError(err).WithField("stock_log_id", event.StockLogID).Warn("check-back ledger lookup failed")
		}
		return domain.DecisionUnknown
	}
	return record.Decision()
}

// reserve проверяет маркер и резервирует единицу. ok=false означает, что
// сага завершена со статусом outcome.
func (c *Coordinator) reserve(ctx context.Context, productID int64) (domain.OrderStatus, bool, error) {
	if productID <= 0 {
		return domain.OrderStatusError, false, domain.ErrProductIDInvalid
	}

	empty, err := c.reserver.KnownEmpty(ctx, productID)
	if err != nil {
		c.logger.WithError(err).WithField("product_id", productID).Warn("known-empty marker check failed")
	}
	if empty {
		if c.metrics != nil {
			c.metrics.RecordReservation(metrics.ReservationKnownEmpty)
		}
		return domain.OrderStatusOutOfStock, false, nil
	}

	reserveStart := time.Now()
	_, err = c.reserver.TryReserve(ctx, productID)
	c.recordStep("reserve", time.Since(reserveStart))
	switch {
	case err == nil:
		return "", true, nil
	case errors.Is(err, domain.ErrOutOfStock):
		return domain.OrderStatusOutOfStock, false, nil
	default:
		c.logger.WithError(err).WithField("product_id", productID).Error("reservation failed")
		return domain.OrderStatusError, false, err
	}
}

// rollback переводит запись в RolledBack и компенсирует резерв ровно один раз.
func (c *Coordinator) rollback(ctx context.Context, event domain.StockDecreaseEvent) domain.Decision {
	changed, err := c.ledger.MarkRolledBack(ctx, event.StockLogID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStatusTransition) {
			// Запись уже Committed: транзакция успела зафиксироваться.
			if record, getErr := c.ledger.Get(ctx, event.StockLogID); getErr == nil {
				return record.Decision()
			}
		}
		c.logger.WithError(err).WithField("stock_log_id", event.StockLogID).Error("failed to mark stock log rolled back")
		return domain.DecisionUnknown
	}

	if changed {
		c.compensate(ctx, event.ProductID, event.StockLogID)
	}
	// Иначе запись откатил sweeper, компенсация уже на нём.
	return domain.DecisionRollback
}

// resolveUnsent закрывает запись, по которой не ушло ни одного сообщения.
// Возвращает текст предупреждения для вызывающего.
func (c *Coordinator) resolveUnsent(ctx context.Context, record domain.StockLog) string {
	ctx = context.WithoutCancel(ctx)
	changed, err := c.ledger.MarkRolledBack(ctx, record.ID)
	if err != nil {
		c.logger.WithError(err).WithField("stock_log_id", record.ID).Error("failed to roll back unsent stock log, left for stale sweep")
		return "message send failed; reservation left for reconciliation"
	}
	if changed {
		c.compensate(ctx, record.ProductID, record.ID)
	}
	return "message send failed; reservation rolled back"
}

func (c *Coordinator) compensate(ctx context.Context, productID, stockLogID int64) {
	if err := c.reserver.Compensate(context.WithoutCancel(ctx), productID); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"product_id":   productID,
			"stock_log_id": stockLogID,
		}).Error("compensation failed, counter needs manual reconciliation")
	}
}

func (c *Coordinator) decided(decision domain.Decision) domain.Decision {
	if c.metrics != nil {
		c.metrics.RecordDecision(string(decision))
	}
	return decision
}

func (c *Coordinator) recordStep(step string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordStepDuration(step, duration)
	}
}

func (c *Coordinator) sagaStarted() {
	if c.metrics != nil {
		c.metrics.RecordSagaInFlightStarted()
	}
}

func (c *Coordinator) sagaFinished(status domain.OrderStatus, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordSagaInFlightFinished()
		c.metrics.RecordSagaDuration(string(status), duration)
	}
}

var _ domain.TransactionListener = (*Coordinator)(nil)
