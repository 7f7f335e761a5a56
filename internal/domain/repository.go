package domain

import (
	"context"
	"time"
)

// StockLogRepository хранит журнал списаний.
type StockLogRepository interface {
	// Create сохраняет запись в статусе Pending и возвращает её с присвоенным ID.
	Create(ctx context.Context, log StockLog) (StockLog, error)
	// Get возвращает запись или ErrStockLogNotFound.
	Get(ctx context.Context, id int64) (StockLog, error)
	// Transition переводит запись из Pending в next. Возвращает true, если
	// переход выполнил именно этот вызов, и false, если запись уже в next.
	// Другие переходы дают ErrInvalidStatusTransition.
	Transition(ctx context.Context, id int64, next StockLogStatus) (bool, error)
	// ListStalePending возвращает Pending-записи, созданные раньше olderThan.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]StockLog, error)
}

// OrderStore создаёт заказы в локальной транзакции.
type OrderStore interface {
	// CommitReservation в одной транзакции создаёт заказ и переводит
	// запись журнала stockLogID из Pending в Committed.
	CommitReservation(ctx context.Context, stockLogID int64) (Order, error)
	// GetByStockLog возвращает заказ по записи журнала или ErrOrderNotFound.
	GetByStockLog(ctx context.Context, stockLogID int64) (Order, error)
	// CountByStockLog возвращает число заказов, ссылающихся на запись журнала.
	CountByStockLog(ctx context.Context, stockLogID int64) (int, error)
}

// StockRepository хранит долговременные остатки.
type StockRepository interface {
	// Get возвращает остаток товара или ErrStockNotFound.
	Get(ctx context.Context, productID int64) (Stock, error)
	// Upsert создаёт или перезаписывает строку остатка.
	Upsert(ctx context.Context, stock Stock) error
	// CreateIfAbsent создаёт строку остатка, только если товара ещё нет.
	// Возвращает false, если строка уже существовала; она не меняется.
	CreateIfAbsent(ctx context.Context, stock Stock) (bool, error)
	// ApplyDecrement в одной транзакции фиксирует токен и уменьшает остаток
	// на 1. Возвращает false без изменений, если токен уже применён.
	ApplyDecrement(ctx context.Context, token string, productID int64, ttl time.Duration) (bool, error)
}

// AppliedTokenRepository даёт доступ к журналу применённых токенов.
type AppliedTokenRepository interface {
	Get(ctx context.Context, token string) (AppliedToken, error)
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// HalfMessageRepository хранит сообщения брокера.
type HalfMessageRepository interface {
	// Prepare сохраняет сообщение в статусе prepared.
	Prepare(ctx context.Context, msg HalfMessage) (HalfMessage, error)
	// Enqueue сохраняет сообщение сразу в статусе pending.
	Enqueue(ctx context.Context, msg HalfMessage) (HalfMessage, error)
	// Resolve применяет Commit/Rollback к prepared-сообщению.
	// Для сообщения не в prepared возвращает ErrMessageState.
	Resolve(ctx context.Context, id string, decision Decision) error
	Get(ctx context.Context, id string) (HalfMessage, error)
	PullPending(ctx context.Context, limit int) ([]HalfMessage, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// DueForCheck возвращает prepared-сообщения с next_check_at <= now.
	DueForCheck(ctx context.Context, now time.Time, limit int) ([]HalfMessage, error)
	// ScheduleCheck сохраняет счётчик проверок и время следующей.
	ScheduleCheck(ctx context.Context, id string, checkCount int, next time.Time) error
	// Escalate переводит prepared-сообщение в escalated.
	Escalate(ctx context.Context, id string) error
	Stats(ctx context.Context) (HalfMessageStats, error)
}
