package domain

import (
	"context"
	"time"
)

// CounterStore - быстрое key-value хранилище счётчиков и маркеров.
// Реализация обязана выполнять DecrementIfPositive одной атомарной операцией.
type CounterStore interface {
	// DecrementIfPositive уменьшает счётчик на 1, если он > 0, и возвращает остаток.
	// Если счётчика нет или он равен нулю, возвращает -1 без изменений.
	DecrementIfPositive(ctx context.Context, key string) (int64, error)
	// Increment увеличивает счётчик на 1 (компенсация).
	Increment(ctx context.Context, key string) (int64, error)
	// Set перезаписывает значение счётчика.
	Set(ctx context.Context, key string, value int64) error
	// SetIfAbsent записывает счётчик, только если ключа ещё нет.
	// Возвращает true, если значение было записано.
	SetIfAbsent(ctx context.Context, key string, value int64) (bool, error)
	// Get возвращает текущее значение счётчика; отсутствующий ключ даёт 0.
	Get(ctx context.Context, key string) (int64, error)
	// Exists проверяет наличие ключа.
	Exists(ctx context.Context, key string) (bool, error)
	// SetWithTTL записывает маркер с ограниченным временем жизни.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete удаляет ключ.
	Delete(ctx context.Context, key string) error
	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error
}

// MessagePublisher доставляет сообщение потребителям.
type MessagePublisher interface {
	// Publish передаёт сообщение наружу; повторный вызов допустим (at-least-once).
	Publish(ctx context.Context, msg HalfMessage) error
}

// TransactionListener вызывается брокером для half-сообщений.
type TransactionListener interface {
	// ExecuteLocal выполняет локальную транзакцию и сообщает решение.
	ExecuteLocal(ctx context.Context, msg HalfMessage) Decision
	// CheckStatus восстанавливает решение, если оно не дошло до брокера.
	CheckStatus(ctx context.Context, msg HalfMessage) Decision
}

// StockSyncer применяет событие списания к долговременному остатку.
type StockSyncer interface {
	OnDeliver(ctx context.Context, event StockDecreaseEvent) SyncResult
}
