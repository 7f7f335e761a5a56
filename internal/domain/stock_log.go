package domain

import (
	"fmt"
	"time"
)

// StockLogStatus описывает состояние записи журнала списаний.
// Числовые значения совпадают с хранимыми в колонке stock_log.status.
type StockLogStatus int

const (
	// StockLogPending - резерв сделан, исход локальной транзакции ещё не известен.
	StockLogPending StockLogStatus = 0
	// StockLogCommitted - заказ создан, событие можно доставлять потребителям.
	StockLogCommitted StockLogStatus = 1
	// StockLogRolledBack - транзакция откатилась, резерв компенсирован.
	StockLogRolledBack StockLogStatus = 2
)

// StockLog - запись журнала о попытке списания.
type StockLog struct {
	ID        int64
	ProductID int64
	Amount    int64
	Status    StockLogStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// String возвращает строковое имя статуса для логов и API.
func (s StockLogStatus) String() string {
	switch s {
	case StockLogPending:
		return "pending"
	case StockLogCommitted:
		return "committed"
	case StockLogRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s StockLogStatus) Valid() bool {
	switch s {
	case StockLogPending, StockLogCommitted, StockLogRolledBack:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что статус больше не меняется.
func (s StockLogStatus) Terminal() bool {
	return s == StockLogCommitted || s == StockLogRolledBack
}

// CanTransitionTo проверяет допустимость перехода. Из Pending можно
// перейти только в терминальный статус, терминальные статусы не меняются.
func (s StockLogStatus) CanTransitionTo(next StockLogStatus) bool {
	return s == StockLogPending && next.Terminal()
}

// NewStockLog создаёт запись журнала в статусе Pending.
func NewStockLog(productID, amount int64, now time.Time) (StockLog, error) {
	if productID <= 0 {
		return StockLog{}, ErrProductIDInvalid
	}
	if amount <= 0 {
		return StockLog{}, ErrAmountInvalid
	}
	now = now.UTC()
	return StockLog{
		ProductID: productID,
		Amount:    amount,
		Status:    StockLogPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Decision возвращает решение check-back по статусу записи.
func (l StockLog) Decision() Decision {
	switch l.Status {
	case StockLogCommitted:
		return DecisionCommit
	case StockLogRolledBack:
		return DecisionRollback
	default:
		return DecisionUnknown
	}
}
