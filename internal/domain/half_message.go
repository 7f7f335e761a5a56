package domain

import "time"

// HalfMessageStatus описывает жизненный цикл сообщения в брокере.
type HalfMessageStatus string

const (
	// HalfMessagePrepared - сообщение сохранено, но невидимо для потребителей.
	HalfMessagePrepared HalfMessageStatus = "prepared"
	// HalfMessagePending - решение Commit получено, ждёт публикации relay-воркером.
	HalfMessagePending HalfMessageStatus = "pending"
	// HalfMessageSent - опубликовано в транспорт.
	HalfMessageSent HalfMessageStatus = "sent"
	// HalfMessageFailed - публикация не удалась после всех попыток.
	HalfMessageFailed HalfMessageStatus = "failed"
	// HalfMessageDiscarded - решение Rollback, сообщение никогда не будет доставлено.
	HalfMessageDiscarded HalfMessageStatus = "discarded"
	// HalfMessageEscalated - check-back исчерпан, нужна ручная сверка.
	HalfMessageEscalated HalfMessageStatus = "escalated"
)

// HalfMessage - сообщение брокера с поддержкой локальной транзакции.
type HalfMessage struct {
	ID          string
	Key         string
	Topic       string
	Tag         string
	Payload     []byte
	Status      HalfMessageStatus
	CheckCount  int
	NextCheckAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s HalfMessageStatus) Valid() bool {
	switch s {
	case HalfMessagePrepared, HalfMessagePending, HalfMessageSent,
		HalfMessageFailed, HalfMessageDiscarded, HalfMessageEscalated:
		return true
	default:
		return false
	}
}

// StatusForDecision возвращает статус, в который переходит prepared-сообщение.
func StatusForDecision(decision Decision) (HalfMessageStatus, bool) {
	switch decision {
	case DecisionCommit:
		return HalfMessagePending, true
	case DecisionRollback:
		return HalfMessageDiscarded, true
	default:
		return "", false
	}
}

// HalfMessageStats - срез backlog для метрик.
type HalfMessageStats struct {
	PendingCount    int
	PreparedCount   int
	OldestPendingAt time.Time
}
