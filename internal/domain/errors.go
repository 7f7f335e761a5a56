package domain

import (
	"context"
	"errors"
)

var (
	// ErrOutOfStock - счётчик товара исчерпан, повторять не нужно.
	ErrOutOfStock = errors.New("out of stock")
	// ErrTransientIO - временная ошибка кэша/БД/брокера (таймаут, обрыв соединения).
	ErrTransientIO = errors.New("transient io failure")
	// ErrLocalTransaction - локальная транзакция создания заказа не прошла (бизнес-правило или целостность).
	ErrLocalTransaction = errors.New("local transaction failed")
	// ErrDuplicateDelivery - повторная доставка уже применённого события.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
	// ErrUnknownTransactionState - исход локальной транзакции ещё неизвестен, решается check-back.
	ErrUnknownTransactionState = errors.New("unknown transaction state")

	// ErrProductIDInvalid возвращается для product_id <= 0.
	ErrProductIDInvalid = errors.New("product_id must be positive")
	// ErrAmountInvalid возвращается для amount <= 0.
	ErrAmountInvalid = errors.New("amount must be positive")
	// ErrTokenRequired - у события нет идемпотентного токена.
	ErrTokenRequired = errors.New("idempotency token is required")
	// ErrStockLogNotFound возвращается, если записи журнала нет.
	ErrStockLogNotFound = errors.New("stock log not found")
	// ErrInvalidStatusTransition - переход статуса журнала запрещён.
	ErrInvalidStatusTransition = errors.New("invalid stock log status transition")
	// ErrOrderNotFound возвращается, если заказа по записи журнала нет.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists - для записи журнала уже создан заказ.
	ErrOrderExists = errors.New("order already exists for stock log")
	// ErrStockNotFound - строки stock для товара нет.
	ErrStockNotFound = errors.New("stock not found")
	// ErrStockExhausted - условный UPDATE ... WHERE stock_num > 0 не изменил ни одной строки.
	ErrStockExhausted = errors.New("durable stock exhausted")
	// ErrMessageNotFound возвращается, если half-сообщения нет в хранилище.
	ErrMessageNotFound = errors.New("half message not found")
	// ErrMessageState - half-сообщение не в том статусе, который ожидает операция.
	ErrMessageState = errors.New("half message is in unexpected state")
	// ErrMalformedEvent - полезную нагрузку сообщения нельзя разобрать.
	ErrMalformedEvent = errors.New("malformed event payload")
	// ErrPublish - ошибка публикации сообщения в транспорт.
	ErrPublish = errors.New("message publish failed")
)

// IsRetryable сообщает, имеет ли смысл повторять операцию, вернувшую err.
// Бизнес-ошибки и нарушения целостности не повторяются.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrOutOfStock),
		errors.Is(err, ErrLocalTransaction),
		errors.Is(err, ErrDuplicateDelivery),
		errors.Is(err, ErrProductIDInvalid),
		errors.Is(err, ErrAmountInvalid),
		errors.Is(err, ErrTokenRequired),
		errors.Is(err, ErrMalformedEvent),
		errors.Is(err, ErrStockNotFound),
		errors.Is(err, ErrStockExhausted),
		errors.Is(err, ErrInvalidStatusTransition),
		errors.Is(err, ErrOrderExists):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}
