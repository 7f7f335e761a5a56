package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// TopicStockDecrease - логический topic событий списания остатка.
	TopicStockDecrease = "stock.decrease"
	// TagDecreaseStock - тег события в topic.
	TagDecreaseStock = "decrease-stock"

	stockLogTokenPrefix = "stock-log:"
)

// StockDecreaseEvent - полезная нагрузка сообщения о списании остатка.
// Token пустой у транзакционных сообщений: там его задаёт StockLogID.
type StockDecreaseEvent struct {
	ProductID  int64  `json:"productId"`
	StockLogID int64  `json:"stockLogId,omitempty"`
	Token      string `json:"token,omitempty"`
}

// IdempotencyToken возвращает токен, стабильный между повторными доставками.
func (e StockDecreaseEvent) IdempotencyToken() (string, error) {
	if token := strings.TrimSpace(e.Token); token != "" {
		return token, nil
	}
	if e.StockLogID > 0 {
		return stockLogTokenPrefix + strconv.FormatInt(e.StockLogID, 10), nil
	}
	return "", ErrTokenRequired
}

// Validate проверяет обязательные поля события.
func (e StockDecreaseEvent) Validate() error {
	if e.ProductID <= 0 {
		return ErrProductIDInvalid
	}
	if _, err := e.IdempotencyToken(); err != nil {
		return err
	}
	return nil
}

// EncodeStockDecreaseEvent сериализует событие в JSON.
func EncodeStockDecreaseEvent(event StockDecreaseEvent) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal stock decrease event: %w", err)
	}
	return payload, nil
}

// DecodeStockDecreaseEvent разбирает и валидирует событие.
func DecodeStockDecreaseEvent(payload []byte) (StockDecreaseEvent, error) {
	var event StockDecreaseEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return StockDecreaseEvent{}, fmt.Errorf("%w: unmarshal stock decrease event: %w", ErrMalformedEvent, err)
	}
	if err := event.Validate(); err != nil {
		return StockDecreaseEvent{}, err
	}
	return event, nil
}
