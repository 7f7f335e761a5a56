package kafka

import (
	"strconv"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// Topics для Kafka
const (
	TopicStockDecrease   = domain.TopicStockDecrease
	TopicDeadLetterQueue = domain.TopicStockDecreaseDLQ // Dead Letter Queue для failed messages

	// ConsumerGroupStockDecrease - группа потребителя событий списания.
	ConsumerGroupStockDecrease = "stock-decrease-cg"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderMessageID     = "x-message-id"
	HeaderTag           = "x-tag"
)

// headerValue возвращает значение заголовка или пустую строку.
func headerValue(headers []*sarama.RecordHeader, key string) string {
	for _, header := range headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

// RetryCount извлекает x-retry-count; отсутствующий или битый заголовок даёт 0.
func RetryCount(message *sarama.ConsumerMessage) int {
	if message == nil {
		return 0
	}
	count, err := strconv.Atoi(headerValue(message.Headers, HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}
