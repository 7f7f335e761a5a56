package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TopicStockDecreaseDLQ - topic недоставленных событий списания.
const TopicStockDecreaseDLQ = TopicStockDecrease + ".dlq"

// DeadLetter - конверт сообщения в DLQ. Его пишут relay и Kafka consumer,
// читает dlq-reprocess.
type DeadLetter struct {
	MessageID         string          `json:"message_id,omitempty"`
	OriginalTopic     string          `json:"original_topic"`
	OriginalPartition int32           `json:"original_partition,omitempty"`
	OriginalOffset    int64           `json:"original_offset,omitempty"`
	OriginalKey       string          `json:"original_key,omitempty"`
	Tag               string          `json:"tag,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	// RawValue хранит полезную нагрузку, которая не является JSON.
	RawValue     string    `json:"raw_value,omitempty"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	FailedAt     time.Time `json:"failed_at"`
}

// SetValue сохраняет исходное значение сообщения.
func (d *DeadLetter) SetValue(value []byte) {
	if json.Valid(value) {
		d.Payload = json.RawMessage(value)
		d.RawValue = ""
		return
	}
	d.Payload = nil
	d.RawValue = string(value)
}

// Value возвращает исходное значение сообщения.
func (d DeadLetter) Value() []byte {
	if len(d.Payload) > 0 {
		return []byte(d.Payload)
	}
	return []byte(d.RawValue)
}

// EncodeDeadLetter сериализует конверт.
func EncodeDeadLetter(letter DeadLetter) ([]byte, error) {
	data, err := json.Marshal(letter)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return data, nil
}

// DecodeDeadLetter разбирает конверт из DLQ.
func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(data, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: unmarshal dead letter: %w", ErrMalformedEvent, err)
	}
	if letter.OriginalTopic == "" {
		return DeadLetter{}, fmt.Errorf("%w: dead letter without original topic", ErrMalformedEvent)
	}
	return letter, nil
}
