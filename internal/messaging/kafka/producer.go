package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// Producer представляет Kafka producer для публикации событий
type Producer struct {
	client   sarama.Client
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer создает новый Kafka producer
func NewProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll // Wait for all in-sync replicas
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true // Включаем идемпотентность
	config.Net.MaxOpenRequests = 1    // Для идемпотентности
	// Ключ сообщения определяет partition: порядок сохраняется в пределах ключа.
	config.Producer.Partitioner = sarama.NewHashPartitioner

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		client:   client,
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
	}, nil
}

// Send публикует готовое значение с заголовками.
func (p *Producer) Send(topic, key string, value []byte, headers map[string]string) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka producer is not initialized", domain.ErrPublish)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for name, headerValue := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(headerValue)})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("%w: failed to send message: %w", domain.ErrTransientIO, err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// PublishEvent сериализует событие в JSON и публикует его в Kafka
func (p *Producer) PublishEvent(topic string, key string, event any) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal event: %w", domain.ErrMalformedEvent, err)
	}
	return p.Send(topic, key, eventData, nil)
}

// Ping проверяет, что клиент открыт и знает хотя бы один брокер.
func (p *Producer) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.client == nil {
		return fmt.Errorf("%w: kafka client is not initialized", domain.ErrPublish)
	}
	if p.client.Closed() {
		return errors.New("kafka client is closed")
	}
	if len(p.client.Brokers()) == 0 {
		return errors.New("no kafka brokers available")
	}
	return nil
}

// Close закрывает producer и клиент.
func (p *Producer) Close() error {
	var errs []error
	if err := p.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close kafka producer: %w", err))
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka client: %w", err))
		}
	}
	return errors.Join(errs...)
}
