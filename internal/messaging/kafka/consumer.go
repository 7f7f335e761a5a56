package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 100 * time.Millisecond
)

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stocksaga_kafka_consumed_messages_total",
	Help: "Total number of consumed stock decrease messages grouped by result.",
}, []string{"result"})

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOptions задаёт параметры consumer.
type ConsumerOptions struct {
	Logger      *log.Entry
	DLQProducer *Producer
	DLQTopic    string
	MaxRetries  int
	RetryDelay  time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*ConsumerOptions)

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.Logger = logger
	}
}

// WithDLQ включает отправку необработанных сообщений в topic.
func WithDLQ(producer *Producer, topic string) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.DLQProducer = producer
		opts.DLQTopic = topic
	}
}

// WithMaxRetries задаёт число повторов внутри процесса.
func WithMaxRetries(maxRetries int) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.MaxRetries = maxRetries
	}
}

// WithRetryDelay задаёт базовую задержку между повторами.
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(opts *ConsumerOptions) {
		opts.RetryDelay = delay
	}
}

// Consumer представляет Kafka consumer с поддержкой DLQ
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer // Producer для отправки в DLQ
	dlqTopic    string
	maxRetries  int // Максимальное количество повторов внутри процесса
	retryDelay  time.Duration
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	opts := ConsumerOptions{
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DLQTopic == "" {
		opts.DLQTopic = TopicDeadLetterQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "kafka-consumer")
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{
		consumer:    consumer,
		topics:      topics,
		handler:     handler,
		logger:      logger,
		dlqProducer: opts.DLQProducer,
		dlqTopic:    opts.DLQTopic,
		maxRetries:  opts.MaxRetries,
		retryDelay:  opts.RetryDelay,
	}, nil
}

// NewStockDecreaseHandler связывает consumer с потребителем событий списания.
// Applied и Duplicate подтверждаются, Failed возвращается ошибкой с
// сохранённой классификацией retryable.
func NewStockDecreaseHandler(syncer domain.StockSyncer) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := domain.DecodeStockDecreaseEvent(message.Value)
		if err != nil {
			consumedMessages.WithLabelValues("malformed").Inc()
			return err
		}

		result := syncer.OnDeliver(ctx, event)
		consumedMessages.WithLabelValues(string(result.Outcome)).Inc()
		if result.Settled() {
			return nil
		}
		if result.Err == nil {
			return fmt.Errorf("%w: delivery %s not settled", domain.ErrTransientIO, result.Token)
		}
		return result.Err
	}
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume должен вызываться в цикле, так как при rebalance он завершается
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			entry.Debug("received message")

			if err := c.handleMessageWithRetry(session.Context(), message); err != nil {
				// Offset не маркируется: сообщение будет прочитано заново после rebalance.
				entry.WithError(err).Error("message processing failed and was not dead-lettered")
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessageWithRetry повторяет retryable ошибки с экспоненциальной
// задержкой, а исчерпанные и non-retryable отправляет в DLQ.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.handler(ctx, message)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) || attempt >= c.maxRetries {
			break
		}

		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"attempt":     attempt + 1,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		if delay := c.backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	consumedMessages.WithLabelValues("dead_lettered").Inc()
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": RetryCount(message),
		"retryable":   domain.IsRetryable(err),
	}).Warn("message sent to DLQ")
	return nil
}

func (c *Consumer) backoff(attempt int) time.Duration {
	if c.retryDelay <= 0 {
		return 0
	}
	return c.retryDelay << attempt
}

// sendToDLQ отправляет failed message в Dead Letter Queue
func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingErr error) error {
	failedAt := time.Now().UTC()
	letter := domain.DeadLetter{
		MessageID:         headerValue(message.Headers, HeaderMessageID),
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		Tag:               headerValue(message.Headers, HeaderTag),
		ErrorMessage:      processingErr.Error(),
		RetryCount:        RetryCount(message),
		FailedAt:          failedAt,
	}
	letter.SetValue(message.Value)

	data, err := domain.EncodeDeadLetter(letter)
	if err != nil {
		return err
	}

	topic := c.dlqTopic
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return c.dlqProducer.Send(topic, string(message.Key), data, map[string]string{
		HeaderRetryCount:    strconv.Itoa(letter.RetryCount),
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  processingErr.Error(),
		HeaderFailedAt:      failedAt.Format(time.RFC3339),
	})
}
