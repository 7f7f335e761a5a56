package txmsg

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	relayPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stocksaga_relay_publish_attempts_total",
		Help: "Total number of half message publish attempts grouped by result.",
	}, []string{"result"})
	relayPendingMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksaga_relay_pending_messages",
		Help: "Current number of committed messages waiting for relay.",
	})
	relayPreparedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksaga_relay_prepared_messages",
		Help: "Current number of prepared messages waiting for a decision.",
	})
	relayOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stocksaga_relay_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest committed message waiting for relay.",
	})
)

// RelayOptions задаёт параметры relay worker.
type RelayOptions struct {
	Logger         *log.Entry
	DLQPublisher   domain.MessagePublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// RelayOption настраивает RelayWorker.
type RelayOption func(*RelayOptions)

// WithRelayLogger задаёт logger для воркера.
func WithRelayLogger(logger *log.Entry) RelayOption {
	return func(opts *RelayOptions) {
		opts.Logger = logger
	}
}

// WithDLQPublisher задаёт publisher для отправки в DLQ после исчерпания retry.
func WithDLQPublisher(publisher domain.MessagePublisher) RelayOption {
	return func(opts *RelayOptions) {
		opts.DLQPublisher = publisher
	}
}

// WithPollInterval задаёт частоту опроса.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(opts *RelayOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) RelayOption {
	return func(opts *RelayOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) RelayOption {
	return func(opts *RelayOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) RelayOption {
	return func(opts *RelayOptions) {
		opts.RetryBaseDelay = delay
	}
}

// RelayWorker публикует закоммиченные сообщения потребителям.
type RelayWorker struct {
	repo           domain.HalfMessageRepository
	publisher      domain.MessagePublisher
	dlqPublisher   domain.MessagePublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewRelayWorker создаёт relay worker.
func NewRelayWorker(repo domain.HalfMessageRepository, publisher domain.MessagePublisher, options ...RelayOption) *RelayWorker {
	opts := RelayOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "txmsg-relay")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &RelayWorker{
		repo:           repo,
		publisher:      publisher,
		dlqPublisher:   opts.DLQPublisher,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Run опрашивает хранилище до отмены ctx.
func (w *RelayWorker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("relay worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл.
func (w *RelayWorker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.refreshBacklogMetrics(ctx)

	messages, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending messages")
		return
	}
	if len(messages) == 0 {
		return
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}

		if err := w.publishWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).WithFields(log.Fields{
				"message_id": msg.ID,
				"topic":      msg.Topic,
				"key":        msg.Key,
			}).Error("message publish failed after retries")
			relayPublishAttempts.WithLabelValues("failed").Inc()

			if dlqErr := w.publishToDLQ(ctx, msg, err); dlqErr != nil {
				w.logger.WithError(dlqErr).WithField("message_id", msg.ID).Warn("failed to publish to DLQ")
				relayPublishAttempts.WithLabelValues("dlq_failed").Inc()
			}
			if markErr := w.repo.MarkFailed(ctx, msg.ID); markErr != nil {
				w.logger.WithError(markErr).WithField("message_id", msg.ID).Warn("failed to mark message as failed")
			}
			continue
		}

		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			w.logger.WithError(err).WithField("message_id", msg.ID).Warn("failed to mark message as sent")
		}
	}

	w.refreshBacklogMetrics(ctx)
}

func (w *RelayWorker) publishWithRetry(ctx context.Context, msg domain.HalfMessage) error {
	var lastErr error

	attempts := 0
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		attempts = attempt
		err := w.publisher.Publish(ctx, msg)
		if err == nil {
			relayPublishAttempts.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			relayPublishAttempts.WithLabelValues("permanent_error").Inc()
			break
		}
		relayPublishAttempts.WithLabelValues("retry_error").Inc()

		if attempt >= w.maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", attempts, lastErr)
}

func (w *RelayWorker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect relay backlog stats")
		return
	}

	relayPendingMessages.Set(float64(stats.PendingCount))
	relayPreparedMessages.Set(float64(stats.PreparedCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		relayOldestPendingAge.Set(0)
		return
	}

	age := time.Since(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	relayOldestPendingAge.Set(age)
}

func (w *RelayWorker) retryBackoff(attempt int) time.Duration {
	return exponentialBackoff(w.retryBaseDelay, attempt, 0)
}

// exponentialBackoff возвращает base*2^(attempt-1), ограниченный limit (0 = без ограничения).
func exponentialBackoff(base time.Duration, attempt int, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			delay = maxDuration
			break
		}
		delay *= 2
		if limit > 0 && delay >= limit {
			break
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

func (w *RelayWorker) publishToDLQ(ctx context.Context, msg domain.HalfMessage, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	letter := domain.DeadLetter{
		MessageID:     msg.ID,
		OriginalTopic: msg.Topic,
		OriginalKey:   msg.Key,
		Tag:           msg.Tag,
		ErrorMessage:  publishErr.Error(),
		FailedAt:      time.Now().UTC(),
	}
	letter.SetValue(msg.Payload)

	payload, err := domain.EncodeDeadLetter(letter)
	if err != nil {
		return err
	}

	dlqMessage := domain.HalfMessage{
		ID:      msg.ID,
		Key:     msg.Key,
		Topic:   domain.TopicStockDecreaseDLQ,
		Tag:     msg.Tag,
		Payload: payload,
	}
	if err := w.dlqPublisher.Publish(ctx, dlqMessage); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}

	return nil
}
