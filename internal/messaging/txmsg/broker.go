// Package txmsg реализует half-сообщения поверх transactional outbox:
// сообщение сохраняется невидимым, производитель выполняет локальную
// транзакцию и сообщает решение, а check-back восстанавливает решения,
// которые не дошли до брокера.
package txmsg

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const (
	defaultSendTimeout = 2 * time.Second
	defaultImmunity    = 5 * time.Second
)

// SendResult - итог отправки в транзакции.
type SendResult struct {
	MessageID string
	Decision  domain.Decision
}

// BrokerOptions задаёт параметры Broker.
type BrokerOptions struct {
	Logger      *log.Entry
	SendTimeout time.Duration
	Immunity    time.Duration
	Now         func() time.Time
}

// BrokerOption настраивает Broker.
type BrokerOption func(*BrokerOptions)

// WithBrokerLogger задаёт logger.
func WithBrokerLogger(logger *log.Entry) BrokerOption {
	return func(opts *BrokerOptions) {
		opts.Logger = logger
	}
}

// WithSendTimeout ограничивает сохранение half-сообщения.
func WithSendTimeout(timeout time.Duration) BrokerOption {
	return func(opts *BrokerOptions) {
		opts.SendTimeout = timeout
	}
}

// WithImmunity задаёт задержку первой check-back проверки, чтобы она не
// конкурировала с ещё идущей локальной транзакцией.
func WithImmunity(immunity time.Duration) BrokerOption {
	return func(opts *BrokerOptions) {
		opts.Immunity = immunity
	}
}

// WithBrokerClock подменяет источник времени.
func WithBrokerClock(now func() time.Time) BrokerOption {
	return func(opts *BrokerOptions) {
		opts.Now = now
	}
}

// Broker принимает сообщения от производителя.
type Broker struct {
	repo        domain.HalfMessageRepository
	logger      *log.Entry
	sendTimeout time.Duration
	immunity    time.Duration
	now         func() time.Time
}

// NewBroker создаёт Broker поверх хранилища half-сообщений.
func NewBroker(repo domain.HalfMessageRepository, options ...BrokerOption) *Broker {
	opts := BrokerOptions{
		SendTimeout: defaultSendTimeout,
		Immunity:    defaultImmunity,
		Now:         time.Now,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "txmsg-broker")
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Immunity < 0 {
		opts.Immunity = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Broker{
		repo:        repo,
		logger:      logger,
		sendTimeout: opts.SendTimeout,
		immunity:    opts.Immunity,
		now:         opts.Now,
	}
}

// SendInTransaction сохраняет сообщение как prepared, вызывает
// listener.ExecuteLocal и применяет решение. Ошибка возвращается только
// если сообщение не удалось сохранить; listener в этом случае не вызывается.
// Unknown оставляет сообщение для check-back.
func (b *Broker) SendInTransaction(ctx context.Context, msg domain.HalfMessage, listener domain.TransactionListener) (SendResult, error) {
	if listener == nil {
		return SendResult{}, errors.New("transaction listener is required")
	}

	msg.NextCheckAt = b.now().UTC().Add(b.immunity)
	prepared, err := b.persist(ctx, msg, b.repo.Prepare)
	if err != nil {
		return SendResult{}, err
	}

	decision := listener.ExecuteLocal(ctx, prepared)
	result := SendResult{MessageID: prepared.ID, Decision: decision}

	entry := b.logger.WithFields(log.Fields{
		"message_id": prepared.ID,
		"key":        prepared.Key,
		"decision":   string(decision),
	})
	if decision == domain.DecisionUnknown {
		entry.Info("local transaction state unknown, left for check-back")
		return result, nil
	}

	// Решение не должно теряться из-за отменённого контекста запроса.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.sendTimeout)
	defer cancel()
	if err := b.repo.Resolve(reportCtx, prepared.ID, decision); err != nil {
		entry.WithError(err).Warn("failed to report local transaction decision, left for check-back")
		return result, nil
	}

	entry.Debug("local transaction decision applied")
	return result, nil
}

// Send публикует обычное сообщение без локальной транзакции.
func (b *Broker) Send(ctx context.Context, msg domain.HalfMessage) (domain.HalfMessage, error) {
	return b.persist(ctx, msg, b.repo.Enqueue)
}

func (b *Broker) persist(
	ctx context.Context,
	msg domain.HalfMessage,
	store func(context.Context, domain.HalfMessage) (domain.HalfMessage, error),
) (domain.HalfMessage, error) {
	if msg.Topic == "" {
		return domain.HalfMessage{}, errors.New("message topic is required")
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	saved, err := store(sendCtx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.HalfMessage{}, fmt.Errorf("%w: send message: %w", domain.ErrTransientIO, err)
		}
		return domain.HalfMessage{}, fmt.Errorf("send message: %w", err)
	}
	return saved, nil
}
