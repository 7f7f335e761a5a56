package txmsg

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// LocalDispatcher доставляет сообщения потребителю в том же процессе.
// Используется, когда Kafka не настроена.
type LocalDispatcher struct {
	syncer domain.StockSyncer
}

// NewLocalDispatcher создаёт dispatcher для syncer.
func NewLocalDispatcher(syncer domain.StockSyncer) *LocalDispatcher {
	return &LocalDispatcher{syncer: syncer}
}

// Publish разбирает событие и передаёт его потребителю. Неподтверждённая
// доставка возвращается ошибкой, чтобы relay повторил её или отправил в DLQ.
func (d *LocalDispatcher) Publish(ctx context.Context, msg domain.HalfMessage) error {
	if msg.Topic != domain.TopicStockDecrease {
		return fmt.Errorf("%w: no local consumer for topic %q", domain.ErrMalformedEvent, msg.Topic)
	}

	event, err := domain.DecodeStockDecreaseEvent(msg.Payload)
	if err != nil {
		return err
	}

	result := d.syncer.OnDeliver(ctx, event)
	if result.Settled() {
		return nil
	}
	if result.Err != nil {
		return fmt.Errorf("deliver %s: %w", result.Token, result.Err)
	}
	return fmt.Errorf("%w: deliver %s: %s", domain.ErrTransientIO, result.Token, result.Outcome)
}

var _ domain.MessagePublisher = (*LocalDispatcher)(nil)
