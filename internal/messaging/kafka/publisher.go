package kafka

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// TopicPublisher публикует half-сообщения брокера в Kafka.
type TopicPublisher struct {
	producer *Producer
	topic    string
	routes   map[string]string
}

// NewPublisher создаёт паблишер для relay: topic берётся из сообщения,
// routes переименовывает логические topic в физические.
func NewPublisher(producer *Producer, routes map[string]string) *TopicPublisher {
	return &TopicPublisher{producer: producer, routes: routes}
}

// NewDLQPublisher создаёт паблишер, который всё пишет в topic.
func NewDLQPublisher(producer *Producer, topic string) *TopicPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &TopicPublisher{producer: producer, topic: topic}
}

func (p *TopicPublisher) Publish(ctx context.Context, msg domain.HalfMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: kafka publisher is not initialized", domain.ErrPublish)
	}

	topic := p.topic
	if topic == "" {
		topic = msg.Topic
		if routed, ok := p.routes[topic]; ok && routed != "" {
			topic = routed
		}
	}
	if topic == "" {
		return fmt.Errorf("%w: message %s has no topic", domain.ErrMalformedEvent, msg.ID)
	}

	key := msg.Key
	if key == "" {
		key = msg.ID
	}

	headers := map[string]string{HeaderMessageID: msg.ID}
	if msg.Tag != "" {
		headers[HeaderTag] = msg.Tag
	}
	return p.producer.Send(topic, key, msg.Payload, headers)
}

var _ domain.MessagePublisher = (*TopicPublisher)(nil)
