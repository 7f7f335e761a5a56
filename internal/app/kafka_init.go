package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/messaging/kafka"
)

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initKafkaConsumer подписывает потребителя событий списания на topic.
func initKafkaConsumer(cfg Config, syncer domain.StockSyncer, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokerList(),
		cfg.KafkaConsumerGroup,
		[]string{cfg.KafkaTopic},
		kafka.NewStockDecreaseHandler(syncer),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
		kafka.WithDLQ(dlq, cfg.KafkaDLQTopic),
		kafka.WithMaxRetries(cfg.KafkaConsumerRetries),
		kafka.WithRetryDelay(cfg.KafkaConsumerRetryGap),
	)
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"topic": cfg.KafkaTopic,
		"group": cfg.KafkaConsumerGroup,
	}).Info("kafka consumer initialized")
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
