package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/messaging/txmsg"
	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/coordinator"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/httpapi"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/ledger"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/reservation"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/stocksync"
)

// services - собранный граф сервисов поверх хранилищ.
type services struct {
	reservation *reservation.Service
	ledger      *ledger.Ledger
	broker      *txmsg.Broker
	coordinator *coordinator.Coordinator
	syncer      *stocksync.Syncer
	api         *httpapi.Handler
}

// buildServices связывает сервисы саги с хранилищами deps.
func buildServices(cfg Config, deps *runtimeDependencies, sagaMetrics *metrics.SagaMetrics, logger *log.Entry) *services {
	reserver := reservation.NewService(
		deps.counter,
		reservation.WithLogger(logger.WithField("component", "reservation")),
		reservation.WithMetrics(sagaMetrics),
		reservation.WithStockRepository(deps.stock),
		reservation.WithKnownEmptyTTL(cfg.KnownEmptyTTL),
	)
	stockLedger := ledger.New(deps.ledger, logger.WithField("component", "ledger"))
	broker := txmsg.NewBroker(
		deps.messages,
		txmsg.WithBrokerLogger(logger.WithField("component", "txmsg-broker")),
		txmsg.WithSendTimeout(cfg.SendTimeout),
		txmsg.WithImmunity(cfg.CheckImmunity),
	)
	coord := coordinator.New(
		reserver,
		stockLedger,
		deps.ledger,
		broker,
		coordinator.WithLogger(logger.WithField("component", "coordinator")),
		coordinator.WithMetrics(sagaMetrics),
		coordinator.WithLocalTxTimeout(cfg.LocalTxTimeout),
	)
	syncer := stocksync.New(
		deps.stock,
		deps.counter,
		stocksync.WithLogger(logger.WithField("component", "stock-sync")),
		stocksync.WithMetrics(sagaMetrics),
		stocksync.WithMarkerTTL(cfg.MarkerTTL),
	)

	return &services{
		reservation: reserver,
		ledger:      stockLedger,
		broker:      broker,
		coordinator: coord,
		syncer:      syncer,
		api:         httpapi.NewHandler(coord, syncer, reserver, stockLedger, logger.WithField("component", "http-api")),
	}
}
