package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/stocksaga/internal/health"
	"github.com/vladislavdragonenkov/stocksaga/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/stocksaga/internal/messaging/txmsg"
	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/idempotency"
	"github.com/vladislavdragonenkov/stocksaga/internal/service/ledger"
	"github.com/vladislavdragonenkov/stocksaga/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает stock-service и блокируется до отмены ctx или ошибки
// одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.WithField("version", version.String()).Info("starting stock-service")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	if cfg.SeedStock != "" {
		if err := seedStock(ctx, deps.stock, cfg.SeedStock); err != nil {
			return err
		}
		logger.WithField("seed", cfg.SeedStock).Info("stock seeded")
	}

	svc := buildServices(cfg, deps, metrics.NewSagaMetrics(), logger)

	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	defer closeKafka(producer, logger)

	var publisher, dlq domain.MessagePublisher
	if producer != nil {
		publisher = kafka.NewPublisher(producer, map[string]string{domain.TopicStockDecrease: cfg.KafkaTopic})
		dlq = kafka.NewDLQPublisher(producer, cfg.KafkaDLQTopic)
	} else {
		logger.Info("kafka is not configured, delivering stock events in-process")
		publisher = txmsg.NewLocalDispatcher(svc.syncer)
	}

	relayOptions := []txmsg.RelayOption{
		txmsg.WithRelayLogger(logger.WithField("component", "txmsg-relay")),
		txmsg.WithPollInterval(cfg.RelayPollInterval),
		txmsg.WithBatchSize(cfg.RelayBatchSize),
		txmsg.WithMaxAttempts(cfg.RelayMaxAttempts),
		txmsg.WithRetryBaseDelay(cfg.RelayRetryDelay),
	}
	if dlq != nil {
		relayOptions = append(relayOptions, txmsg.WithDLQPublisher(dlq))
	}
	relay := txmsg.NewRelayWorker(deps.messages, publisher, relayOptions...)

	checkback := txmsg.NewCheckbackWorker(
		deps.messages,
		svc.coordinator,
		txmsg.WithCheckbackLogger(logger.WithField("component", "txmsg-checkback")),
		txmsg.WithCheckInterval(cfg.CheckInterval),
		txmsg.WithMaxChecks(cfg.CheckMaxChecks),
		txmsg.WithCheckBackoff(cfg.CheckBaseDelay, cfg.CheckBackoffCap),
	)
	sweeper := ledger.NewSweeper(
		svc.ledger,
		svc.reservation,
		ledger.WithSweeperLogger(logger.WithField("component", "stale-sweeper")),
		ledger.WithSweepInterval(cfg.SweepInterval),
		ledger.WithStaleAfter(cfg.SweepStaleAfter),
		ledger.WithSweepBatchSize(cfg.SweepBatchSize),
	)
	cleanup := idempotency.NewCleanupWorker(
		deps.tokens,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithTokenTTL(cfg.MarkerTTL),
	)

	var consumer *kafka.Consumer
	if producer != nil {
		consumer, err = initKafkaConsumer(cfg, svc.syncer, producer, logger)
		if err != nil {
			return err
		}
	}

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	for name, checker := range deps.checkers {
		healthHandler.RegisterChecker(name, checker)
	}
	if producer != nil {
		healthHandler.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", producer.Ping))
	}
	healthHandler.RegisterChecker("relay_backlog", healthcheck.NewBacklogChecker(deps.messages, cfg.RelayMaxBacklog))

	grpcServer, grpcHealth := newGRPCServer(logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { relay.Run(gctx); return nil })
	g.Go(func() error { checkback.Run(gctx); return nil })
	g.Go(func() error { sweeper.Run(gctx); return nil })
	g.Go(func() error { cleanup.Run(gctx); return nil })

	if consumer != nil {
		if err := consumer.Start(gctx); err != nil {
			_ = grpcLis.Close()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return consumer.Stop()
		})
	}

	startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: svc.api, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		return serveHTTP(apiSrv)
	})
	g.Go(func() error {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("получен сигнал остановки, останавливаем серверы")
		grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stopGRPC(grpcServer, logger)
		shutdownHTTP(apiSrv, logger)
		return nil
	})

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// newGRPCServer создаёт gRPC-сервер со стандартным health и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

// newMetricsServer собирает служебный HTTP: метрики и health checks.
func newMetricsServer(addr string, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// startMetricsServer запускает служебный HTTP в фоне и гасит его по ctx.
// Ошибка служебного сервера только логируется и не роняет stock-service.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := newMetricsServer(addr, healthHandler)
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez", addr, addr, addr)
		if err := serveHTTP(srv); err != nil {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		srv.Stop()
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
