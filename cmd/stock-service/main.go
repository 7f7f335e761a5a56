package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/app"
	"github.com/vladislavdragonenkov/stocksaga/internal/version"
)

const (
	envLogLevel  = "STOCK_LOG_LEVEL"
	envLogFormat = "STOCK_LOG_FORMAT"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup func(string) (string, bool)) {
	if format, ok := lookup(envLogFormat); ok && strings.EqualFold(strings.TrimSpace(format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if raw, ok := lookup(envLogLevel); ok && strings.TrimSpace(raw) != "" {
		parsed, err := log.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
}

func main() {
	setupLogger(os.LookupEnv)

	cfg, err := app.ConfigFromEnv(app.DefaultConfig())
	if err != nil {
		log.WithError(err).Fatal("не удалось прочитать конфигурацию")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"counter":      cfg.CounterDriver,
		"kafka":        cfg.KafkaBrokers != "",
		"version":      version.GetVersion(),
	}).Info("запускаем stock-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("stock-service остановлен")
}
