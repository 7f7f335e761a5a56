package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/health"
	"github.com/vladislavdragonenkov/stocksaga/internal/storage/memory"
	"github.com/vladislavdragonenkov/stocksaga/internal/storage/postgres"
	"github.com/vladislavdragonenkov/stocksaga/internal/storage/redis"
)

// ledgerStore - журнал и заказы в одном хранилище: CommitReservation
// пишет их одной транзакцией.
type ledgerStore interface {
	domain.StockLogRepository
	domain.OrderStore
}

// runtimeDependencies содержит хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	ledger   ledgerStore
	stock    domain.StockRepository
	tokens   domain.AppliedTokenRepository
	messages domain.HalfMessageRepository
	counter  domain.CounterStore

	checkers map[string]health.Checker
	closers  []func() error
}

// Close освобождает подключения в обратном порядке.
func (d *runtimeDependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилища согласно cfg.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	deps := &runtimeDependencies{checkers: make(map[string]health.Checker)}

	if err := initStorage(ctx, cfg, logger, deps); err != nil {
		_ = deps.Close()
		return nil, err
	}
	if err := initCounter(ctx, cfg, logger, deps); err != nil {
		_ = deps.Close()
		return nil, err
	}
	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, logger *log.Entry, deps *runtimeDependencies) error {
	switch cfg.StorageDriver {
	case "", StorageDriverMemory:
		store := memory.NewLedgerStore()
		stock := memory.NewStockRepository()
		deps.ledger = store
		deps.stock = stock
		deps.tokens = stock.Tokens()
		deps.messages = memory.NewHalfMessageRepository()
		logger.Warn("using in-memory storage, state is lost on restart")
		return nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return errors.New("postgres storage requires STOCK_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		stock := postgres.NewStockRepository(store)
		deps.ledger = postgres.NewLedgerRepository(store)
		deps.stock = stock
		deps.tokens = stock.Tokens()
		deps.messages = postgres.NewHalfMessageRepository(store)
		deps.checkers["postgres"] = health.NewSimpleChecker("postgres", store.Ping)
		logger.Info("postgres storage initialized")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initCounter(ctx context.Context, cfg Config, logger *log.Entry, deps *runtimeDependencies) error {
	switch cfg.CounterDriver {
	case "", CounterDriverMemory:
		deps.counter = memory.NewCounterStore()
		return nil

	case CounterDriverRedis:
		counter, err := redis.Open(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("connect redis counter store: %w", err)
		}
		deps.counter = counter
		deps.closers = append(deps.closers, counter.Close)
		deps.checkers["redis"] = health.NewSimpleChecker("redis", counter.Ping)
		logger.WithField("addr", cfg.RedisAddr).Info("redis counter store initialized")
		return nil

	default:
		return fmt.Errorf("unsupported counter driver %q", cfg.CounterDriver)
	}
}

// seedStock записывает стартовые остатки вида "1:100,2:50". Уже
// существующие строки не трогаются: живой stock_num не перезаписывается.
func seedStock(ctx context.Context, stock domain.StockRepository, seed string) error {
	for _, item := range strings.Split(seed, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idRaw, numRaw, ok := strings.Cut(item, ":")
		if !ok {
			return fmt.Errorf("seed stock %q: expected product:num", item)
		}
		productID, err := strconv.ParseInt(strings.TrimSpace(idRaw), 10, 64)
		if err != nil || productID <= 0 {
			return fmt.Errorf("seed stock %q: %w", item, domain.ErrProductIDInvalid)
		}
		num, err := strconv.ParseInt(strings.TrimSpace(numRaw), 10, 64)
		if err != nil || num < 0 {
			return fmt.Errorf("seed stock %q: stock num must be >= 0", item)
		}
		created, err := stock.CreateIfAbsent(ctx, domain.Stock{
			ProductID:   productID,
			ProductName: "product-" + strconv.FormatInt(productID, 10),
			StockNum:    num,
		})
		if err != nil {
			return fmt.Errorf("seed stock %q: %w", item, err)
		}
		if !created {
			log.WithField("product_id", productID).Info("stock row exists, seed skipped")
		}
	}
	return nil
}
