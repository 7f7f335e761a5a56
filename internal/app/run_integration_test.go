package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/stocksaga/internal/health"
	"github.com/vladislavdragonenkov/stocksaga/internal/messaging/kafka"
)

func testRunConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.StorageDriver = StorageDriverMemory
	cfg.CounterDriver = CounterDriverMemory
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := testRunConfig()
	cfg.SeedStock = "1:5"

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_ServesMetricsUntilShutdown(t *testing.T) {
	cfg := testRunConfig()
	port := findFreePort(t)
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", port)
	livez := fmt.Sprintf("http://127.0.0.1:%d/livez", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	if !waitForHTTP(livez, true, 2*time.Second) {
		t.Fatal("metrics server did not start with Run")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if !waitForHTTP(livez, false, 2*time.Second) {
		t.Fatal("metrics server must stop after Run returns")
	}
}

// waitForHTTP ждёт, пока доступность url не станет равной up.
func waitForHTTP(url string, up bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
		}
		if (err == nil && resp.StatusCode == http.StatusOK) == up {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testRunConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_InvalidSeed(t *testing.T) {
	cfg := testRunConfig()
	cfg.SeedStock = "oops"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "seed stock") {
		t.Fatalf("expected seed stock error, got %v", err)
	}
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.Close() }()

	if deps.ledger == nil || deps.stock == nil || deps.tokens == nil || deps.messages == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	checker, ok := deps.checkers["postgres"]
	if !ok {
		t.Fatal("expected postgres checker")
	}
	check := checker.Check(context.Background())
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy storage checker, got %+v", check)
	}
}

func TestInitRuntimeDependencies_RedisSuccess(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("STOCK_REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("redis addr is not available")
	}

	cfg := DefaultConfig()
	cfg.CounterDriver = CounterDriverRedis
	cfg.RedisAddr = addr

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "redis-init"))
	if err != nil {
		t.Skipf("redis is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.Close() }()

	check := deps.checkers["redis"].Check(context.Background())
	if check.Status != healthcheck.StatusHealthy {
		t.Fatalf("expected healthy redis checker, got %+v", check)
	}
}

func TestCloseKafka_NonNil(t *testing.T) {
	producer, err := kafka.NewProducer([]string{"localhost:9092"})
	if err != nil {
		t.Skipf("kafka is not available for integration test: %v", err)
	}
	closeKafka(producer, log.WithField("test", "kafka-close"))
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("STOCK_POSTGRES_TEST_DSN"))
}
