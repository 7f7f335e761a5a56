package stocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/metrics"
	"github.com/vladislavdragonenkov/stocksaga/internal/storage/memory"
)

func seedStock(t *testing.T, repo *memory.StockRepository, productID, num int64) {
	t.Helper()
	require.NoError(t, repo.Upsert(context.Background(), domain.Stock{ProductID: productID, ProductName: "item", StockNum: num}))
}

func stockNum(t *testing.T, repo *memory.StockRepository, productID int64) int64 {
	t.Helper()
	stock, err := repo.Get(context.Background(), productID)
	require.NoError(t, err)
	return stock.StockNum
}

func TestOnDeliver_SecondDeliveryIsDuplicate(t *testing.T) {
	t.Parallel()

	stock := memory.NewStockRepository()
	counter := memory.NewCounterStore()
	seedStock(t, stock, 42, 10)
	syncer := New(stock, counter)

	event := domain.StockDecreaseEvent{ProductID: 42, Token: "t"}

	first := syncer.OnDeliver(context.Background(), event)
	require.Equal(t, domain.SyncApplied, first.Outcome)

	second := syncer.OnDeliver(context.Background(), event)
	require.Equal(t, domain.SyncDuplicate, second.Outcome)
	require.True(t, second.Settled())

	require.EqualValues(t, 9, stockNum(t, stock, 42))
}

func TestOnDeliver_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	t.Parallel()

	const deliveries = 32

	stock := memory.NewStockRepository()
	counter := memory.NewCounterStore()
	seedStock(t, stock, 7, 100)
	syncer := New(stock, counter)

	event := domain.StockDecreaseEvent{ProductID: 7, StockLogID: 15}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[domain.SyncOutcome]int{}
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := syncer.OnDeliver(context.Background(), event)
			mu.Lock()
			results[result.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, results[domain.SyncApplied])
	require.Equal(t, deliveries-1, results[domain.SyncDuplicate])
	require.EqualValues(t, 99, stockNum(t, stock, 7))

	exists, err := counter.Exists(context.Background(), domain.MarkerKey("stock-log:15"))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestOnDeliver_WithoutCounterStillDeduplicates(t *testing.T) {
	t.Parallel()

	stock := memory.NewStockRepository()
	seedStock(t, stock, 3, 5)
	syncer := New(stock, nil)

	for i := 0; i < 3; i++ {
		syncer.OnDeliver(context.Background(), domain.StockDecreaseEvent{ProductID: 3, Token: "same"})
	}
	require.EqualValues(t, 4, stockNum(t, stock, 3))
}

type flakyStock struct {
	*memory.StockRepository
	failures int
	mu       sync.Mutex
}

func (f *flakyStock) ApplyDecrement(ctx context.Context, token string, productID int64, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, fmt.Errorf("%w: connection reset", domain.ErrTransientIO)
	}
	f.mu.Unlock()
	return f.StockRepository.ApplyDecrement(ctx, token, productID, ttl)
}

func TestOnDeliver_FailedWriteLeavesNoMarker(t *testing.T) {
	t.Parallel()

	repo := memory.NewStockRepository()
	seedStock(t, repo, 5, 2)
	stock := &flakyStock{StockRepository: repo, failures: 1}
	counter := memory.NewCounterStore()
	syncer := New(stock, counter)

	event := domain.StockDecreaseEvent{ProductID: 5, Token: "retry-me"}

	failed := syncer.OnDeliver(context.Background(), event)
	require.Equal(t, domain.SyncFailed, failed.Outcome)
	require.True(t, failed.Retryable)
	require.ErrorIs(t, failed.Err, domain.ErrTransientIO)

	exists, err := counter.Exists(context.Background(), domain.MarkerKey("retry-me"))
	require.NoError(t, err)
	require.False(t, exists, "failed write must not block retry")

	retried := syncer.OnDeliver(context.Background(), event)
	require.Equal(t, domain.SyncApplied, retried.Outcome)
	require.EqualValues(t, 1, stockNum(t, repo, 5))
}

func TestOnDeliver_NonRetryableFailures(t *testing.T) {
	t.Parallel()

	stock := memory.NewStockRepository()
	seedStock(t, stock, 1, 0)
	syncer := New(stock, memory.NewCounterStore())

	tests := []struct {
		name  string
		event domain.StockDecreaseEvent
		err   error
	}{
		{name: "exhausted", event: domain.StockDecreaseEvent{ProductID: 1, Token: "a"}, err: domain.ErrStockExhausted},
		{name: "unknown product", event: domain.StockDecreaseEvent{ProductID: 404, Token: "b"}, err: domain.ErrStockNotFound},
		{name: "no token", event: domain.StockDecreaseEvent{ProductID: 1}, err: domain.ErrTokenRequired},
		{name: "bad product", event: domain.StockDecreaseEvent{ProductID: 0, Token: "c"}, err: domain.ErrProductIDInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := syncer.OnDeliver(context.Background(), tt.event)
			require.Equal(t, domain.SyncFailed, result.Outcome)
			require.False(t, result.Retryable)
			require.True(t, errors.Is(result.Err, tt.err), "got %v", result.Err)
		})
	}
	require.Zero(t, stockNum(t, stock, 1))
}

type brokenMarkers struct {
	*memory.CounterStore
}

func (brokenMarkers) SetWithTTL(context.Context, string, string, time.Duration) error {
	return errors.New("redis: connection refused")
}

func TestOnDeliver_MarkerWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	stock := memory.NewStockRepository()
	seedStock(t, stock, 2, 3)
	syncer := New(stock, brokenMarkers{CounterStore: memory.NewCounterStore()})

	event := domain.StockDecreaseEvent{ProductID: 2, Token: "m"}
	require.Equal(t, domain.SyncApplied, syncer.OnDeliver(context.Background(), event).Outcome)
	// Без маркера повтор отсекает долговременный токен.
	require.Equal(t, domain.SyncDuplicate, syncer.OnDeliver(context.Background(), event).Outcome)
	require.EqualValues(t, 2, stockNum(t, stock, 2))
}

func TestSyncDecrement_RecordsOutcomes(t *testing.T) {
	t.Parallel()

	stock := memory.NewStockRepository()
	seedStock(t, stock, 9, 1)
	m := metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry())
	syncer := New(stock, memory.NewCounterStore(), WithMetrics(m))

	require.Equal(t, domain.SyncApplied, syncer.SyncDecrement(context.Background(), 9, " key-1 ").Outcome)
	require.Equal(t, domain.SyncDuplicate, syncer.SyncDecrement(context.Background(), 9, "key-1").Outcome)

	exhausted := syncer.SyncDecrement(context.Background(), 9, "key-2")
	require.Equal(t, domain.SyncFailed, exhausted.Outcome)
	require.ErrorIs(t, exhausted.Err, domain.ErrStockExhausted)

	empty := syncer.SyncDecrement(context.Background(), 9, "  ")
	require.ErrorIs(t, empty.Err, domain.ErrTokenRequired)
}

func TestOnDeliver_TokenReappliesAfterWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	stock := memory.NewStockRepository().WithClock(clock)
	counter := memory.NewCounterStore().WithClock(clock)
	seedStock(t, stock, 6, 5)
	syncer := New(stock, counter, WithMarkerTTL(time.Hour))

	event := domain.StockDecreaseEvent{ProductID: 6, Token: "late"}
	require.Equal(t, domain.SyncApplied, syncer.OnDeliver(context.Background(), event).Outcome)

	now = now.Add(2 * time.Hour)
	require.Equal(t, domain.SyncApplied, syncer.OnDeliver(context.Background(), event).Outcome)
	require.EqualValues(t, 3, stockNum(t, stock, 6))
}
