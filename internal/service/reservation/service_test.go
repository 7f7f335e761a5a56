package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/storage/memory"
)

func TestTryReserve_NoOversellUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		stockNum = 25
		callers  = 200
	)

	ctx := context.Background()
	counter := memory.NewCounterStore()
	require.NoError(t, counter.Set(ctx, StockKey(7), stockNum))
	svc := NewService(counter)

	var (
		wg      sync.WaitGroup
		won     atomic.Int64
		refused atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.TryReserve(ctx, 7)
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, stockNum, won.Load())
	require.EqualValues(t, callers-stockNum, refused.Load())

	remaining, err := svc.Remaining(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestTryReserve_OutOfStockSetsKnownEmptyMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	counter := memory.NewCounterStore().WithClock(func() time.Time { return clock })
	svc := NewService(counter, WithKnownEmptyTTL(30*time.Second))

	_, err := svc.TryReserve(ctx, 3)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	empty, err := svc.KnownEmpty(ctx, 3)
	require.NoError(t, err)
	require.True(t, empty)

	clock = now.Add(31 * time.Second)
	empty, err = svc.KnownEmpty(ctx, 3)
	require.NoError(t, err)
	require.False(t, empty, "marker must expire after its ttl")
}

func TestCompensate_RestoresCounterAndClearsMarker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	counter := memory.NewCounterStore()
	require.NoError(t, counter.Set(ctx, StockKey(1), 1))
	svc := NewService(counter)

	_, err := svc.TryReserve(ctx, 1)
	require.NoError(t, err)
	_, err = svc.TryReserve(ctx, 1)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	require.NoError(t, svc.Compensate(ctx, 1))

	remaining, err := svc.Remaining(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, remaining)

	empty, err := svc.KnownEmpty(ctx, 1)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestTryReserve_InvalidProduct(t *testing.T) {
	t.Parallel()

	svc := NewService(memory.NewCounterStore())
	_, err := svc.TryReserve(context.Background(), 0)
	require.ErrorIs(t, err, domain.ErrProductIDInvalid)
}

func TestPreheat_LoadsDurableStock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	counter := memory.NewCounterStore()
	stock := memory.NewStockRepository()
	require.NoError(t, stock.Upsert(ctx, domain.Stock{ProductID: 42, ProductName: "phone", StockNum: 5}))
	require.NoError(t, counter.SetWithTTL(ctx, KnownEmptyKey(42), "1", time.Minute))

	svc := NewService(counter, WithStockRepository(stock))

	loaded, err := svc.Preheat(ctx, 42)
	require.NoError(t, err)
	require.EqualValues(t, 5, loaded)

	remaining, err := svc.Remaining(ctx, 42)
	require.NoError(t, err)
	require.EqualValues(t, 5, remaining)

	empty, err := svc.KnownEmpty(ctx, 42)
	require.NoError(t, err)
	require.False(t, empty)

	_, err = svc.Preheat(ctx, 404)
	require.ErrorIs(t, err, domain.ErrStockNotFound)
}

func TestPreheat_WithoutStockRepository(t *testing.T) {
	t.Parallel()

	svc := NewService(memory.NewCounterStore())
	_, err := svc.Preheat(context.Background(), 1)
	require.Error(t, err)
}

type failingCounter struct {
	domain.CounterStore
}

func (failingCounter) DecrementIfPositive(context.Context, string) (int64, error) {
	return 0, domain.ErrTransientIO
}

func TestTryReserve_TransientFailureIsNotOutOfStock(t *testing.T) {
	t.Parallel()

	svc := NewService(failingCounter{CounterStore: memory.NewCounterStore()})
	_, err := svc.TryReserve(context.Background(), 1)
	require.ErrorIs(t, err, domain.ErrTransientIO)
	require.NotErrorIs(t, err, domain.ErrOutOfStock)
}

func TestPreheat_KeepsLiveCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	counter := memory.NewCounterStore()
	stock := memory.NewStockRepository()
	require.NoError(t, stock.Upsert(ctx, domain.Stock{ProductID: 8, StockNum: 1}))
	svc := NewService(counter, WithStockRepository(stock))

	loaded, err := svc.Preheat(ctx, 8)
	require.NoError(t, err)
	require.EqualValues(t, 1, loaded)

	_, err = svc.TryReserve(ctx, 8)
	require.NoError(t, err)

	// Списание ещё не дошло до БД: stock_num по-прежнему 1.
	current, err := svc.Preheat(ctx, 8)
	require.NoError(t, err)
	require.Zero(t, current)

	_, err = svc.TryReserve(ctx, 8)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	empty, err := svc.KnownEmpty(ctx, 8)
	require.NoError(t, err)
	require.True(t, empty)

	_, err = svc.Preheat(ctx, 8)
	require.NoError(t, err)
	empty, err = svc.KnownEmpty(ctx, 8)
	require.NoError(t, err)
	require.True(t, empty, "preheat of an empty live counter keeps the marker")
}

// racingCounter выполняет onMarker до записи маркера, имитируя
// конкурентную компенсацию между списанием и SetWithTTL.
type racingCounter struct {
	*memory.CounterStore
	onMarker func()
}

func (c *racingCounter) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.onMarker != nil {
		hook := c.onMarker
		c.onMarker = nil
		hook()
	}
	return c.CounterStore.SetWithTTL(ctx, key, value, ttl)
}

func TestTryReserve_CompensationBeforeMarkerWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	counter := &racingCounter{CounterStore: memory.NewCounterStore()}
	svc := NewService(counter)
	counter.onMarker = func() {
		require.NoError(t, svc.Compensate(ctx, 5))
	}

	_, err := svc.TryReserve(ctx, 5)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	empty, err := svc.KnownEmpty(ctx, 5)
	require.NoError(t, err)
	require.False(t, empty, "marker must not outlive a compensated unit")

	remaining, err := svc.Remaining(ctx, 5)
	require.NoError(t, err)
	require.EqualValues(t, 1, remaining)
}
