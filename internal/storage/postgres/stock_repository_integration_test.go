package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

func TestStockRepository_PostgresApplyDecrementDedupe(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewStockRepository(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, repo.Upsert(ctx, domain.Stock{ProductID: 42, ProductName: "phone", StockNum: 5}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ApplyDecrement(ctx, "stock-log:1", 42, time.Hour)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, applied)
	stock, err := repo.Get(ctx, 42)
	require.NoError(t, err)
	require.EqualValues(t, 4, stock.StockNum)

	token, err := repo.Tokens().Get(ctx, "stock-log:1")
	require.NoError(t, err)
	require.EqualValues(t, 42, token.ProductID)
}

func TestStockRepository_PostgresExhaustedLeavesNoToken(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewStockRepository(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, repo.Upsert(ctx, domain.Stock{ProductID: 5, StockNum: 0}))

	ok, err := repo.ApplyDecrement(ctx, "t-exhausted", 5, time.Hour)
	require.False(t, ok)
	require.ErrorIs(t, err, domain.ErrStockExhausted)

	_, err = repo.Tokens().Get(ctx, "t-exhausted")
	require.ErrorIs(t, err, domain.ErrAppliedTokenNotFound)

	_, err = repo.ApplyDecrement(ctx, "t-missing", 404, time.Hour)
	require.ErrorIs(t, err, domain.ErrStockNotFound)
}

func TestStockRepository_PostgresExpiredTokenReapplies(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewStockRepository(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, repo.Upsert(ctx, domain.Stock{ProductID: 9, StockNum: 3}))

	ok, err := repo.ApplyDecrement(ctx, "t-expiring", 9, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.DB().ExecContext(ctx, `UPDATE applied_tokens SET ttl_at = NOW() - INTERVAL '1 second' WHERE token = $1`, "t-expiring")
	require.NoError(t, err)

	ok, err = repo.ApplyDecrement(ctx, "t-expiring", 9, time.Hour)
	require.NoError(t, err)
	require.True(t, ok, "expired token must not dedupe")

	_, err = store.DB().ExecContext(ctx, `UPDATE applied_tokens SET ttl_at = NOW() - INTERVAL '1 second'`)
	require.NoError(t, err)
	deleted, err := repo.Tokens().DeleteExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestStockRepository_PostgresCreateIfAbsentKeepsLiveStock(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewStockRepository(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := repo.CreateIfAbsent(ctx, domain.Stock{ProductID: 77, ProductName: "tv", StockNum: 3})
	require.NoError(t, err)
	require.True(t, created)

	applied, err := repo.ApplyDecrement(ctx, "stock-log:77", 77, time.Hour)
	require.NoError(t, err)
	require.True(t, applied)

	created, err = repo.CreateIfAbsent(ctx, domain.Stock{ProductID: 77, ProductName: "tv", StockNum: 3})
	require.NoError(t, err)
	require.False(t, created)

	stock, err := repo.Get(ctx, 77)
	require.NoError(t, err)
	require.EqualValues(t, 2, stock.StockNum)
}
