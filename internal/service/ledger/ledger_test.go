package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
	"github.com/vladislavdragonenkov/stocksaga/internal/storage/memory"
)

func TestLedger_CreateValidates(t *testing.T) {
	t.Parallel()

	l := New(memory.NewLedgerStore(), nil)
	ctx := context.Background()

	_, err := l.Create(ctx, 0, 1)
	require.ErrorIs(t, err, domain.ErrProductIDInvalid)
	_, err = l.Create(ctx, 1, 0)
	require.ErrorIs(t, err, domain.ErrAmountInvalid)

	record, err := l.Create(ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StockLogPending, record.Status)

	got, err := l.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, record.ID, got.ID)
}

func TestLedger_TerminalStatusesAreFinal(t *testing.T) {
	t.Parallel()

	l := New(memory.NewLedgerStore(), nil)
	ctx := context.Background()

	record, err := l.Create(ctx, 1, 1)
	require.NoError(t, err)

	changed, err := l.MarkCommitted(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = l.MarkCommitted(ctx, record.ID)
	require.NoError(t, err)
	require.False(t, changed, "repeated commit is a no-op")

	_, err = l.MarkRolledBack(ctx, record.ID)
	require.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	_, err = l.MarkRolledBack(ctx, 999)
	require.ErrorIs(t, err, domain.ErrStockLogNotFound)
}

func TestLedger_ConcurrentRollbackHasSingleWinner(t *testing.T) {
	t.Parallel()

	l := New(memory.NewLedgerStore(), nil)
	ctx := context.Background()

	record, err := l.Create(ctx, 1, 1)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := l.MarkRolledBack(ctx, record.ID)
			if err != nil {
				t.Errorf("mark rolled back: %v", err)
				return
			}
			if changed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins)
}

type stubCompensator struct {
	mu    sync.Mutex
	calls map[int64]int
	err   error
}

func (s *stubCompensator) Compensate(_ context.Context, productID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[int64]int)
	}
	s.calls[productID]++
	return s.err
}

func (s *stubCompensator) count(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[productID]
}

func TestSweeper_RollsBackOnlyStalePending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := memory.NewLedgerStore().WithClock(func() time.Time { return clock })
	l := New(store, nil)

	stale, err := l.Create(ctx, 7, 1)
	require.NoError(t, err)
	committed, err := l.Create(ctx, 8, 1)
	require.NoError(t, err)
	_, err = l.MarkCommitted(ctx, committed.ID)
	require.NoError(t, err)

	clock = now.Add(9 * time.Minute)
	fresh, err := l.Create(ctx, 9, 1)
	require.NoError(t, err)

	clock = now.Add(11 * time.Minute)
	compensator := &stubCompensator{}
	sweeper := NewSweeper(l, compensator,
		WithStaleAfter(10*time.Minute),
		WithSweeperClock(func() time.Time { return clock }),
	)

	require.Equal(t, 1, sweeper.ProcessOnce(ctx))

	got, err := l.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StockLogRolledBack, got.Status)
	require.Equal(t, 1, compensator.count(7))
	require.Zero(t, compensator.count(8))

	got, err = l.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StockLogPending, got.Status)

	require.Zero(t, sweeper.ProcessOnce(ctx), "second pass must not compensate twice")
	require.Equal(t, 1, compensator.count(7))
}

func TestSweeper_CompensationFailureStillCountsRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := memory.NewLedgerStore().WithClock(func() time.Time { return clock })
	l := New(store, nil)

	record, err := l.Create(ctx, 3, 1)
	require.NoError(t, err)

	clock = now.Add(time.Hour)
	compensator := &stubCompensator{err: errors.New("redis down")}
	sweeper := NewSweeper(l, compensator, WithSweeperClock(func() time.Time { return clock }))

	require.Equal(t, 1, sweeper.ProcessOnce(ctx))
	got, err := l.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StockLogRolledBack, got.Status)
}

func TestSweeper_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	sweeper := NewSweeper(New(memory.NewLedgerStore(), nil), &stubCompensator{}, WithSweepInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}
