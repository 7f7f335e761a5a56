package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCounterStore_DecrementIfPositive_NoOversell(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()
	if err := store.Set(ctx, "stock:1", 20); err != nil {
		t.Fatalf("set: %v", err)
	}

	var (
		wg      sync.WaitGroup
		success atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := store.DecrementIfPositive(ctx, "stock:1")
			if err != nil {
				t.Errorf("decrement: %v", err)
				return
			}
			if remaining >= 0 {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := success.Load(); got != 20 {
		t.Fatalf("expected 20 successful decrements, got %d", got)
	}
	if value, _ := store.Get(ctx, "stock:1"); value != 0 {
		t.Fatalf("expected counter 0, got %d", value)
	}
}

func TestCounterStore_DecrementMissingKey(t *testing.T) {
	t.Parallel()

	store := NewCounterStore()
	remaining, err := store.DecrementIfPositive(context.Background(), "stock:missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != -1 {
		t.Fatalf("expected -1, got %d", remaining)
	}
}

func TestCounterStore_MarkerTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewCounterStore().WithClock(func() time.Time { return now })

	if err := store.SetWithTTL(ctx, "decrease_mark_a", "1", time.Hour); err != nil {
		t.Fatalf("set marker: %v", err)
	}
	if ok, _ := store.Exists(ctx, "decrease_mark_a"); !ok {
		t.Fatal("marker must exist before ttl")
	}

	now = now.Add(time.Hour)
	if ok, _ := store.Exists(ctx, "decrease_mark_a"); ok {
		t.Fatal("marker must expire after ttl")
	}
}

func TestCounterStore_DeleteAndCanceledContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()
	_ = store.SetWithTTL(ctx, "product_stock_invalid_1", "1", 0)
	if err := store.Delete(ctx, "product_stock_invalid_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, "product_stock_invalid_1"); ok {
		t.Fatal("marker must be deleted")
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Increment(canceled, "stock:1"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestCounterStore_SetIfAbsent_KeepsLiveCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCounterStore()

	loaded, err := store.SetIfAbsent(ctx, "stock:2", 5)
	if err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	if !loaded {
		t.Fatal("expected first SetIfAbsent to load the counter")
	}
	if _, err := store.DecrementIfPositive(ctx, "stock:2"); err != nil {
		t.Fatalf("decrement: %v", err)
	}

	loaded, err = store.SetIfAbsent(ctx, "stock:2", 5)
	if err != nil {
		t.Fatalf("set if absent: %v", err)
	}
	if loaded {
		t.Fatal("SetIfAbsent must not overwrite an existing counter")
	}
	if value, _ := store.Get(ctx, "stock:2"); value != 4 {
		t.Fatalf("expected counter 4, got %d", value)
	}
}
