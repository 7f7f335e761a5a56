package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

func TestNewStockLog_Pending(t *testing.T) {
	now := time.Date(2025, 1, 9, 10, 0, 0, 0, time.FixedZone("UTC+3", 3*3600))

	log, err := domain.NewStockLog(42, 1, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Status != domain.StockLogPending {
		t.Fatalf("expected pending, got %s", log.Status)
	}
	if log.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps, got %s", log.CreatedAt.Location())
	}
}

func TestNewStockLog_Validation(t *testing.T) {
	if _, err := domain.NewStockLog(0, 1, time.Now()); !errors.Is(err, domain.ErrProductIDInvalid) {
		t.Fatalf("expected ErrProductIDInvalid, got %v", err)
	}
	if _, err := domain.NewStockLog(1, 0, time.Now()); !errors.Is(err, domain.ErrAmountInvalid) {
		t.Fatalf("expected ErrAmountInvalid, got %v", err)
	}
}

func TestStockLogStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to domain.StockLogStatus
		want     bool
	}{
		{domain.StockLogPending, domain.StockLogCommitted, true},
		{domain.StockLogPending, domain.StockLogRolledBack, true},
		{domain.StockLogPending, domain.StockLogPending, false},
		{domain.StockLogCommitted, domain.StockLogRolledBack, false},
		{domain.StockLogRolledBack, domain.StockLogCommitted, false},
		{domain.StockLogCommitted, domain.StockLogCommitted, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStockLog_Decision(t *testing.T) {
	cases := map[domain.StockLogStatus]domain.Decision{
		domain.StockLogPending:    domain.DecisionUnknown,
		domain.StockLogCommitted:  domain.DecisionCommit,
		domain.StockLogRolledBack: domain.DecisionRollback,
		domain.StockLogStatus(7):  domain.DecisionUnknown,
	}
	for status, want := range cases {
		log := domain.StockLog{ID: 1, ProductID: 1, Amount: 1, Status: status}
		// Повторный вызов обязан давать то же решение.
		for i := 0; i < 3; i++ {
			if got := log.Decision(); got != want {
				t.Fatalf("status %s: got %s, want %s", status, got, want)
			}
		}
	}
}

func TestStockLogStatus_String(t *testing.T) {
	if got := domain.StockLogRolledBack.String(); got != "rolled_back" {
		t.Fatalf("unexpected string: %s", got)
	}
	if domain.StockLogStatus(9).Valid() {
		t.Fatal("status 9 must be invalid")
	}
}
