package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

type stubOrders struct {
	result domain.OrderResult
	err    error
}

func (s stubOrders) ReserveAndOrder(_ context.Context, productID int64) (domain.OrderResult, error) {
	r := s.result
	r.ProductID = productID
	return r, s.err
}

func (s stubOrders) ReserveAndSync(_ context.Context, productID int64) (domain.OrderResult, error) {
	r := s.result
	r.ProductID = productID
	return r, s.err
}

type stubDecreaser struct {
	mu      sync.Mutex
	applied map[string]bool
	fail    error
}

func (s *stubDecreaser) SyncDecrement(_ context.Context, _ int64, token string) domain.SyncResult {
	if s.fail != nil {
		return domain.Failed(token, s.fail)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[token] {
		return domain.Duplicate(token)
	}
	s.applied[token] = true
	return domain.Applied(token)
}

type stubPreheater struct {
	num int64
	err error
}

func (s stubPreheater) Preheat(context.Context, int64) (int64, error) {
	return s.num, s.err
}

type stubLogs map[int64]domain.StockLog

func (s stubLogs) Get(_ context.Context, id int64) (domain.StockLog, error) {
	record, ok := s[id]
	if !ok {
		return domain.StockLog{}, fmt.Errorf("id %d: %w", id, domain.ErrStockLogNotFound)
	}
	return record, nil
}

func newTestHandler(orders OrderPlacer, decrease StockDecreaser) *Handler {
	if orders == nil {
		orders = stubOrders{result: domain.OrderResult{Status: domain.OrderStatusCreated, OrderID: 1, StockLogID: 1}}
	}
	if decrease == nil {
		decrease = &stubDecreaser{applied: map[string]bool{}}
	}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	logs := stubLogs{7: {ID: 7, ProductID: 42, Amount: 1, Status: domain.StockLogCommitted, CreatedAt: now, UpdatedAt: now}}
	return NewHandler(orders, decrease, stubPreheater{num: 10}, logs, nil)
}

func do(t *testing.T, h http.Handler, method, path string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestCreateOrder_StatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		orders   stubOrders
		wantCode int
		wantBody string
	}{
		{
			name:     "created",
			orders:   stubOrders{result: domain.OrderResult{Status: domain.OrderStatusCreated, OrderID: 5, StockLogID: 9}},
			wantCode: http.StatusOK,
			wantBody: "created",
		},
		{
			name:     "out of stock",
			orders:   stubOrders{result: domain.OrderResult{Status: domain.OrderStatusOutOfStock}},
			wantCode: http.StatusConflict,
			wantBody: "out_of_stock",
		},
		{
			name:     "error",
			orders:   stubOrders{result: domain.OrderResult{Status: domain.OrderStatusError}, err: domain.ErrLocalTransaction},
			wantCode: http.StatusInternalServerError,
			wantBody: "error",
		},
		{
			name:     "error with warning",
			orders:   stubOrders{result: domain.OrderResult{Status: domain.OrderStatusError, Warning: "rolled back"}},
			wantCode: http.StatusInternalServerError,
			wantBody: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, body := do(t, newTestHandler(tt.orders, nil), http.MethodPost, "/v1/orders/42", nil)
			require.Equal(t, tt.wantCode, rec.Code)
			require.Equal(t, tt.wantBody, body["status"])
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestCreateOrder_ResponseFields(t *testing.T) {
	t.Parallel()

	h := newTestHandler(stubOrders{result: domain.OrderResult{Status: domain.OrderStatusCreated, OrderID: 5, StockLogID: 9}}, nil)
	_, body := do(t, h, http.MethodPost, "/v1/orders/42", nil)
	require.EqualValues(t, 5, body["order_id"])
	require.EqualValues(t, 9, body["stock_log_id"])
	require.EqualValues(t, 42, body["product_id"])
}

func TestCreateOrder_BadProductID(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/v1/orders/abc", "/v1/orders/0", "/v1/orders/-3"} {
		rec, _ := do(t, newTestHandler(nil, nil), http.MethodPost, path, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestCreateOrder_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/v1/orders/1", nil)
	rec := httptest.NewRecorder()
	newTestHandler(nil, nil).ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReserve_ReturnsToken(t *testing.T) {
	t.Parallel()

	h := newTestHandler(stubOrders{result: domain.OrderResult{Status: domain.OrderStatusReserved, Token: "tok", MessageID: "m-1"}}, nil)
	rec, body := do(t, h, http.MethodPost, "/v1/stock/3/reserve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "reserved", body["status"])
	require.Equal(t, "tok", body["token"])
	require.Equal(t, "m-1", body["message_id"])
}

func TestDecrease_IdempotencyKey(t *testing.T) {
	t.Parallel()

	h := newTestHandler(nil, nil)
	headers := map[string]string{HeaderIdempotencyKey: "key-1"}

	rec, body := do(t, h, http.MethodPost, "/v1/stock/1/decrease", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "applied", body["status"])
	require.Equal(t, "key-1", body["token"])

	rec, body = do(t, h, http.MethodPost, "/v1/stock/1/decrease", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "duplicate", body["status"])
}

func TestDecrease_GeneratesToken(t *testing.T) {
	t.Parallel()

	h := newTestHandler(nil, nil)
	_, first := do(t, h, http.MethodPost, "/v1/stock/1/decrease", nil)
	_, second := do(t, h, http.MethodPost, "/v1/stock/1/decrease", nil)
	require.Equal(t, "applied", first["status"])
	require.Equal(t, "applied", second["status"])
	require.NotEqual(t, first["token"], second["token"])
}

func TestDecrease_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "retryable", err: fmt.Errorf("%w: db down", domain.ErrTransientIO), wantCode: http.StatusServiceUnavailable},
		{name: "exhausted", err: domain.ErrStockExhausted, wantCode: http.StatusUnprocessableEntity},
		{name: "unknown product", err: domain.ErrStockNotFound, wantCode: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestHandler(nil, &stubDecreaser{fail: tt.err})
			rec, body := do(t, h, http.MethodPost, "/v1/stock/1/decrease", map[string]string{HeaderIdempotencyKey: "k"})
			require.Equal(t, tt.wantCode, rec.Code)
			require.Equal(t, "failed", body["status"])
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestPreheat(t *testing.T) {
	t.Parallel()

	rec, body := do(t, newTestHandler(nil, nil), http.MethodPost, "/v1/stock/2/preheat", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 10, body["stock_num"])

	missing := NewHandler(stubOrders{}, &stubDecreaser{}, stubPreheater{err: domain.ErrStockNotFound}, stubLogs{}, nil)
	rec, _ = do(t, missing, http.MethodPost, "/v1/stock/2/preheat", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	broken := NewHandler(stubOrders{}, &stubDecreaser{}, stubPreheater{err: errors.New("boom")}, stubLogs{}, nil)
	rec, _ = do(t, broken, http.MethodPost, "/v1/stock/2/preheat", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetStockLog(t *testing.T) {
	t.Parallel()

	h := newTestHandler(nil, nil)
	rec, body := do(t, h, http.MethodGet, "/v1/stock-logs/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "committed", body["status"])
	require.EqualValues(t, 42, body["product_id"])
	require.Equal(t, "2024-05-01T10:00:00.000Z", body["created_at"])

	rec, _ = do(t, h, http.MethodGet, "/v1/stock-logs/8", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
