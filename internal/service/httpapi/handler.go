// Package httpapi публикует операции сервиса остатков по HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// HeaderIdempotencyKey задаёт токен прямого списания.
const HeaderIdempotencyKey = "Idempotency-Key"

// OrderPlacer - сага резерва и создания заказа.
type OrderPlacer interface {
	ReserveAndOrder(ctx context.Context, productID int64) (domain.OrderResult, error)
	ReserveAndSync(ctx context.Context, productID int64) (domain.OrderResult, error)
}

// StockDecreaser - прямое идемпотентное списание.
type StockDecreaser interface {
	SyncDecrement(ctx context.Context, productID int64, token string) domain.SyncResult
}

// StockPreheater переносит остаток из БД в счётчик.
type StockPreheater interface {
	Preheat(ctx context.Context, productID int64) (int64, error)
}

// StockLogReader читает журнал списаний.
type StockLogReader interface {
	Get(ctx context.Context, id int64) (domain.StockLog, error)
}

// Handler обслуживает /v1/*.
type Handler struct {
	orders   OrderPlacer
	decrease StockDecreaser
	preheat  StockPreheater
	logs     StockLogReader
	logger   *log.Entry
	mux      *http.ServeMux
}

type orderResponse struct {
	Status     string `json:"status"`
	ProductID  int64  `json:"product_id"`
	OrderID    int64  `json:"order_id,omitempty"`
	StockLogID int64  `json:"stock_log_id,omitempty"`
	Token      string `json:"token,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Warning    string `json:"warning,omitempty"`
	Error      string `json:"error,omitempty"`
}

type decreaseResponse struct {
	Status    string `json:"status"`
	Token     string `json:"token,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Error     string `json:"error,omitempty"`
}

type preheatResponse struct {
	ProductID int64 `json:"product_id"`
	StockNum  int64 `json:"stock_num"`
}

type stockLogResponse struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler собирает маршруты API.
func NewHandler(orders OrderPlacer, decrease StockDecreaser, preheat StockPreheater, logs StockLogReader, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	h := &Handler{
		orders:   orders,
		decrease: decrease,
		preheat:  preheat,
		logs:     logs,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/orders/{productId}", h.CreateOrder)
	h.mux.HandleFunc("POST /v1/stock/{productId}/decrease", h.Decrease)
	h.mux.HandleFunc("POST /v1/stock/{productId}/reserve", h.Reserve)
	h.mux.HandleFunc("POST /v1/stock/{productId}/preheat", h.Preheat)
	h.mux.HandleFunc("GET /v1/stock-logs/{id}", h.GetStockLog)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CreateOrder - POST /v1/orders/{productId}.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId")
	if !ok {
		return
	}

	result, err := h.orders.ReserveAndOrder(r.Context(), productID)
	h.writeOrderResult(w, result, err)
}

// Reserve - POST /v1/stock/{productId}/reserve.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId")
	if !ok {
		return
	}

	result, err := h.orders.ReserveAndSync(r.Context(), productID)
	h.writeOrderResult(w, result, err)
}

// Decrease - POST /v1/stock/{productId}/decrease. Без Idempotency-Key
// токен генерируется, и повтор запроса спишет ещё одну единицу.
func (h *Handler) Decrease(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId")
	if !ok {
		return
	}

	token := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if token == "" {
		token = uuid.NewString()
	}

	result := h.decrease.SyncDecrement(r.Context(), productID, token)
	resp := decreaseResponse{Status: string(result.Outcome), Token: result.Token}
	if result.Settled() {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Retryable = result.Retryable
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	status := http.StatusUnprocessableEntity
	if result.Retryable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Preheat - POST /v1/stock/{productId}/preheat.
func (h *Handler) Preheat(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productId")
	if !ok {
		return
	}

	num, err := h.preheat.Preheat(r.Context(), productID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrStockNotFound) {
			status = http.StatusNotFound
		}
		h.logger.WithError(err).WithField("product_id", productID).Warn("preheat failed")
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, preheatResponse{ProductID: productID, StockNum: num})
}

// GetStockLog - GET /v1/stock-logs/{id}.
func (h *Handler) GetStockLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	record, err := h.logs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrStockLogNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		h.logger.WithError(err).WithField("stock_log_id", id).Warn("stock log lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, stockLogResponse{
		ID:        record.ID,
		ProductID: record.ProductID,
		Amount:    record.Amount,
		Status:    record.Status.String(),
		CreatedAt: record.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: record.UpdatedAt.UTC().Format(timeLayout),
	})
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (h *Handler) writeOrderResult(w http.ResponseWriter, result domain.OrderResult, err error) {
	resp := orderResponse{
		Status:     string(result.Status),
		ProductID:  result.ProductID,
		OrderID:    result.OrderID,
		StockLogID: result.StockLogID,
		Token:      result.Token,
		MessageID:  result.MessageID,
		Warning:    result.Warning,
	}

	switch result.Status {
	case domain.OrderStatusCreated, domain.OrderStatusReserved:
		writeJSON(w, http.StatusOK, resp)
	case domain.OrderStatusOutOfStock:
		writeJSON(w, http.StatusConflict, resp)
	default:
		if resp.Status == "" {
			resp.Status = string(domain.OrderStatusError)
		}
		if err != nil {
			resp.Error = err.Error()
			h.logger.WithError(err).WithField("product_id", result.ProductID).Warn("order request failed")
		}
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
