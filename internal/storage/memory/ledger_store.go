package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// LedgerStore хранит журнал списаний и заказы под одним mutex, поэтому
// CommitReservation ведёт себя как одна транзакция.
type LedgerStore struct {
	mu          sync.RWMutex
	logs        map[int64]domain.StockLog
	orders      map[int64]domain.Order
	ordersByLog map[int64]int64
	nextLogID   int64
	nextOrderID int64
	now         func() time.Time
}

// NewLedgerStore создаёт in-memory журнал и хранилище заказов.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		logs:        make(map[int64]domain.StockLog),
		orders:      make(map[int64]domain.Order),
		ordersByLog: make(map[int64]int64),
		now:         time.Now,
	}
}

// Create сохраняет новую запись журнала в статусе Pending.
func (s *LedgerStore) Create(ctx context.Context, log domain.StockLog) (domain.StockLog, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockLog{}, err
	}
	if log.ProductID <= 0 {
		return domain.StockLog{}, domain.ErrProductIDInvalid
	}
	if log.Amount <= 0 {
		return domain.StockLog{}, domain.ErrAmountInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	now := s.now().UTC()
	log.ID = s.nextLogID
	log.Status = domain.StockLogPending
	log.CreatedAt = now
	log.UpdatedAt = now
	s.logs[log.ID] = log
	return log, nil
}

// Get возвращает запись журнала.
func (s *LedgerStore) Get(ctx context.Context, id int64) (domain.StockLog, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockLog{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[id]
	if !ok {
		return domain.StockLog{}, domain.ErrStockLogNotFound
	}
	return log, nil
}

// Transition выполняет условный переход из Pending.
func (s *LedgerStore) Transition(ctx context.Context, id int64, next domain.StockLogStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(id, next)
}

func (s *LedgerStore) transitionLocked(id int64, next domain.StockLogStatus) (bool, error) {
	log, ok := s.logs[id]
	if !ok {
		return false, domain.ErrStockLogNotFound
	}
	if log.Status == next {
		return false, nil
	}
	if !log.Status.CanTransitionTo(next) {
		return false, domain.ErrInvalidStatusTransition
	}
	log.Status = next
	log.UpdatedAt = s.now().UTC()
	s.logs[id] = log
	return true, nil
}

// ListStalePending возвращает Pending-записи старше olderThan, самые старые первыми.
func (s *LedgerStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.StockLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLog, 0)
	for _, log := range s.logs {
		if log.Status == domain.StockLogPending && log.CreatedAt.Before(olderThan) {
			result = append(result, log)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CommitReservation создаёт заказ и переводит запись журнала в Committed атомарно.
func (s *LedgerStore) CommitReservation(ctx context.Context, stockLogID int64) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[stockLogID]
	if !ok {
		return domain.Order{}, domain.ErrStockLogNotFound
	}
	if log.Status != domain.StockLogPending {
		return domain.Order{}, domain.ErrInvalidStatusTransition
	}
	if _, exists := s.ordersByLog[stockLogID]; exists {
		return domain.Order{}, domain.ErrOrderExists
	}

	if _, err := s.transitionLocked(stockLogID, domain.StockLogCommitted); err != nil {
		return domain.Order{}, err
	}

	s.nextOrderID++
	order := domain.Order{
		ID:         s.nextOrderID,
		ProductID:  log.ProductID,
		ProductNum: log.Amount,
		StockLogID: stockLogID,
		CreatedAt:  s.now().UTC(),
	}
	s.orders[order.ID] = order
	s.ordersByLog[stockLogID] = order.ID
	return order, nil
}

// GetByStockLog возвращает заказ по записи журнала.
func (s *LedgerStore) GetByStockLog(ctx context.Context, stockLogID int64) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.ordersByLog[stockLogID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.orders[orderID], nil
}

// CountByStockLog возвращает число заказов по записи журнала.
func (s *LedgerStore) CountByStockLog(ctx context.Context, stockLogID int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, order := range s.orders {
		if order.StockLogID == stockLogID {
			count++
		}
	}
	return count, nil
}

// Orders возвращает копию всех заказов (используется в тестах).
func (s *LedgerStore) Orders() []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		result = append(result, order)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Logs возвращает копию журнала (используется в тестах).
func (s *LedgerStore) Logs() []domain.StockLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLog, 0, len(s.logs))
	for _, log := range s.logs {
		result = append(result, log)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// WithClock подменяет источник времени (для тестов sweeper).
func (s *LedgerStore) WithClock(now func() time.Time) *LedgerStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

var (
	_ domain.StockLogRepository = (*LedgerStore)(nil)
	_ domain.OrderStore         = (*LedgerStore)(nil)
)
