package ledger

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// Ledger - журнал попыток списания. Единственный источник истины для check-back.
type Ledger struct {
	repo   domain.StockLogRepository
	logger *log.Entry
}

// New создаёт Ledger поверх репозитория журнала.
func New(repo domain.StockLogRepository, logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "stock-log-ledger")
	}
	return &Ledger{repo: repo, logger: logger}
}

// Create записывает попытку списания в статусе Pending. Запись сохранена
// до возврата, поэтому её ID можно класть в исходящее сообщение.
func (l *Ledger) Create(ctx context.Context, productID, amount int64) (domain.StockLog, error) {
	if productID <= 0 {
		return domain.StockLog{}, domain.ErrProductIDInvalid
	}
	if amount <= 0 {
		return domain.StockLog{}, domain.ErrAmountInvalid
	}

	record, err := l.repo.Create(ctx, domain.StockLog{
		ProductID: productID,
		Amount:    amount,
		Status:    domain.StockLogPending,
	})
	if err != nil {
		return domain.StockLog{}, fmt.Errorf("create stock log: %w", err)
	}
	return record, nil
}

// MarkCommitted переводит запись в Committed. Повторный вызов не ошибка.
func (l *Ledger) MarkCommitted(ctx context.Context, id int64) (bool, error) {
	return l.transition(ctx, id, domain.StockLogCommitted)
}

// MarkRolledBack переводит запись в RolledBack. Возвращает true только
// для вызова, который выполнил переход: компенсацию делает именно он.
func (l *Ledger) MarkRolledBack(ctx context.Context, id int64) (bool, error) {
	return l.transition(ctx, id, domain.StockLogRolledBack)
}

// Get возвращает запись или domain.ErrStockLogNotFound.
func (l *Ledger) Get(ctx context.Context, id int64) (domain.StockLog, error) {
	return l.repo.Get(ctx, id)
}

func (l *Ledger) transition(ctx context.Context, id int64, next domain.StockLogStatus) (bool, error) {
	changed, err := l.repo.Transition(ctx, id, next)
	if err != nil {
		return false, fmt.Errorf("mark stock log %d %s: %w", id, next, err)
	}
	if changed {
		l.logger.WithFields(log.Fields{
			"stock_log_id": id,
			"status":       next.String(),
		}).Debug("stock log transitioned")
	}
	return changed, nil
}
