package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// LedgerRepository - журнал stock_log и заказы orders в одной базе.
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создаёт PostgreSQL-реализацию журнала и заказов.
func NewLedgerRepository(store *Store) *LedgerRepository {
	return &LedgerRepository{db: store.DB()}
}

func (r *LedgerRepository) Create(ctx context.Context, log domain.StockLog) (domain.StockLog, error) {
	if log.ProductID <= 0 {
		return domain.StockLog{}, domain.ErrProductIDInvalid
	}
	if log.Amount <= 0 {
		return domain.StockLog{}, domain.ErrAmountInvalid
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	log.Status = domain.StockLogPending
	log.CreatedAt = now
	log.UpdatedAt = now

	if err := r.db.QueryRowContext(ctx, `
		INSERT INTO stock_log (product_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, log.ProductID, log.Amount, int(log.Status), now, now).Scan(&log.ID); err != nil {
		return domain.StockLog{}, classify("insert stock_log", err)
	}

	return log, nil
}

func (r *LedgerRepository) Get(ctx context.Context, id int64) (domain.StockLog, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	log, err := scanStockLog(r.db.QueryRowContext(ctx, `
		SELECT id, product_id, amount, status, created_at, updated_at
		FROM stock_log
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockLog{}, domain.ErrStockLogNotFound
	}
	if err != nil {
		return domain.StockLog{}, classify("select stock_log", err)
	}
	return log, nil
}

// Transition выполняет условный UPDATE ... WHERE status = pending.
// Если строка не изменилась, читает текущий статус, чтобы отличить
// повтор того же перехода от запрещённого.
func (r *LedgerRepository) Transition(ctx context.Context, id int64, next domain.StockLogStatus) (bool, error) {
	if !next.Terminal() {
		return false, domain.ErrInvalidStatusTransition
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE stock_log
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, int(next), time.Now().UTC(), int(domain.StockLogPending))
	if err != nil {
		return false, classify("update stock_log status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("rows affected for stock_log", err)
	}
	if affected == 1 {
		return true, nil
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if current.Status == next {
		return false, nil
	}
	return false, domain.ErrInvalidStatusTransition
}

func (r *LedgerRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.StockLog, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, amount, status, created_at, updated_at
		FROM stock_log
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3
	`, int(domain.StockLogPending), olderThan.UTC(), limit)
	if err != nil {
		return nil, classify("select stale stock_log", err)
	}
	defer rows.Close()

	result := make([]domain.StockLog, 0, limit)
	for rows.Next() {
		log, err := scanStockLog(rows)
		if err != nil {
			return nil, classify("scan stock_log", err)
		}
		result = append(result, log)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate stock_log rows", err)
	}
	return result, nil
}

// CommitReservation блокирует строку журнала, создаёт заказ и фиксирует
// Committed в одной транзакции.
func (r *LedgerRepository) CommitReservation(ctx context.Context, stockLogID int64) (domain.Order, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var order domain.Order
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		log, err := scanStockLog(tx.QueryRowContext(ctx, `
			SELECT id, product_id, amount, status, created_at, updated_at
			FROM stock_log
			WHERE id = $1
			FOR UPDATE
		`, stockLogID))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrStockLogNotFound
		}
		if err != nil {
			return classify("lock stock_log", err)
		}
		if log.Status != domain.StockLogPending {
			return domain.ErrInvalidStatusTransition
		}

		now := time.Now().UTC()
		order = domain.Order{
			ProductID:  log.ProductID,
			ProductNum: log.Amount,
			StockLogID: log.ID,
			CreatedAt:  now,
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (product_id, product_num, stock_log_id, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, order.ProductID, order.ProductNum, order.StockLogID, now).Scan(&order.ID); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderExists
			}
			return classify("insert order", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE stock_log SET status = $2, updated_at = $3 WHERE id = $1
		`, log.ID, int(domain.StockLogCommitted), now); err != nil {
			return classify("commit stock_log", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *LedgerRepository) GetByStockLog(ctx context.Context, stockLogID int64) (domain.Order, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var order domain.Order
	err := r.db.QueryRowContext(ctx, `
		SELECT id, product_id, product_num, stock_log_id, created_at
		FROM orders
		WHERE stock_log_id = $1
	`, stockLogID).Scan(&order.ID, &order.ProductID, &order.ProductNum, &order.StockLogID, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, classify("select order", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}

func (r *LedgerRepository) CountByStockLog(ctx context.Context, stockLogID int64) (int, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var count int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE stock_log_id = $1
	`, stockLogID).Scan(&count); err != nil {
		return 0, classify("count orders", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStockLog(row rowScanner) (domain.StockLog, error) {
	var (
		log    domain.StockLog
		status int
	)
	if err := row.Scan(&log.ID, &log.ProductID, &log.Amount, &status, &log.CreatedAt, &log.UpdatedAt); err != nil {
		return domain.StockLog{}, err
	}
	log.Status = domain.StockLogStatus(status)
	log.CreatedAt = log.CreatedAt.UTC()
	log.UpdatedAt = log.UpdatedAt.UTC()
	return log, nil
}

var (
	_ domain.StockLogRepository = (*LedgerRepository)(nil)
	_ domain.OrderStore         = (*LedgerRepository)(nil)
)
