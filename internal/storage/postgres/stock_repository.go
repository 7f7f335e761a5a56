package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// StockRepository - таблицы stock и applied_tokens.
type StockRepository struct {
	db *sql.DB
}

// NewStockRepository создаёт PostgreSQL-реализацию StockRepository.
func NewStockRepository(store *Store) *StockRepository {
	return &StockRepository{db: store.DB()}
}

func (r *StockRepository) Get(ctx context.Context, productID int64) (domain.Stock, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var stock domain.Stock
	err := r.db.QueryRowContext(ctx, `
		SELECT id, product_id, product_name, stock_num
		FROM stock
		WHERE product_id = $1
	`, productID).Scan(&stock.ID, &stock.ProductID, &stock.ProductName, &stock.StockNum)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Stock{}, domain.ErrStockNotFound
	}
	if err != nil {
		return domain.Stock{}, classify("select stock", err)
	}
	return stock, nil
}

func (r *StockRepository) Upsert(ctx context.Context, stock domain.Stock) error {
	if stock.ProductID <= 0 {
		return domain.ErrProductIDInvalid
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO stock (product_id, product_name, stock_num)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO UPDATE
		SET product_name = EXCLUDED.product_name,
		    stock_num = EXCLUDED.stock_num
	`, stock.ProductID, stock.ProductName, stock.StockNum); err != nil {
		return classify("upsert stock", err)
	}
	return nil
}

func (r *StockRepository) CreateIfAbsent(ctx context.Context, stock domain.Stock) (bool, error) {
	if stock.ProductID <= 0 {
		return false, domain.ErrProductIDInvalid
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO stock (product_id, product_name, stock_num)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO NOTHING
	`, stock.ProductID, stock.ProductName, stock.StockNum)
	if err != nil {
		return false, classify("insert stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("insert stock rows affected", err)
	}
	return affected > 0, nil
}

// ApplyDecrement фиксирует токен и уменьшает stock_num в одной транзакции.
// Вставка токена с ON CONFLICT и есть атомарный check-and-set: из
// конкурентных доставок одного токена строку получит только одна.
// Просроченный токен перезаписывается, как после истечения TTL маркера.
func (r *StockRepository) ApplyDecrement(ctx context.Context, token string, productID int64, ttl time.Duration) (bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, domain.ErrTokenRequired
	}
	if ttl <= 0 {
		ttl = domain.DefaultMarkerTTL
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	applied := false
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var claimed string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO applied_tokens (token, product_id, ttl_at, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (token) DO UPDATE
			SET product_id = EXCLUDED.product_id,
			    ttl_at = EXCLUDED.ttl_at,
			    created_at = EXCLUDED.created_at
			WHERE applied_tokens.ttl_at <= $4
			RETURNING token
		`, token, productID, now.Add(ttl), now).Scan(&claimed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify("claim applied token", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE stock
			SET stock_num = stock_num - 1
			WHERE product_id = $1 AND stock_num > 0
		`, productID)
		if err != nil {
			return classify("decrement stock", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return classify("rows affected for stock", err)
		}
		if affected == 0 {
			return r.exhaustedOrMissing(ctx, tx, productID)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *StockRepository) exhaustedOrMissing(ctx context.Context, tx *sql.Tx, productID int64) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM stock WHERE product_id = $1)
	`, productID).Scan(&exists); err != nil {
		return classify("check stock row", err)
	}
	if !exists {
		return domain.ErrStockNotFound
	}
	return domain.ErrStockExhausted
}

// Tokens возвращает доступ к applied_tokens.
func (r *StockRepository) Tokens() domain.AppliedTokenRepository {
	return &appliedTokenRepository{db: r.db}
}

type appliedTokenRepository struct {
	db *sql.DB
}

func (r *appliedTokenRepository) Get(ctx context.Context, token string) (domain.AppliedToken, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var applied domain.AppliedToken
	err := r.db.QueryRowContext(ctx, `
		SELECT token, product_id, ttl_at, created_at
		FROM applied_tokens
		WHERE token = $1
	`, token).Scan(&applied.Token, &applied.ProductID, &applied.TTLAt, &applied.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AppliedToken{}, domain.ErrAppliedTokenNotFound
	}
	if err != nil {
		return domain.AppliedToken{}, classify("select applied token", err)
	}
	applied.TTLAt = applied.TTLAt.UTC()
	applied.CreatedAt = applied.CreatedAt.UTC()
	return applied, nil
}

func (r *appliedTokenRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM applied_tokens
		WHERE token IN (
			SELECT token
			FROM applied_tokens
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
		)
	`, before.UTC(), limit)
	if err != nil {
		return 0, classify("delete expired applied tokens", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, classify("rows affected for applied tokens", err)
	}
	return int(affected), nil
}

var (
	_ domain.StockRepository        = (*StockRepository)(nil)
	_ domain.AppliedTokenRepository = (*appliedTokenRepository)(nil)
)
