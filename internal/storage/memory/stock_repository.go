package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// StockRepository - in-memory остатки и журнал применённых токенов.
type StockRepository struct {
	mu     sync.RWMutex
	stocks map[int64]domain.Stock
	tokens map[string]domain.AppliedToken
	nextID int64
	now    func() time.Time
}

// NewStockRepository создаёт пустое хранилище остатков.
func NewStockRepository() *StockRepository {
	return &StockRepository{
		stocks: make(map[int64]domain.Stock),
		tokens: make(map[string]domain.AppliedToken),
		now:    time.Now,
	}
}

// WithClock подменяет источник времени (для тестов TTL).
func (r *StockRepository) WithClock(now func() time.Time) *StockRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *StockRepository) Get(ctx context.Context, productID int64) (domain.Stock, error) {
	if err := ctx.Err(); err != nil {
		return domain.Stock{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	stock, ok := r.stocks[productID]
	if !ok {
		return domain.Stock{}, domain.ErrStockNotFound
	}
	return stock, nil
}

func (r *StockRepository) Upsert(ctx context.Context, stock domain.Stock) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stock.ProductID <= 0 {
		return domain.ErrProductIDInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.stocks[stock.ProductID]; ok {
		stock.ID = existing.ID
	} else {
		r.nextID++
		stock.ID = r.nextID
	}
	r.stocks[stock.ProductID] = stock
	return nil
}

func (r *StockRepository) CreateIfAbsent(ctx context.Context, stock domain.Stock) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if stock.ProductID <= 0 {
		return false, domain.ErrProductIDInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stocks[stock.ProductID]; ok {
		return false, nil
	}
	r.nextID++
	stock.ID = r.nextID
	r.stocks[stock.ProductID] = stock
	return true, nil
}

// ApplyDecrement проверяет токен и списывает единицу остатка под одним lock.
// Просроченный токен считается отсутствующим.
func (r *StockRepository) ApplyDecrement(ctx context.Context, token string, productID int64, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false, domain.ErrTokenRequired
	}
	if ttl <= 0 {
		ttl = domain.DefaultMarkerTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if existing, ok := r.tokens[token]; ok && !existing.Expired(now) {
		return false, nil
	}

	stock, ok := r.stocks[productID]
	if !ok {
		return false, domain.ErrStockNotFound
	}
	if stock.StockNum <= 0 {
		return false, domain.ErrStockExhausted
	}

	stock.StockNum--
	r.stocks[productID] = stock
	r.tokens[token] = domain.AppliedToken{
		Token:     token,
		ProductID: productID,
		TTLAt:     now.Add(ttl),
		CreatedAt: now,
	}
	return true, nil
}

func (r *StockRepository) GetToken(ctx context.Context, token string) (domain.AppliedToken, error) {
	if err := ctx.Err(); err != nil {
		return domain.AppliedToken{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	applied, ok := r.tokens[token]
	if !ok {
		return domain.AppliedToken{}, domain.ErrAppliedTokenNotFound
	}
	return applied, nil
}

// DeleteExpired удаляет до limit токенов с ttl_at <= before.
func (r *StockRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, applied := range r.tokens {
		if deleted >= limit {
			break
		}
		if applied.Expired(before) {
			delete(r.tokens, key)
			deleted++
		}
	}
	return deleted, nil
}

// Tokens возвращает applied-токены как AppliedTokenRepository.
func (r *StockRepository) Tokens() domain.AppliedTokenRepository {
	return appliedTokens{repo: r}
}

type appliedTokens struct {
	repo *StockRepository
}

func (t appliedTokens) Get(ctx context.Context, token string) (domain.AppliedToken, error) {
	return t.repo.GetToken(ctx, token)
}

func (t appliedTokens) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	return t.repo.DeleteExpired(ctx, before, limit)
}

var (
	_ domain.StockRepository        = (*StockRepository)(nil)
	_ domain.AppliedTokenRepository = appliedTokens{}
)
