package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const defaultDialTimeout = 2 * time.Second

// decrementIfPositiveScript читает счётчик и уменьшает его одной командой EVALSHA,
// поэтому конкурентные вызовы не могут увести значение ниже нуля.
var decrementIfPositiveScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end

current = tonumber(current)
if current > 0 then
	return redis.call('DECR', KEYS[1])
end

return -1
`)

// Options описывает подключение к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// CounterStore - реализация domain.CounterStore поверх Redis.
type CounterStore struct {
	client goredis.UniversalClient
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, opts Options) (*CounterStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: defaultDialTimeout,
	})

	store := NewCounterStore(client)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

// NewCounterStore оборачивает готовый клиент.
func NewCounterStore(client goredis.UniversalClient) *CounterStore {
	return &CounterStore{client: client}
}

func (s *CounterStore) DecrementIfPositive(ctx context.Context, key string) (int64, error) {
	remaining, err := decrementIfPositiveScript.Run(ctx, s.client, []string{key}).Int64()
	if err != nil {
		return 0, transient("decrement "+key, err)
	}
	return remaining, nil
}

func (s *CounterStore) Increment(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, transient("increment "+key, err)
	}
	return value, nil
}

func (s *CounterStore) Set(ctx context.Context, key string, value int64) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return transient("set "+key, err)
	}
	return nil
}

func (s *CounterStore) SetIfAbsent(ctx context.Context, key string, value int64) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, transient("setnx "+key, err)
	}
	return ok, nil
}

func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, transient("get "+key, err)
	}
	return value, nil
}

func (s *CounterStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, transient("exists "+key, err)
	}
	return n > 0, nil
}

func (s *CounterStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return transient("set marker "+key, err)
	}
	return nil
}

func (s *CounterStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return transient("delete "+key, err)
	}
	return nil
}

func (s *CounterStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return transient("ping", err)
	}
	return nil
}

// Close закрывает клиент.
func (s *CounterStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", domain.ErrTransientIO, op, err)
}

var _ domain.CounterStore = (*CounterStore)(nil)
