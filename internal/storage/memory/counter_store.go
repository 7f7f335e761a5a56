package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

type markerEntry struct {
	value     string
	expiresAt time.Time
}

// CounterStore - in-memory реализация CounterStore. Атомарность
// DecrementIfPositive обеспечивается одним mutex на весь store.
type CounterStore struct {
	mu       sync.Mutex
	counters map[string]int64
	markers  map[string]markerEntry
	now      func() time.Time
}

// NewCounterStore создаёт пустое хранилище счётчиков.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		counters: make(map[string]int64),
		markers:  make(map[string]markerEntry),
		now:      time.Now,
	}
}

// WithClock подменяет источник времени (для тестов TTL).
func (s *CounterStore) WithClock(now func() time.Time) *CounterStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *CounterStore) DecrementIfPositive(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.counters[key]
	if !ok || current <= 0 {
		return -1, nil
	}
	current--
	s.counters[key] = current
	return current, nil
}

func (s *CounterStore) Increment(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[key]++
	return s.counters[key], nil
}

func (s *CounterStore) Set(ctx context.Context, key string, value int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[key] = value
	return nil
}

func (s *CounterStore) SetIfAbsent(ctx context.Context, key string, value int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counters[key]; ok {
		return false, nil
	}
	if _, ok := s.liveMarker(key); ok {
		return false, nil
	}
	s.counters[key] = value
	return true, nil
}

func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.counters[key]; ok {
		return value, nil
	}
	if marker, ok := s.liveMarker(key); ok {
		return strconv.ParseInt(marker.value, 10, 64)
	}
	return 0, nil
}

func (s *CounterStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counters[key]; ok {
		return true, nil
	}
	_, ok := s.liveMarker(key)
	return ok, nil
}

func (s *CounterStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := markerEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.markers[key] = entry
	return nil
}

func (s *CounterStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	delete(s.markers, key)
	return nil
}

func (s *CounterStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// liveMarker возвращает маркер, если он не истёк. Истёкшие удаляются лениво.
// Вызывается под s.mu.
func (s *CounterStore) liveMarker(key string) (markerEntry, bool) {
	entry, ok := s.markers[key]
	if !ok {
		return markerEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(s.now()) {
		delete(s.markers, key)
		return markerEntry{}, false
	}
	return entry, true
}

var _ domain.CounterStore = (*CounterStore)(nil)
