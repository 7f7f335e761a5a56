package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

// halfMessageRecord хранит сообщение и служебные поля для in-memory реализации.
type halfMessageRecord struct {
	msg        domain.HalfMessage
	attemptCnt int
}

// halfMessageRepositoryInMemory - in-memory хранилище half-сообщений брокера.
type halfMessageRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string]*halfMessageRecord
	now     func() time.Time
}

// NewHalfMessageRepository создаёт in-memory реализацию HalfMessageRepository.
func NewHalfMessageRepository() *halfMessageRepositoryInMemory {
	return &halfMessageRepositoryInMemory{
		records: make(map[string]*halfMessageRecord),
		now:     time.Now,
	}
}

// WithClock подменяет источник времени.
func (r *halfMessageRepositoryInMemory) WithClock(now func() time.Time) *halfMessageRepositoryInMemory {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Prepare сохраняет сообщение в статусе prepared; первая проверка назначается на next_check_at.
func (r *halfMessageRepositoryInMemory) Prepare(ctx context.Context, msg domain.HalfMessage) (domain.HalfMessage, error) {
	return r.insert(ctx, msg, domain.HalfMessagePrepared)
}

// Enqueue сохраняет сообщение сразу в статусе pending.
func (r *halfMessageRepositoryInMemory) Enqueue(ctx context.Context, msg domain.HalfMessage) (domain.HalfMessage, error) {
	return r.insert(ctx, msg, domain.HalfMessagePending)
}

func (r *halfMessageRepositoryInMemory) insert(ctx context.Context, msg domain.HalfMessage, status domain.HalfMessageStatus) (domain.HalfMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.HalfMessage{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := r.now().UTC()
	msg.Status = status
	msg.CheckCount = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.NextCheckAt.IsZero() {
		msg.NextCheckAt = now
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	r.records[msg.ID] = &halfMessageRecord{msg: msg}
	return cloneHalfMessage(msg), nil
}

// Resolve применяет решение к prepared-сообщению.
func (r *halfMessageRepositoryInMemory) Resolve(ctx context.Context, id string, decision domain.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, ok := domain.StatusForDecision(decision)
	if !ok {
		return domain.ErrMessageState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if record.msg.Status != domain.HalfMessagePrepared {
		return domain.ErrMessageState
	}
	record.msg.Status = status
	record.msg.UpdatedAt = r.now().UTC()
	return nil
}

func (r *halfMessageRepositoryInMemory) Get(ctx context.Context, id string) (domain.HalfMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.HalfMessage{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return domain.HalfMessage{}, domain.ErrMessageNotFound
	}
	return cloneHalfMessage(record.msg), nil
}

// PullPending возвращает до limit сообщений со статусом pending в порядке создания.
func (r *halfMessageRepositoryInMemory) PullPending(ctx context.Context, limit int) ([]domain.HalfMessage, error) {
	return r.selectSorted(ctx, limit, func(msg domain.HalfMessage) bool {
		return msg.Status == domain.HalfMessagePending
	})
}

// DueForCheck возвращает prepared-сообщения, у которых подошло время проверки.
func (r *halfMessageRepositoryInMemory) DueForCheck(ctx context.Context, now time.Time, limit int) ([]domain.HalfMessage, error) {
	return r.selectSorted(ctx, limit, func(msg domain.HalfMessage) bool {
		return msg.Status == domain.HalfMessagePrepared && !msg.NextCheckAt.After(now)
	})
}

func (r *halfMessageRepositoryInMemory) selectSorted(ctx context.Context, limit int, match func(domain.HalfMessage) bool) ([]domain.HalfMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.HalfMessage, 0)
	for _, rec := range r.records {
		if match(rec.msg) {
			result = append(result, cloneHalfMessage(rec.msg))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *halfMessageRepositoryInMemory) MarkSent(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, domain.HalfMessageSent, domain.HalfMessagePending)
}

func (r *halfMessageRepositoryInMemory) MarkFailed(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, domain.HalfMessageFailed, domain.HalfMessagePending)
}

func (r *halfMessageRepositoryInMemory) Escalate(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, domain.HalfMessageEscalated, domain.HalfMessagePrepared)
}

func (r *halfMessageRepositoryInMemory) markStatus(ctx context.Context, id string, status, from domain.HalfMessageStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if record.msg.Status != from {
		return domain.ErrMessageState
	}
	record.msg.Status = status
	record.msg.UpdatedAt = r.now().UTC()
	if status == domain.HalfMessageSent || status == domain.HalfMessageFailed {
		record.attemptCnt++
	}
	return nil
}

func (r *halfMessageRepositoryInMemory) ScheduleCheck(ctx context.Context, id string, checkCount int, next time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if record.msg.Status != domain.HalfMessagePrepared {
		return domain.ErrMessageState
	}
	record.msg.CheckCount = checkCount
	record.msg.NextCheckAt = next.UTC()
	record.msg.UpdatedAt = r.now().UTC()
	return nil
}

func (r *halfMessageRepositoryInMemory) Stats(ctx context.Context) (domain.HalfMessageStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.HalfMessageStats{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.HalfMessageStats
	for _, rec := range r.records {
		switch rec.msg.Status {
		case domain.HalfMessagePending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.msg.CreatedAt
			}
		case domain.HalfMessagePrepared:
			stats.PreparedCount++
		}
	}
	return stats, nil
}

// ByStatus возвращает копию сообщений в заданном статусе (используется в тестах).
func (r *halfMessageRepositoryInMemory) ByStatus(status domain.HalfMessageStatus) []domain.HalfMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.HalfMessage, 0)
	for _, rec := range r.records {
		if rec.msg.Status == status {
			result = append(result, cloneHalfMessage(rec.msg))
		}
	}
	return result
}

func cloneHalfMessage(msg domain.HalfMessage) domain.HalfMessage {
	out := msg
	if msg.Payload != nil {
		out.Payload = append([]byte(nil), msg.Payload...)
	}
	return out
}

var _ domain.HalfMessageRepository = (*halfMessageRepositoryInMemory)(nil)
