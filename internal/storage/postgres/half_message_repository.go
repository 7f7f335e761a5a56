package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/stocksaga/internal/domain"
)

const halfMessageColumns = `id, message_key, topic, tag, payload, status, check_count, next_check_at, created_at, updated_at`

type halfMessageRepository struct {
	db *sql.DB
}

// NewHalfMessageRepository создаёт PostgreSQL-реализацию HalfMessageRepository.
func NewHalfMessageRepository(store *Store) domain.HalfMessageRepository {
	return &halfMessageRepository{db: store.DB()}
}

func (r *halfMessageRepository) Prepare(ctx context.Context, msg domain.HalfMessage) (domain.HalfMessage, error) {
	return r.insert(ctx, msg, domain.HalfMessagePrepared)
}

func (r *halfMessageRepository) Enqueue(ctx context.Context, msg domain.HalfMessage) (domain.HalfMessage, error) {
	return r.insert(ctx, msg, domain.HalfMessagePending)
}

func (r *halfMessageRepository) insert(ctx context.Context, msg domain.HalfMessage, status domain.HalfMessageStatus) (domain.HalfMessage, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.Status = status
	msg.CheckCount = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.NextCheckAt.IsZero() {
		msg.NextCheckAt = now
	}
	if msg.Payload == nil {
		msg.Payload = []byte{}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO half_messages (
			id, message_key, topic, tag, payload,
			status, check_count, attempt_count, next_check_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$8,$9)
	`,
		msg.ID, msg.Key, msg.Topic, msg.Tag, msg.Payload,
		string(status), msg.NextCheckAt.UTC(), now, now,
	)
	if err != nil {
		return domain.HalfMessage{}, classify("insert half message", err)
	}

	return msg, nil
}

func (r *halfMessageRepository) Resolve(ctx context.Context, id string, decision domain.Decision) error {
	status, ok := domain.StatusForDecision(decision)
	if !ok {
		return domain.ErrMessageState
	}
	return r.markStatus(ctx, id, status, domain.HalfMessagePrepared, false)
}

func (r *halfMessageRepository) Get(ctx context.Context, id string) (domain.HalfMessage, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	msg, err := scanHalfMessage(r.db.QueryRowContext(ctx,
		`SELECT `+halfMessageColumns+` FROM half_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.HalfMessage{}, domain.ErrMessageNotFound
	}
	if err != nil {
		return domain.HalfMessage{}, classify("select half message", err)
	}
	return msg, nil
}

func (r *halfMessageRepository) PullPending(ctx context.Context, limit int) ([]domain.HalfMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "pull pending half messages", `
		SELECT `+halfMessageColumns+`
		FROM half_messages
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
}

func (r *halfMessageRepository) DueForCheck(ctx context.Context, now time.Time, limit int) ([]domain.HalfMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "select half messages due for check", `
		SELECT `+halfMessageColumns+`
		FROM half_messages
		WHERE status = 'prepared' AND next_check_at <= $1
		ORDER BY next_check_at, id
		LIMIT $2
	`, now.UTC(), limit)
}

func (r *halfMessageRepository) query(ctx context.Context, op, query string, args ...any) ([]domain.HalfMessage, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	result := make([]domain.HalfMessage, 0)
	for rows.Next() {
		msg, err := scanHalfMessage(rows)
		if err != nil {
			return nil, classify("scan half message", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate half message rows", err)
	}
	return result, nil
}

func (r *halfMessageRepository) MarkSent(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, domain.HalfMessageSent, domain.HalfMessagePending, true)
}

func (r *halfMessageRepository) MarkFailed(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, domain.HalfMessageFailed, domain.HalfMessagePending, true)
}

func (r *halfMessageRepository) Escalate(ctx context.Context, id string) error {
	return r.markStatus(ctx, id, domain.HalfMessageEscalated, domain.HalfMessagePrepared, false)
}

func (r *halfMessageRepository) markStatus(ctx context.Context, id string, status, from domain.HalfMessageStatus, countAttempt bool) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	attemptInc := 0
	if countAttempt {
		attemptInc = 1
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE half_messages
		SET status = $2,
		    attempt_count = attempt_count + $4,
		    updated_at = $5
		WHERE id = $1 AND status = $3
	`, id, string(status), string(from), attemptInc, time.Now().UTC())
	if err != nil {
		return classify(fmt.Sprintf("mark half message as %s", status), err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return classify(fmt.Sprintf("rows affected for half message %s", status), err)
	}
	if affected == 0 {
		return r.missingOrState(ctx, id)
	}
	return nil
}

func (r *halfMessageRepository) ScheduleCheck(ctx context.Context, id string, checkCount int, next time.Time) error {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE half_messages
		SET check_count = $2, next_check_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'prepared'
	`, id, checkCount, next.UTC(), time.Now().UTC())
	if err != nil {
		return classify("schedule half message check", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected for half message check", err)
	}
	if affected == 0 {
		return r.missingOrState(ctx, id)
	}
	return nil
}

func (r *halfMessageRepository) missingOrState(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM half_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return classify("check half message", err)
	}
	if !exists {
		return domain.ErrMessageNotFound
	}
	return domain.ErrMessageState
}

func (r *halfMessageRepository) Stats(ctx context.Context) (domain.HalfMessageStats, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var (
		stats  domain.HalfMessageStats
		oldest sql.NullTime
	)

	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'prepared'),
			MIN(created_at) FILTER (WHERE status = 'pending')
		FROM half_messages
		WHERE status IN ('pending', 'prepared')
	`).Scan(&stats.PendingCount, &stats.PreparedCount, &oldest); err != nil {
		return domain.HalfMessageStats{}, classify("half message stats query", err)
	}

	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func scanHalfMessage(row rowScanner) (domain.HalfMessage, error) {
	var (
		msg    domain.HalfMessage
		status string
	)
	if err := row.Scan(
		&msg.ID,
		&msg.Key,
		&msg.Topic,
		&msg.Tag,
		&msg.Payload,
		&status,
		&msg.CheckCount,
		&msg.NextCheckAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return domain.HalfMessage{}, err
	}
	msg.Status = domain.HalfMessageStatus(status)
	msg.NextCheckAt = msg.NextCheckAt.UTC()
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	return msg, nil
}

var _ domain.HalfMessageRepository = (*halfMessageRepository)(nil)
