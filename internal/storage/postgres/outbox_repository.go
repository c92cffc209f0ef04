package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	deliveryPending = "pending"
	deliverySent    = "sent"
	deliveryDead    = "dead"

	defaultPullLimit = 100
)

type outboxStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
// Порядок записи задаёт seq, NULL в next_attempt_at означает «доставить сразу».
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *outboxStore) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempts = 0
	msg.CreatedAt = s.now()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, deliveryPending, msg.CreatedAt)
	if err != nil {
		return domain.OutboxMessage{}, unavailable("enqueue "+msg.EventType, err)
	}
	return msg, nil
}

// PullDue не выдаёт сообщение, если перед ним в том же агрегате стоит pending-сообщение,
// время попытки которого ещё не наступило.
func (s *outboxStore) PullDue(now time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload, m.attempt_count, m.created_at
		FROM outbox_messages AS m
		WHERE m.status = $1
		  AND (m.next_attempt_at IS NULL OR m.next_attempt_at <= $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox_messages AS head
		      WHERE head.status = $1
		        AND head.aggregate_type = m.aggregate_type
		        AND head.aggregate_id = m.aggregate_id
		        AND head.seq < m.seq
		        AND head.next_attempt_at > $2
		  )
		ORDER BY m.seq
		LIMIT $3
	`, deliveryPending, now.UTC(), limit)
	if err != nil {
		return nil, unavailable("pull due outbox messages", err)
	}
	defer rows.Close()

	due := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var msg domain.OutboxMessage
		err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload, &msg.Attempts, &msg.CreatedAt)
		if err != nil {
			return nil, unavailable("scan outbox message", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		due = append(due, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read outbox messages", err)
	}
	return due, nil
}

func (s *outboxStore) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE attempt_count > 0), MIN(created_at)
		FROM outbox_messages
		WHERE status = $1
	`, deliveryPending).Scan(&stats.PendingCount, &stats.RetryingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, unavailable("outbox stats", err)
	}
	stats.OldestPendingAt = fromNullTime(oldest)
	return stats, nil
}

func (s *outboxStore) MarkSent(id string) error {
	return s.settle(id, `
		UPDATE outbox_messages
		SET status = $2, next_attempt_at = NULL, updated_at = $3
		WHERE id = $1
	`, deliverySent, s.now())
}

func (s *outboxStore) ScheduleRetry(id string, retryAt time.Time, cause string) error {
	return s.settle(id, `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1, next_attempt_at = $2, last_error = $3, updated_at = $4
		WHERE id = $1
	`, retryAt.UTC(), cause, s.now())
}

func (s *outboxStore) MarkDead(id string, cause string) error {
	return s.settle(id, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, next_attempt_at = NULL, last_error = $3, updated_at = $4
		WHERE id = $1
	`, deliveryDead, cause, s.now())
}

// settle обновляет одно сообщение по id ($1).
func (s *outboxStore) settle(id, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return unavailable("update outbox message", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("update outbox message", err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox message %s: %w", id, domain.ErrOutboxMessageNotFound)
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxStore)(nil)
