package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const timelineColumns = `order_id, listing_id, type, actor, reason, occurred`

// timelineStore пишет историю заказов в timeline_events. Записи только добавляются.
type timelineStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewTimelineRepository создаёт PostgreSQL-реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *timelineStore) Append(event domain.TimelineEvent) error {
	if event.Occurred.IsZero() {
		event.Occurred = s.now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timeline_events (`+timelineColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		event.OrderID, event.ListingID, event.Type, event.Actor, event.Reason, event.Occurred.UTC(),
	)
	if err != nil {
		return unavailable("append timeline event "+event.Type, err)
	}
	return nil
}

// List отдаёт историю по возрастанию времени. При равном времени порядок совпадает с порядком записи (id).
func (s *timelineStore) List(orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+timelineColumns+`
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id
	`, orderID)
	if err != nil {
		return nil, unavailable("select timeline", err)
	}
	defer rows.Close()

	history := []domain.TimelineEvent{}
	for rows.Next() {
		event, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, unavailable("scan timeline", err)
		}
		history = append(history, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read timeline", err)
	}
	return history, nil
}

func scanTimelineEvent(row rowScanner) (domain.TimelineEvent, error) {
	var event domain.TimelineEvent
	if err := row.Scan(&event.OrderID, &event.ListingID, &event.Type, &event.Actor, &event.Reason, &event.Occurred); err != nil {
		return domain.TimelineEvent{}, err
	}
	event.Occurred = event.Occurred.UTC()
	return event, nil
}

var _ domain.TimelineRepository = (*timelineStore)(nil)
