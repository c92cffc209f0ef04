package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// TimelineRepository хранит историю заказов в памяти процесса.
type TimelineRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
	now     func() time.Time
}

// NewTimelineRepository создаёт пустую in-memory историю.
func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{
		byOrder: make(map[string][]domain.TimelineEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append добавляет событие. Событие без времени получает текущее.
func (r *TimelineRepository) Append(event domain.TimelineEvent) error {
	if event.Occurred.IsZero() {
		event.Occurred = r.now()
	}

	r.mu.Lock()
	r.byOrder[event.OrderID] = append(r.byOrder[event.OrderID], event)
	r.mu.Unlock()
	return nil
}

// List возвращает копию истории по возрастанию времени. Сортировка стабильная,
// поэтому события с равным временем остаются в порядке записи.
func (r *TimelineRepository) List(orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	history := slices.Clone(r.byOrder[orderID])
	r.mu.RUnlock()

	if history == nil {
		return []domain.TimelineEvent{}, nil
	}
	slices.SortStableFunc(history, func(a, b domain.TimelineEvent) int {
		return a.Occurred.Compare(b.Occurred)
	})
	return history, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
