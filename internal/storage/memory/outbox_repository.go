package memory

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type deliveryState uint8

const (
	deliveryPending deliveryState = iota
	deliverySent
	deliveryDead
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	state     deliveryState
	retryAt   time.Time
	lastError string
}

// OutboxRepository — очередь outbox в памяти процесса. Порядок выдачи совпадает с порядком Enqueue.
type OutboxRepository struct {
	mu      sync.Mutex
	entries []*outboxEntry
	byID    map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxRepository создаёт пустую очередь.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит сообщение в очередь. Пустой ID заменяется сгенерированным.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = slices.Clone(msg.Payload)
	msg.Attempts = 0

	r.mu.Lock()
	defer r.mu.Unlock()

	msg.CreatedAt = r.now()
	entry := &outboxEntry{msg: msg}
	r.entries = append(r.entries, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

// PullDue возвращает сообщения, срок попытки которых наступил. Сообщение, стоящее за
// отложенным сообщением того же агрегата, не выдаётся.
func (r *OutboxRepository) PullDue(now time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.compact()
	waiting := make(map[string]struct{})
	var due []domain.OutboxMessage
	for _, entry := range r.entries {
		if len(due) == limit {
			break
		}
		if entry.state != deliveryPending {
			continue
		}
		aggregate := entry.msg.AggregateType + "/" + entry.msg.AggregateID
		if _, blocked := waiting[aggregate]; blocked {
			continue
		}
		if entry.retryAt.After(now) {
			waiting[aggregate] = struct{}{}
			continue
		}
		msg := entry.msg
		msg.Payload = slices.Clone(msg.Payload)
		due = append(due, msg)
	}
	return due, nil
}

// Stats возвращает размер backlog и время самого старого pending-сообщения.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, entry := range r.entries {
		if entry.state != deliveryPending {
			continue
		}
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = entry.msg.CreatedAt
		}
		stats.PendingCount++
		if entry.msg.Attempts > 0 {
			stats.RetryingCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(id string) error {
	return r.update(id, func(entry *outboxEntry) {
		entry.state = deliverySent
	})
}

func (r *OutboxRepository) ScheduleRetry(id string, retryAt time.Time, cause string) error {
	return r.update(id, func(entry *outboxEntry) {
		entry.msg.Attempts++
		entry.retryAt = retryAt
		entry.lastError = cause
	})
}

func (r *OutboxRepository) MarkDead(id string, cause string) error {
	return r.update(id, func(entry *outboxEntry) {
		entry.msg.Attempts++
		entry.state = deliveryDead
		entry.lastError = cause
	})
}

// Pending возвращает все неотправленные сообщения независимо от срока попытки. Нужен тестам.
func (r *OutboxRepository) Pending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []domain.OutboxMessage
	for _, entry := range r.entries {
		if entry.state == deliveryPending {
			pending = append(pending, entry.msg)
		}
	}
	return pending
}

// LastError возвращает причину последней неудачи сообщения.
func (r *OutboxRepository) LastError(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.byID[id]; ok {
		return entry.lastError
	}
	return ""
}

// compact отбрасывает отправленные сообщения из головы очереди; вызывается под r.mu.
func (r *OutboxRepository) compact() {
	sent := 0
	for sent < len(r.entries) && r.entries[sent].state == deliverySent {
		delete(r.byID, r.entries[sent].msg.ID)
		sent++
	}
	if sent > 0 {
		r.entries = slices.Delete(r.entries, 0, sent)
	}
}

func (r *OutboxRepository) update(id string, apply func(*outboxEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	apply(entry)
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
