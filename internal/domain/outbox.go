package domain

import "time"

// OutboxMessage — событие, записанное вместе с изменением заказа и ожидающее доставки в брокер.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	// Attempts — число уже неудавшихся попыток доставки.
	Attempts  int
	CreatedAt time.Time
}

// OutboxStats описывает backlog: все pending-сообщения и те из них, что уже ждут повтора.
type OutboxStats struct {
	PendingCount    int
	RetryingCount   int
	OldestPendingAt time.Time
}

// OutboxPublisher доставляет событие наружу. Повторная доставка того же ID допустима.
type OutboxPublisher interface {
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит очередь событий на доставку.
//
// Сообщения одного агрегата выдаются в порядке записи: пока более раннее сообщение ждёт
// повтора, следующие за ним не выдаются.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	// PullDue возвращает до limit pending-сообщений, чей срок попытки наступил к now.
	PullDue(now time.Time, limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	// ScheduleRetry увеличивает счётчик попыток и откладывает сообщение до retryAt.
	ScheduleRetry(id string, retryAt time.Time, cause string) error
	// MarkDead снимает сообщение с доставки после исчерпания попыток.
	MarkDead(id string, cause string) error
}
