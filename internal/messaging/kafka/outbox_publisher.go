package kafka

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// Envelope — запись, которую получают потребители topic'а заказов.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OutboxTopicPublisher доставляет сообщения outbox в один topic.
// Ключ записи — ID заказа: события заказа ложатся в одну партицию и читаются в порядке записи.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	// deadLetters помечает topic DLQ: записи получают заголовки с исходным topic'ом и временем сбоя.
	deadLetters bool
	now         func() time.Time
}

// NewOutboxPublisher возвращает publisher основного topic'а событий заказов.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return newTopicPublisher(producer, cmpTopic(topic, TopicOrderEvents))
}

// NewDLQPublisher возвращает publisher dead letter queue.
func NewDLQPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	p := newTopicPublisher(producer, cmpTopic(topic, TopicDeadLetterQueue))
	p.deadLetters = true
	return p
}

func newTopicPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func cmpTopic(topic, fallback string) string {
	if topic == "" {
		return fallback
	}
	return topic
}

// Publish оборачивает сообщение в Envelope и отправляет его.
func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	at := p.now()
	headers := []Header{{Key: HeaderEventType, Value: msg.EventType}}
	if p.deadLetters {
		headers = append(headers,
			Header{Key: HeaderOriginalTopic, Value: TopicOrderEvents},
			Header{Key: HeaderFailedAt, Value: at.Format(time.RFC3339Nano)},
		)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	return p.producer.Send(p.topic, key, Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   at,
	}, headers...)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
