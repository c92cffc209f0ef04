package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	EventTypeOrderCreated   EventType = "order.created"
	EventTypeOrderPaid      EventType = "order.paid"
	EventTypeOrderCancelled EventType = "order.cancelled"
	EventTypeOrderExpired   EventType = "order.expired"
	EventTypeOrderReceived  EventType = "order.received"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "marketplace.order.events"
	TopicDeadLetterQueue = "marketplace.dlq"
)

// Kafka headers для сообщений, ушедших в DLQ
const (
	HeaderEventType     = "x-event-type"
	HeaderOriginalTopic = "x-original-topic"
	HeaderFailedAt      = "x-failed-at"
)

// EventTypeForStatus возвращает тип события для статуса, в который перешёл заказ.
func EventTypeForStatus(status domain.OrderStatus) EventType {
	switch status {
	case domain.OrderStatusPending:
		return EventTypeOrderCreated
	case domain.OrderStatusPaid:
		return EventTypeOrderPaid
	case domain.OrderStatusCancelled:
		return EventTypeOrderCancelled
	case domain.OrderStatusExpired:
		return EventTypeOrderExpired
	case domain.OrderStatusReceived:
		return EventTypeOrderReceived
	default:
		return EventType("order." + string(status))
	}
}

// OrderEvent представляет событие заказа
type OrderEvent struct {
	EventType  EventType `json:"event_type"`
	OrderID    string    `json:"order_id"`
	ListingID  string    `json:"listing_id"`
	BuyerID    string    `json:"buyer_id"`
	SellerID   string    `json:"seller_id"`
	Status     string    `json:"status"`
	PriceMinor int64     `json:"price_minor"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewOrderEvent собирает событие из текущего состояния заказа.
func NewOrderEvent(order domain.Order, reason string) *OrderEvent {
	ts := order.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &OrderEvent{
		EventType:  EventTypeForStatus(order.Status),
		OrderID:    order.ID,
		ListingID:  order.ListingID(),
		BuyerID:    order.BuyerID,
		SellerID:   order.Snapshot.SellerID,
		Status:     string(order.Status),
		PriceMinor: order.Snapshot.PriceMinor,
		Reason:     reason,
		Timestamp:  ts,
	}
}
