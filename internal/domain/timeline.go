package domain

import "time"

// Типы событий в истории заказа.
const (
	TimelineOrderCreated  = "order.created"
	TimelineOrderPaid     = "order.paid"
	TimelineOrderCanceled = "order.cancelled"
	TimelineOrderExpired  = "order.expired"
	TimelineOrderReceived = "order.received"
	TimelineStockReleased = "stock.released"
)

// TimelineActorSystem отмечает переходы, которые выполнил фоновый процесс, а не пользователь.
const TimelineActorSystem = "system"

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID   string
	ListingID string
	Type      string
	// Actor — пользователь, выполнивший действие, или TimelineActorSystem.
	Actor    string
	Reason   string
	Occurred time.Time
}

// TimelineTypeFor возвращает тип события для перехода в статус.
func TimelineTypeFor(status OrderStatus) string {
	switch status {
	case OrderStatusPending:
		return TimelineOrderCreated
	case OrderStatusPaid:
		return TimelineOrderPaid
	case OrderStatusCancelled:
		return TimelineOrderCanceled
	case OrderStatusExpired:
		return TimelineOrderExpired
	case OrderStatusReceived:
		return TimelineOrderReceived
	default:
		return "order." + string(status)
	}
}

// TimelineRepository хранит историю заказов. Записи только добавляются.
type TimelineRepository interface {
	Append(event TimelineEvent) error
	// List возвращает историю заказа по возрастанию времени, пустой срез для неизвестного заказа.
	List(orderID string) ([]TimelineEvent, error)
}
