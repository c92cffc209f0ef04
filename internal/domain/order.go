package domain

import "time"

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, единица товара зарезервирована, ждём оплату.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — покупатель отметил оплату.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusReceived — покупатель получил товар (терминальный).
	OrderStatusReceived OrderStatus = "received"
	// OrderStatusCancelled — заказ отменён, резерв возвращён (терминальный).
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusExpired — срок оплаты истёк, резерв возвращён (терминальный).
	OrderStatusExpired OrderStatus = "expired"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPaid:    {OrderStatusReceived, OrderStatusCancelled},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusReceived, OrderStatusCancelled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// ReleasesStock сообщает, что переход в этот статус возвращает единицу товара в объявление.
func (s OrderStatus) ReleasesStock() bool {
	return s == OrderStatusCancelled || s == OrderStatusExpired
}

// CanTransition проверяет допустимость перехода from -> to по диаграмме состояний.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ListingSnapshot фиксирует данные объявления на момент покупки.
type ListingSnapshot struct {
	ListingID  string
	SellerID   string
	Title      string
	PriceMinor int64
}

// OrderDraft содержит входные данные для создания заказа в реестре.
type OrderDraft struct {
	Snapshot ListingSnapshot
	BuyerID  string
	// TTL задаёт срок оплаты от момента создания; ноль означает заказ без дедлайна.
	TTL time.Duration
}

// Order описывает попытку покупки одной единицы товара.
type Order struct {
	ID       string
	BuyerID  string
	Status   OrderStatus
	Snapshot ListingSnapshot
	// CreatedAt и ExpiresAt пишутся один раз при создании. Нулевой ExpiresAt означает "без дедлайна".
	CreatedAt time.Time
	ExpiresAt time.Time
	// PaidAt выставляется при переходе в paid.
	PaidAt    time.Time
	UpdatedAt time.Time
}

// ListingID возвращает идентификатор объявления, под которое сделан резерв.
func (o Order) ListingID() string {
	return o.Snapshot.ListingID
}

// Overdue проверяет, что заказ ещё ждёт оплаты, а дедлайн уже прошёл.
func (o Order) Overdue(now time.Time) bool {
	return o.Status == OrderStatusPending && !o.ExpiresAt.IsZero() && o.ExpiresAt.Before(now)
}

// NewOrder собирает заказ в статусе pending из черновика; ExpiresAt отсчитывается от now.
func NewOrder(id string, draft OrderDraft, now time.Time) Order {
	order := Order{
		ID:        id,
		BuyerID:   draft.BuyerID,
		Status:    OrderStatusPending,
		Snapshot:  draft.Snapshot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if draft.TTL > 0 {
		order.ExpiresAt = now.Add(draft.TTL)
	}
	return order
}

// ApplyTransition переводит заказ в статус to, если переход разрешён.
func (o *Order) ApplyTransition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = now
	if to == OrderStatusPaid {
		o.PaidAt = now
	}
	return nil
}

// PurchaseStep — шаг покупки, по которому размечаются метрики и логи.
type PurchaseStep string

const (
	PurchaseStepReserve PurchaseStep = "reserve"
	PurchaseStepCreate  PurchaseStep = "create"
	PurchaseStepPay     PurchaseStep = "pay"
	PurchaseStepCancel  PurchaseStep = "cancel"
	PurchaseStepExpire  PurchaseStep = "expire"
	PurchaseStepReceive PurchaseStep = "receive"
	PurchaseStepRelease PurchaseStep = "release"
)
