// Package purchase связывает резерв остатка с жизненным циклом заказа.
//
// Порядок шагов фиксирован: при оформлении сначала резерв, потом заказ; при отмене и
// истечении сначала переход статуса, потом возврат остатка. Возврат выполняется только
// тем вызовом, чей переход выиграл, поэтому на один заказ приходится не больше одного Release.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// DefaultOrderTTL — срок оплаты нового заказа.
const DefaultOrderTTL = 15 * time.Minute

const (
	reasonCancelledByBuyer = "cancelled by buyer"
	reasonDeadlinePassed   = "payment deadline passed"
	reasonAutoReceived     = "received automatically"
)

// Coordinator выполняет покупки поверх ListingStore и OrderLedger.
type Coordinator struct {
	listings domain.ListingStore
	orders   domain.OrderLedger
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.PurchaseMetrics
	logger   *log.Entry
	tracer   trace.Tracer
	now      func() time.Time
	orderTTL time.Duration
}

// Option настраивает Coordinator.
type Option func(*Coordinator)

// WithOrderTTL задаёт срок оплаты. Значение <= 0 создаёт заказы без дедлайна.
func WithOrderTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.orderTTL = ttl
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithOutbox включает запись событий в transactional outbox.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(c *Coordinator) {
		c.outbox = repo
	}
}

// WithTimeline включает историю заказа.
func WithTimeline(repo domain.TimelineRepository) Option {
	return func(c *Coordinator) {
		c.timeline = repo
	}
}

// WithMetrics включает метрики покупок.
func WithMetrics(pm *metrics.PurchaseMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = pm
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer задаёт tracer вместо глобального.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewCoordinator создаёт координатор покупок.
func NewCoordinator(listings domain.ListingStore, orders domain.OrderLedger, opts ...Option) *Coordinator {
	c := &Coordinator{
		listings: listings,
		orders:   orders,
		logger:   log.WithField("component", "purchase-coordinator"),
		tracer:   otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/service/purchase"),
		now:      func() time.Time { return time.Now().UTC() },
		orderTTL: DefaultOrderTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkout резервирует одну единицу объявления и создаёт заказ в статусе pending.
func (c *Coordinator) Checkout(ctx context.Context, buyerID, listingID string) (order domain.Order, err error) {
	ctx, span := c.tracer.Start(ctx, "purchase.Checkout", trace.WithAttributes(
		attribute.String("buyer.id", buyerID),
		attribute.String("listing.id", listingID),
	))
	defer func() {
		c.endSpan(span, err)
		c.recordCheckout(err)
	}()

	if strings.TrimSpace(buyerID) == "" {
		return domain.Order{}, domain.ErrUserRequired
	}

	listing, err := c.listings.Get(ctx, listingID)
	if err != nil {
		return domain.Order{}, err
	}
	if listing.SellerID == buyerID {
		return domain.Order{}, domain.ErrSelfPurchase
	}
	// Распроданное объявление проходит дальше: Reserve вернёт false, и покупатель получит
	// ErrInsufficientStock, как и проигравший гонку за последний экземпляр.
	if listing.Status != domain.ListingStatusOnSale && !listing.SoldOut() {
		return domain.Order{}, domain.ErrListingNotOnSale
	}

	started := time.Now()
	reserved, err := c.listings.Reserve(ctx, listingID)
	c.observe(domain.PurchaseStepReserve, started)
	if err != nil {
		return domain.Order{}, fmt.Errorf("reserve listing %s: %w", listingID, err)
	}
	if c.metrics != nil {
		c.metrics.RecordReservation(reserved)
	}
	if !reserved {
		return domain.Order{}, domain.ErrInsufficientStock
	}

	// Дедлайн считает реестр от своего CreatedAt, поэтому ExpiresAt - CreatedAt ровно равно TTL.
	draft := domain.OrderDraft{
		Snapshot: listing.Snapshot(),
		BuyerID:  buyerID,
		TTL:      c.orderTTL,
	}

	started = time.Now()
	order, err = c.orders.Create(ctx, draft)
	c.observe(domain.PurchaseStepCreate, started)
	if err != nil {
		c.logger.WithError(err).WithField("listing_id", listingID).Error("create order failed, releasing reservation")
		if relErr := c.release(ctx, listingID); relErr != nil {
			c.logger.WithError(relErr).WithField("listing_id", listingID).Error("compensating release failed")
		}
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	c.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"listing_id": listingID,
		"buyer_id":   buyerID,
	}).Info("order created")
	c.emit(order, buyerID, "")
	return order, nil
}

// Pay отмечает заказ оплаченным. Просроченный заказ вместо этого истекает.
func (c *Coordinator) Pay(ctx context.Context, orderID, actorID string) (order domain.Order, err error) {
	ctx, span := c.startOrderSpan(ctx, "purchase.Pay", orderID)
	defer func() { c.endSpan(span, err) }()

	current, err := c.ownedOrder(ctx, orderID, actorID)
	if err != nil {
		return domain.Order{}, err
	}
	if current.Overdue(c.now()) {
		if _, expErr := c.Expire(ctx, orderID); expErr != nil && !errors.Is(expErr, domain.ErrInvalidTransition) {
			return domain.Order{}, expErr
		}
		return domain.Order{}, domain.ErrOrderExpired
	}

	return c.transition(ctx, orderID, domain.OrderStatusPaid, domain.PurchaseStepPay, actorID, "")
}

// Cancel отменяет заказ покупателя и возвращает единицу остатка.
func (c *Coordinator) Cancel(ctx context.Context, orderID, actorID string) (order domain.Order, err error) {
	ctx, span := c.startOrderSpan(ctx, "purchase.Cancel", orderID)
	defer func() { c.endSpan(span, err) }()

	if _, err := c.ownedOrder(ctx, orderID, actorID); err != nil {
		return domain.Order{}, err
	}
	return c.transition(ctx, orderID, domain.OrderStatusCancelled, domain.PurchaseStepCancel, actorID, reasonCancelledByBuyer)
}

// Expire переводит заказ в expired и возвращает остаток. Вызывается reaper'ом и из Pay.
func (c *Coordinator) Expire(ctx context.Context, orderID string) (order domain.Order, err error) {
	ctx, span := c.startOrderSpan(ctx, "purchase.Expire", orderID)
	defer func() { c.endSpan(span, err) }()

	return c.transition(ctx, orderID, domain.OrderStatusExpired, domain.PurchaseStepExpire, domain.TimelineActorSystem, reasonDeadlinePassed)
}

// Receive подтверждает получение товара покупателем. Остаток не меняется.
func (c *Coordinator) Receive(ctx context.Context, orderID, actorID string) (order domain.Order, err error) {
	ctx, span := c.startOrderSpan(ctx, "purchase.Receive", orderID)
	defer func() { c.endSpan(span, err) }()

	if _, err := c.ownedOrder(ctx, orderID, actorID); err != nil {
		return domain.Order{}, err
	}
	return c.transition(ctx, orderID, domain.OrderStatusReceived, domain.PurchaseStepReceive, actorID, "")
}

// AutoReceive закрывает давно оплаченный заказ без участия покупателя.
func (c *Coordinator) AutoReceive(ctx context.Context, orderID string) (order domain.Order, err error) {
	ctx, span := c.startOrderSpan(ctx, "purchase.AutoReceive", orderID)
	defer func() { c.endSpan(span, err) }()

	return c.transition(ctx, orderID, domain.OrderStatusReceived, domain.PurchaseStepReceive, domain.TimelineActorSystem, reasonAutoReceived)
}

// Get возвращает заказ.
func (c *Coordinator) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return c.orders.Get(ctx, orderID)
}

// ListByBuyer возвращает покупки пользователя.
func (c *Coordinator) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return c.orders.ListByBuyer(ctx, buyerID)
}

// ListBySeller возвращает продажи пользователя.
func (c *Coordinator) ListBySeller(ctx context.Context, sellerID string) ([]domain.Order, error) {
	return c.orders.ListBySeller(ctx, sellerID)
}

func (c *Coordinator) ownedOrder(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	order, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.BuyerID != actorID {
		return domain.Order{}, domain.ErrUnauthorized
	}
	return order, nil
}

// transition переводит заказ и, если переход выиграл и освобождает товар, возвращает остаток.
func (c *Coordinator) transition(ctx context.Context, orderID string, to domain.OrderStatus, step domain.PurchaseStep, actor, reason string) (domain.Order, error) {
	started := time.Now()
	order, err := c.orders.Transition(ctx, orderID, to)
	c.observe(step, started)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			if c.metrics != nil {
				c.metrics.RecordTransitionConflict()
			}
			c.logger.WithFields(log.Fields{
				"order_id": orderID,
				"to":       to,
			}).Debug("order transition rejected")
		}
		return domain.Order{}, err
	}

	if c.metrics != nil {
		c.metrics.RecordTransition(string(to))
	}
	c.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"status":   order.Status,
	}).Info("order status changed")
	c.emit(order, actor, reason)

	if to.ReleasesStock() {
		if err := c.release(ctx, order.ListingID()); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"order_id":   order.ID,
				"listing_id": order.ListingID(),
			}).Error("release after transition failed, unit is lost until manual fix")
			return order, fmt.Errorf("release stock for order %s: %w", order.ID, err)
		}
		c.appendTimeline(domain.TimelineEvent{
			OrderID:   order.ID,
			ListingID: order.ListingID(),
			Type:      domain.TimelineStockReleased,
			Actor:     actor,
			Occurred:  order.UpdatedAt,
		})
	}
	return order, nil
}

func (c *Coordinator) release(ctx context.Context, listingID string) error {
	started := time.Now()
	err := c.listings.Release(ctx, listingID)
	c.observe(domain.PurchaseStepRelease, started)
	if err == nil && c.metrics != nil {
		c.metrics.RecordRelease()
	}
	return err
}

// emit пишет событие перехода в историю и outbox. Сбои побочных записей только логируются.
func (c *Coordinator) emit(order domain.Order, actor, reason string) {
	c.appendTimeline(domain.TimelineEvent{
		OrderID:   order.ID,
		ListingID: order.ListingID(),
		Type:      domain.TimelineTypeFor(order.Status),
		Actor:     actor,
		Reason:    reason,
		Occurred:  order.UpdatedAt,
	})

	if c.outbox == nil {
		return
	}
	event := kafka.NewOrderEvent(order, reason)
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.WithError(err).WithField("order_id", order.ID).Error("marshal order event failed")
		return
	}
	msg := domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     string(event.EventType),
		Payload:       data,
	}
	if _, err := c.outbox.Enqueue(msg); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    event.EventType,
		}).Error("enqueue order event failed")
		return
	}
	if c.metrics != nil {
		c.metrics.RecordOutboxEvent()
	}
}

func (c *Coordinator) appendTimeline(event domain.TimelineEvent) {
	if c.timeline == nil {
		return
	}
	if err := c.timeline.Append(event); err != nil {
		c.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"event":    event.Type,
		}).Warn("append timeline event failed")
		return
	}
	if c.metrics != nil {
		c.metrics.RecordTimelineEvent()
	}
}

func (c *Coordinator) observe(step domain.PurchaseStep, started time.Time) {
	if c.metrics != nil {
		c.metrics.RecordStepDuration(string(step), time.Since(started))
	}
}

func (c *Coordinator) recordCheckout(err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case err == nil:
		c.metrics.RecordCheckout("ok")
	case errors.Is(err, domain.ErrInsufficientStock):
		c.metrics.RecordCheckout("sold_out")
	case domain.IsBusiness(err):
		c.metrics.RecordCheckout("rejected")
	default:
		c.metrics.RecordCheckout("error")
	}
}

func (c *Coordinator) startOrderSpan(ctx context.Context, name, orderID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("order.id", orderID)))
}

// endSpan помечает span ошибкой только для сбоев; бизнес-отказы остаются атрибутом.
func (c *Coordinator) endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case domain.IsBusiness(err):
		span.SetAttributes(attribute.String("purchase.rejected", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
