package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PurchaseMetrics содержит метрики резервов, заказов и корзин.
type PurchaseMetrics struct {
	// Резервы и возвраты остатка
	reservations *prometheus.CounterVec
	releases     prometheus.Counter

	// Оформление и переходы заказов
	checkouts           *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	transitionConflicts prometheus.Counter
	stepDuration        *prometheus.HistogramVec

	// Побочные записи
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	cartOperations *prometheus.CounterVec
}

// NewPurchaseMetrics создаёт метрики в глобальном registry.
func NewPurchaseMetrics() *PurchaseMetrics {
	return NewPurchaseMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewPurchaseMetricsWithRegisterer создаёт метрики в заданном registry (изолированные тесты).
func NewPurchaseMetricsWithRegisterer(registerer prometheus.Registerer) *PurchaseMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PurchaseMetrics{
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_stock_reservations_total",
			Help: "Total number of stock reservation attempts grouped by result",
		}, []string{"result"}),
		releases: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_stock_releases_total",
			Help: "Total number of stock units released back to listings",
		}),
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_checkouts_total",
			Help: "Total number of checkout attempts grouped by result",
		}, []string{"result"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_order_transitions_total",
			Help: "Total number of successful order status transitions grouped by target status",
		}, []string{"to"}),
		transitionConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_order_transition_conflicts_total",
			Help: "Total number of rejected order transitions (illegal or lost race)",
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "market_purchase_step_duration_seconds",
			Help:    "Duration of individual purchase steps in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_timeline_events_total",
			Help: "Total number of order timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "market_outbox_events_total",
			Help: "Total number of order events enqueued to the outbox",
		}),
		cartOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "market_cart_operations_total",
			Help: "Total number of cart operations grouped by operation and result",
		}, []string{"op", "result"}),
	}
}

// RecordReservation фиксирует попытку резерва.
func (m *PurchaseMetrics) RecordReservation(ok bool) {
	if ok {
		m.reservations.WithLabelValues("reserved").Inc()
		return
	}
	m.reservations.WithLabelValues("insufficient").Inc()
}

// RecordRelease фиксирует возврат единицы остатка.
func (m *PurchaseMetrics) RecordRelease() {
	m.releases.Inc()
}

// RecordCheckout фиксирует итог оформления заказа.
func (m *PurchaseMetrics) RecordCheckout(result string) {
	m.checkouts.WithLabelValues(result).Inc()
}

// RecordTransition фиксирует успешный переход заказа.
func (m *PurchaseMetrics) RecordTransition(to string) {
	m.transitions.WithLabelValues(to).Inc()
}

// RecordTransitionConflict фиксирует отклонённый переход.
func (m *PurchaseMetrics) RecordTransitionConflict() {
	m.transitionConflicts.Inc()
}

// RecordStepDuration записывает длительность шага покупки.
func (m *PurchaseMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent фиксирует запись в историю заказа.
func (m *PurchaseMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent фиксирует постановку события в outbox.
func (m *PurchaseMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

// RecordCartOperation фиксирует операцию с корзиной.
func (m *PurchaseMetrics) RecordCartOperation(op, result string) {
	m.cartOperations.WithLabelValues(op, result).Inc()
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}
