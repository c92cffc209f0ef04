// Package reaper периодически закрывает брошенные заказы.
//
// Опрос грубый: заказ может пробыть в pending после дедлайна до одного интервала.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultInterval         = 60 * time.Second
	defaultAutoReceiveAfter = 7 * 24 * time.Hour
)

var (
	reaperSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_reaper_sweeps_total",
		Help: "Total number of expiry sweeps grouped by result.",
	}, []string{"result"})
	reaperOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_reaper_orders_total",
		Help: "Total number of orders handled by the expiry reaper grouped by action and result.",
	}, []string{"action", "result"})
	reaperLastSweepDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_reaper_last_sweep_duration_seconds",
		Help: "Duration of the last expiry sweep in seconds.",
	})
)

// OrderCloser перечисляет операции координатора, которые вызывает reaper.
type OrderCloser interface {
	Expire(ctx context.Context, orderID string) (domain.Order, error)
	AutoReceive(ctx context.Context, orderID string) (domain.Order, error)
}

// Options задаёт параметры reaper.
type Options struct {
	Logger           *log.Entry
	Interval         time.Duration
	Clock            func() time.Time
	AutoReceiveAfter time.Duration
}

// Option настраивает Reaper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт интервал между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// WithAutoReceiveAfter задаёт, через сколько после оплаты заказ считается полученным.
// Значение 0 отключает автоподтверждение.
func WithAutoReceiveAfter(after time.Duration) Option {
	return func(opts *Options) {
		opts.AutoReceiveAfter = after
	}
}

// SweepResult описывает итог одного прохода.
type SweepResult struct {
	Scanned      int
	Expired      int
	AutoReceived int
	Failed       int
}

// Reaper истекает просроченные pending-заказы и автоматически подтверждает старые paid.
type Reaper struct {
	orders           domain.OrderLedger
	closer           OrderCloser
	logger           *log.Entry
	interval         time.Duration
	now              func() time.Time
	autoReceiveAfter time.Duration
}

// New создаёт reaper.
func New(orders domain.OrderLedger, closer OrderCloser, options ...Option) *Reaper {
	opts := Options{
		Interval:         defaultInterval,
		AutoReceiveAfter: defaultAutoReceiveAfter,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-reaper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.AutoReceiveAfter < 0 {
		opts.AutoReceiveAfter = 0
	}

	return &Reaper{
		orders:           orders,
		closer:           closer,
		logger:           logger,
		interval:         opts.Interval,
		now:              opts.Clock,
		autoReceiveAfter: opts.AutoReceiveAfter,
	}
}

// Run выполняет проход сразу и затем по тикеру до отмены ctx.
func (r *Reaper) Run(ctx context.Context) {
	if r.orders == nil || r.closer == nil {
		r.logger.Warn("expiry reaper is disabled: ledger or coordinator is nil")
		return
	}

	r.SweepOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce выполняет один проход. Сбой по отдельному заказу не прерывает проход.
func (r *Reaper) SweepOnce(ctx context.Context) SweepResult {
	started := time.Now()
	defer func() {
		reaperLastSweepDuration.Set(time.Since(started).Seconds())
	}()

	var result SweepResult
	orders, err := r.orders.ListAll(ctx)
	if err != nil {
		reaperSweepsTotal.WithLabelValues("error").Inc()
		r.logger.WithError(err).Warn("expiry sweep failed to list orders")
		return result
	}

	now := r.now()
	for _, order := range orders {
		if ctx.Err() != nil {
			break
		}
		result.Scanned++

		switch {
		case order.Overdue(now):
			if r.handle(ctx, order, "expire", r.closer.Expire) {
				result.Expired++
			} else {
				result.Failed++
			}
		case r.receiveDue(order, now):
			if r.handle(ctx, order, "auto_receive", r.closer.AutoReceive) {
				result.AutoReceived++
			} else {
				result.Failed++
			}
		}
	}

	reaperSweepsTotal.WithLabelValues("ok").Inc()
	if result.Expired > 0 || result.AutoReceived > 0 || result.Failed > 0 {
		r.logger.WithFields(log.Fields{
			"scanned":       result.Scanned,
			"expired":       result.Expired,
			"auto_received": result.AutoReceived,
			"failed":        result.Failed,
		}).Info("expiry sweep completed")
	}
	return result
}

func (r *Reaper) receiveDue(order domain.Order, now time.Time) bool {
	if r.autoReceiveAfter <= 0 || order.Status != domain.OrderStatusPaid || order.PaidAt.IsZero() {
		return false
	}
	return order.PaidAt.Add(r.autoReceiveAfter).Before(now)
}

func (r *Reaper) handle(ctx context.Context, order domain.Order, action string, fn func(context.Context, string) (domain.Order, error)) bool {
	if _, err := fn(ctx, order.ID); err != nil {
		entry := r.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"action":   action,
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Пользователь успел оплатить или отменить заказ раньше.
			reaperOrdersTotal.WithLabelValues(action, "lost_race").Inc()
			entry.Debug("order changed concurrently, skipping")
		} else {
			reaperOrdersTotal.WithLabelValues(action, "error").Inc()
			entry.Warn("order skipped, will retry on next sweep")
		}
		return false
	}
	reaperOrdersTotal.WithLabelValues(action, "ok").Inc()
	return true
}
