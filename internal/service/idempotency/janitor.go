// Package idempotency удаляет ответы оформления заказов, сохранённые по Idempotency-Key, после истечения срока.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultBatchSize     = 500
	// defaultMaxBatches ограничивает один проход, остаток дочищается на следующем тике.
	defaultMaxBatches = 100
)

var (
	janitorSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_idempotency_janitor_sweeps_total",
		Help: "Idempotency janitor sweeps grouped by result (ok, partial, error).",
	}, []string{"result"})
	janitorPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_idempotency_keys_purged_total",
		Help: "Expired idempotency keys removed by the janitor.",
	})
	janitorLastPurged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_idempotency_janitor_last_purged",
		Help: "Keys removed during the most recent janitor sweep.",
	})
)

// KeyPurger удаляет не более limit ключей, срок которых истёк к before, и возвращает их число.
type KeyPurger interface {
	DeleteExpired(before time.Time, limit int) (int, error)
}

// SweepStats описывает итог одного прохода.
type SweepStats struct {
	Purged  int
	Batches int
	// Truncated выставляется, когда проход упёрся в лимит батчей.
	Truncated bool
}

// Option настраивает Janitor.
type Option func(*Janitor)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(j *Janitor) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) Option {
	return func(j *Janitor) {
		if interval > 0 {
			j.interval = interval
		}
	}
}

// WithBatchSize задаёт размер одного DELETE.
func WithBatchSize(size int) Option {
	return func(j *Janitor) {
		if size > 0 {
			j.batchSize = size
		}
	}
}

// WithMaxBatches ограничивает число DELETE за проход.
func WithMaxBatches(n int) Option {
	return func(j *Janitor) {
		if n > 0 {
			j.maxBatches = n
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) {
		if now != nil {
			j.now = now
		}
	}
}

// Janitor периодически чистит просроченные ключи идемпотентности.
type Janitor struct {
	purger     KeyPurger
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewJanitor создаёт Janitor поверх хранилища ключей.
func NewJanitor(purger KeyPurger, opts ...Option) *Janitor {
	j := &Janitor{
		purger:     purger,
		logger:     log.WithField("component", "idempotency-janitor"),
		interval:   defaultSweepInterval,
		batchSize:  defaultBatchSize,
		maxBatches: defaultMaxBatches,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run делает проход сразу и затем по тикеру, пока ctx не отменён.
func (j *Janitor) Run(ctx context.Context) {
	if j.purger == nil {
		j.logger.Warn("idempotency janitor is disabled: no key store")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.sweepAndReport(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *Janitor) sweepAndReport(ctx context.Context) {
	stats, err := j.Sweep(ctx)
	janitorLastPurged.Set(float64(stats.Purged))

	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		janitorSweepsTotal.WithLabelValues("error").Inc()
		j.logger.WithError(err).WithField("purged", stats.Purged).Warn("idempotency sweep failed")
		return
	case stats.Truncated:
		janitorSweepsTotal.WithLabelValues("partial").Inc()
	default:
		janitorSweepsTotal.WithLabelValues("ok").Inc()
	}

	if stats.Purged > 0 {
		j.logger.WithFields(log.Fields{
			"purged":    stats.Purged,
			"batches":   stats.Batches,
			"truncated": stats.Truncated,
		}).Info("expired idempotency keys purged")
	}
}

// Sweep удаляет ключи, истёкшие к текущему моменту, батчами до первого неполного батча
// или до лимита батчей.
func (j *Janitor) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	cutoff := j.now()

	for stats.Batches < j.maxBatches {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n, err := j.purger.DeleteExpired(cutoff, j.batchSize)
		if err != nil {
			return stats, err
		}
		stats.Batches++
		stats.Purged += n
		janitorPurgedTotal.Add(float64(n))

		if n < j.batchSize {
			return stats, nil
		}
	}
	stats.Truncated = true
	return stats, nil
}
