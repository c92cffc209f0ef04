// Package outbox доставляет события заказов из transactional outbox во внешний брокер.
//
// Неудачная доставка не повторяется внутри цикла: сообщение получает время следующей
// попытки и ждёт его в хранилище. Пока сообщение заказа ждёт повтора, более поздние
// события того же заказа не отправляются.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 5
	defaultRetryBaseDelay = time.Second
	maxRetryDelay         = 5 * time.Minute
)

const (
	resultSent      = "sent"
	resultRetry     = "retry"
	resultDead      = "dead"
	resultDLQFailed = "dlq_failed"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_outbox_deliveries_total",
		Help: "Outbox delivery outcomes: sent, retry, dead, dlq_failed.",
	}, []string{"result"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_outbox_pending_records",
		Help: "Current number of pending order events in the outbox.",
	})
	retryingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_outbox_retrying_records",
		Help: "Pending order events that already failed at least once.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// Options задаёт параметры воркера.
type Options struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Clock          func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithDLQPublisher задаёт получателя событий, доставить которые не удалось.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *Options) {
		opts.DLQPublisher = publisher
	}
}

// WithPollInterval задаёт частоту опроса.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер пачки.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток, после которого сообщение уходит в DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *Options) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт паузу перед первым повтором; каждая следующая вдвое длиннее.
// 0 делает сообщение доступным уже на следующем опросе.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *Options) {
		opts.RetryBaseDelay = delay
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = now
	}
}

// BatchResult описывает итог одного цикла.
type BatchResult struct {
	Pulled int
	Sent   int
	// Retried — сообщения, отложенные до следующей попытки.
	Retried int
	// Deferred — сообщения, пропущенные из-за неудачи более раннего события того же заказа.
	Deferred   int
	Dead       int
	DeadLetter int
}

// Worker публикует сообщения outbox, откладывает неудачные и снимает исчерпавшие попытки.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	now       func() time.Time
	opts      Options
}

// NewWorker создаёт воркер. Некорректные параметры заменяются значениями по умолчанию.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := Options{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	opts.RetryBaseDelay = max(opts.RetryBaseDelay, 0)
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Worker{
		repo:      repo,
		publisher: publisher,
		dlq:       opts.DLQPublisher,
		logger:    opts.Logger,
		now:       opts.Clock,
		opts:      opts,
	}
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	w.ProcessOnce(ctx)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce забирает сообщения, срок которых наступил, и пытается доставить каждое один раз.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}
	defer w.refreshBacklogMetrics()

	now := w.now()
	due, err := w.repo.PullDue(now, w.opts.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull due outbox messages")
		return result
	}
	result.Pulled = len(due)

	stalled := make(map[string]struct{})
	for _, msg := range due {
		if ctx.Err() != nil {
			break
		}
		aggregate := msg.AggregateType + "/" + msg.AggregateID
		if _, ok := stalled[aggregate]; ok {
			result.Deferred++
			continue
		}

		entry := w.logger.WithFields(log.Fields{
			"outbox_id":    msg.ID,
			"aggregate_id": msg.AggregateID,
			"event_type":   msg.EventType,
			"attempt":      msg.Attempts + 1,
		})

		publishErr := w.publisher.Publish(msg)
		if publishErr == nil {
			result.Sent++
			deliveries.WithLabelValues(resultSent).Inc()
			if err := w.repo.MarkSent(msg.ID); err != nil {
				entry.WithError(err).Warn("failed to mark outbox message as sent")
			}
			continue
		}

		if msg.Attempts+1 < w.opts.MaxAttempts {
			stalled[aggregate] = struct{}{}
			w.scheduleRetry(entry, msg, now, publishErr, &result)
			continue
		}
		w.bury(entry, msg, now, publishErr, &result, stalled, aggregate)
	}

	return result
}

func (w *Worker) scheduleRetry(entry *log.Entry, msg domain.OutboxMessage, now time.Time, cause error, result *BatchResult) {
	retryAt := now.Add(w.retryDelay(msg.Attempts + 1))
	result.Retried++
	deliveries.WithLabelValues(resultRetry).Inc()
	entry.WithError(cause).WithField("retry_at", retryAt).Warn("outbox publish failed, retry scheduled")
	if err := w.repo.ScheduleRetry(msg.ID, retryAt, cause.Error()); err != nil {
		entry.WithError(err).Warn("failed to schedule outbox retry")
	}
}

// bury снимает сообщение с доставки. Если DLQ настроена, сообщение снимается только после
// успешной записи в неё; иначе оно откладывается и заказ остаётся заблокированным.
func (w *Worker) bury(entry *log.Entry, msg domain.OutboxMessage, now time.Time, cause error, result *BatchResult, stalled map[string]struct{}, aggregate string) {
	cause = fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, msg.Attempts+1, cause)

	if w.dlq != nil {
		if err := w.publishToDLQ(msg, now, cause); err != nil {
			deliveries.WithLabelValues(resultDLQFailed).Inc()
			entry.WithError(err).Error("failed to publish dead letter")
			stalled[aggregate] = struct{}{}
			w.scheduleRetry(entry, msg, now, cause, result)
			return
		}
		result.DeadLetter++
	}

	result.Dead++
	deliveries.WithLabelValues(resultDead).Inc()
	entry.WithError(cause).Error("outbox message is dead")
	if err := w.repo.MarkDead(msg.ID, cause.Error()); err != nil {
		entry.WithError(err).Warn("failed to mark outbox message as dead")
	}
}

// retryDelay удваивает базовую паузу на каждую неудачную попытку, не выходя за maxRetryDelay.
func (w *Worker) retryDelay(failures int) time.Duration {
	delay := w.opts.RetryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklogMetrics() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	pendingRecords.Set(float64(stats.PendingCount))
	retryingRecords.Set(float64(stats.RetryingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}

// deadLetter — конверт события в DLQ. Исходный payload вложен без изменений.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	FailedAt      time.Time       `json:"failed_at"`
}

func (w *Worker) publishToDLQ(msg domain.OutboxMessage, now time.Time, cause error) error {
	payload, err := json.Marshal(deadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Attempts:      msg.Attempts + 1,
		Payload:       json.RawMessage(msg.Payload),
		PublishError:  cause.Error(),
		FailedAt:      now,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	dead := msg
	dead.Payload = payload
	if err := w.dlq.Publish(dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
