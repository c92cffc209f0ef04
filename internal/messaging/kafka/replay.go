package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultReplayIdleTimeout = 2 * time.Second

var errReplayConsumerRequired = errors.New("kafka consumer is required for dlq replay")

// deadLetterPayload — поля, которые outbox-воркер кладёт в payload сообщения DLQ.
type deadLetterPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// ReplayResult описывает итог прохода по DLQ.
type ReplayResult struct {
	Scanned  int
	Replayed int
	Skipped  int
}

// Replayer перечитывает DLQ и возвращает события заказов в основной topic.
type Replayer struct {
	consumer    sarama.Consumer
	target      domain.OutboxPublisher
	logger      *log.Entry
	idleTimeout time.Duration
}

// NewReplayer создаёт replayer. При target == nil работает в режиме dry-run и только логирует кандидатов.
func NewReplayer(consumer sarama.Consumer, target domain.OutboxPublisher, idleTimeout time.Duration, logger *log.Entry) *Replayer {
	if logger == nil {
		logger = log.WithField("component", "dlq-replayer")
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultReplayIdleTimeout
	}
	return &Replayer{consumer: consumer, target: target, logger: logger, idleTimeout: idleTimeout}
}

// Replay читает не больше limit сообщений topic с самого старого offset каждой партиции.
// Партиция считается прочитанной, когда в ней нет новых сообщений дольше idleTimeout.
func (r *Replayer) Replay(ctx context.Context, topic string, limit int) (ReplayResult, error) {
	var result ReplayResult
	if r.consumer == nil {
		return result, errReplayConsumerRequired
	}

	partitions, err := r.consumer.Partitions(topic)
	if err != nil {
		return result, fmt.Errorf("get partitions for topic %s: %w", topic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if result.Scanned >= limit {
			break
		}
		if err := r.replayPartition(ctx, topic, partition, limit, &result); err != nil {
			return result, err
		}
	}

	r.logger.WithFields(log.Fields{
		"topic":    topic,
		"scanned":  result.Scanned,
		"replayed": result.Replayed,
		"skipped":  result.Skipped,
		"dry_run":  r.target == nil,
	}).Info("dlq replay finished")
	return result, nil
}

func (r *Replayer) replayPartition(ctx context.Context, topic string, partition int32, limit int, result *ReplayResult) error {
	pc, err := r.consumer.ConsumePartition(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for result.Scanned < limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case consumeErr, ok := <-pc.Errors():
			if ok && consumeErr != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, consumeErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			idle.Reset(r.idleTimeout)
			result.Scanned++

			event, err := decodeDeadLetter(msg.Value)
			if err != nil {
				result.Skipped++
				r.logger.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip unsupported dlq message")
				continue
			}

			entry := r.logger.WithFields(log.Fields{
				"outbox_id":    event.ID,
				"aggregate_id": event.AggregateID,
				"event_type":   event.EventType,
			})
			if r.target == nil {
				entry.Info("dlq replay candidate")
				result.Replayed++
				continue
			}
			if err := r.target.Publish(event); err != nil {
				return fmt.Errorf("replay %s: %w", event.ID, err)
			}
			entry.Debug("dlq message replayed")
			result.Replayed++
		}
	}
	return nil
}

// decodeDeadLetter восстанавливает исходное outbox-сообщение из конверта DLQ.
func decodeDeadLetter(raw []byte) (domain.OutboxMessage, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("decode dlq envelope: %w", err)
	}

	var dead deadLetterPayload
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if len(dead.Payload) == 0 {
		return domain.OutboxMessage{}, errors.New("dead letter has no original payload")
	}

	return domain.OutboxMessage{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       []byte(dead.Payload),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
