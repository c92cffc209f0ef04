package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type recordingPublisher struct {
	published []domain.OutboxMessage
	err       error
}

func (p *recordingPublisher) Publish(event domain.OutboxMessage) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func deadLetterMessage(t *testing.T, outboxID, orderID string) *sarama.ConsumerMessage {
	t.Helper()

	dead, err := json.Marshal(deadLetterPayload{
		OutboxID:      outboxID,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     string(EventTypeOrderPaid),
		Payload:       json.RawMessage(`{"order_id":"` + orderID + `"}`),
		PublishError:  "broker down",
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(Envelope{
		ID:            outboxID,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     string(EventTypeOrderPaid),
		Payload:       dead,
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Value: raw}
}

func TestReplayer_RepublishesDeadLetters(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{TopicDeadLetterQueue: {1, 0}})
	consumer.ExpectConsumePartition(TopicDeadLetterQueue, 0, sarama.OffsetOldest).
		YieldMessage(deadLetterMessage(t, "outbox-1", "order-1")).
		YieldMessage(&sarama.ConsumerMessage{Value: []byte("not json")})
	consumer.ExpectConsumePartition(TopicDeadLetterQueue, 1, sarama.OffsetOldest).
		YieldMessage(deadLetterMessage(t, "outbox-2", "order-2"))

	producer := mocks.NewSyncProducer(t, nil)
	for _, want := range []string{"outbox-1", "outbox-2"} {
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			var env Envelope
			if err := json.Unmarshal(val, &env); err != nil {
				return err
			}
			if env.ID != want || env.EventType != string(EventTypeOrderPaid) {
				return errors.New("unexpected replayed envelope: " + string(val))
			}
			if len(env.Payload) == 0 || env.Payload[0] != '{' {
				return errors.New("original payload must be restored")
			}
			return nil
		})
	}
	target := NewOutboxPublisher(Wrap(producer), TopicOrderEvents)

	result, err := NewReplayer(consumer, target, 50*time.Millisecond, nil).Replay(context.Background(), TopicDeadLetterQueue, 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result != (ReplayResult{Scanned: 3, Replayed: 2, Skipped: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}

	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
	if err := consumer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReplayer_DryRunRespectsLimit(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{TopicDeadLetterQueue: {0}})
	consumer.ExpectConsumePartition(TopicDeadLetterQueue, 0, sarama.OffsetOldest).
		YieldMessage(deadLetterMessage(t, "outbox-1", "order-1")).
		YieldMessage(deadLetterMessage(t, "outbox-2", "order-2"))

	result, err := NewReplayer(consumer, nil, 50*time.Millisecond, nil).Replay(context.Background(), TopicDeadLetterQueue, 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result != (ReplayResult{Scanned: 1, Replayed: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	_ = consumer.Close()
}

func TestReplayer_PublishErrorStops(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{TopicDeadLetterQueue: {0}})
	consumer.ExpectConsumePartition(TopicDeadLetterQueue, 0, sarama.OffsetOldest).
		YieldMessage(deadLetterMessage(t, "outbox-1", "order-1"))

	target := &recordingPublisher{err: errors.New("still down")}
	_, err := NewReplayer(consumer, target, 50*time.Millisecond, nil).Replay(context.Background(), TopicDeadLetterQueue, 10)
	if err == nil {
		t.Fatal("expected publish error")
	}
	_ = consumer.Close()
}

func TestReplayer_RequiresConsumer(t *testing.T) {
	if _, err := NewReplayer(nil, nil, 0, nil).Replay(context.Background(), TopicDeadLetterQueue, 1); !errors.Is(err, errReplayConsumerRequired) {
		t.Fatalf("expected errReplayConsumerRequired, got %v", err)
	}
}

func TestDecodeDeadLetter(t *testing.T) {
	msg, err := decodeDeadLetter(deadLetterMessage(t, "outbox-9", "order-9").Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID != "outbox-9" || msg.AggregateID != "order-9" || string(msg.Payload) != `{"order_id":"order-9"}` {
		t.Fatalf("unexpected message: %+v", msg)
	}

	plain, _ := json.Marshal(Envelope{ID: "x", Payload: json.RawMessage(`{"outbox_id":"x"}`)})
	if _, err := decodeDeadLetter(plain); err == nil {
		t.Fatal("dead letter without original payload must be rejected")
	}
	if _, err := decodeDeadLetter([]byte("{")); err == nil {
		t.Fatal("broken json must be rejected")
	}
}
