package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestProducer_Send(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := Wrap(mockProducer)

	order := domain.Order{
		ID:       "42",
		BuyerID:  "buyer",
		Status:   domain.OrderStatusPending,
		Snapshot: domain.ListingSnapshot{ListingID: "book", SellerID: "seller", PriceMinor: 1500},
	}

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got OrderEvent
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.OrderID != "42" || got.EventType != EventTypeOrderCreated {
			t.Errorf("unexpected event: %+v", got)
		}
		return nil
	})

	if err := producer.Send(TopicOrderEvents, order.ID, NewOrderEvent(order, "")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_SendStampsRecord(t *testing.T) {
	rec := &recordingSyncProducer{}
	stamp := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	producer := Wrap(rec, WithProducerClock(func() time.Time { return stamp }), WithProducerLogger(nil))

	if err := producer.Send("topic-a", "order-1", struct{}{}, Header{Key: "h", Value: "v"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg := rec.messages[0]
	key, _ := msg.Key.Encode()
	if msg.Topic != "topic-a" || string(key) != "order-1" || !msg.Timestamp.Equal(stamp) {
		t.Fatalf("unexpected record: topic=%s key=%s ts=%v", msg.Topic, key, msg.Timestamp)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "h" || string(msg.Headers[0].Value) != "v" {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
	if producer.logger == nil {
		t.Fatal("nil logger option must keep the default")
	}
}

func TestProducer_SendError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := Wrap(mockProducer)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.Send(TopicOrderEvents, "1", map[string]string{"k": "v"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_SendEncodeError(t *testing.T) {
	rec := &recordingSyncProducer{}

	if err := Wrap(rec).Send(TopicOrderEvents, "1", make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
	if len(rec.messages) != 0 {
		t.Fatal("nothing must reach kafka when encoding fails")
	}
}

func TestNewConfig(t *testing.T) {
	config := NewConfig("marketplace")

	if config.ClientID != "marketplace" {
		t.Fatalf("client id=%q", config.ClientID)
	}
	if !config.Producer.Idempotent || config.Net.MaxOpenRequests != 1 {
		t.Fatal("producer must be idempotent with a single in-flight request")
	}
	if config.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatal("producer must wait for all replicas")
	}
}

func TestNewOrderEvent(t *testing.T) {
	updated := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:        "7",
		BuyerID:   "alice",
		Status:    domain.OrderStatusExpired,
		Snapshot:  domain.ListingSnapshot{ListingID: "book", SellerID: "sam", PriceMinor: 990},
		UpdatedAt: updated,
	}

	event := NewOrderEvent(order, "payment deadline passed")

	if event.EventType != EventTypeOrderExpired {
		t.Errorf("event type=%s, want %s", event.EventType, EventTypeOrderExpired)
	}
	if event.ListingID != "book" || event.SellerID != "sam" || event.BuyerID != "alice" {
		t.Errorf("unexpected parties: %+v", event)
	}
	if event.PriceMinor != 990 || event.Status != "expired" {
		t.Errorf("unexpected snapshot fields: %+v", event)
	}
	if !event.Timestamp.Equal(updated) {
		t.Errorf("timestamp=%v, want %v", event.Timestamp, updated)
	}

	if NewOrderEvent(domain.Order{ID: "8"}, "").Timestamp.IsZero() {
		t.Error("timestamp should default to now")
	}
}

func TestEventTypeForStatus(t *testing.T) {
	tests := map[domain.OrderStatus]EventType{
		domain.OrderStatusPending:   EventTypeOrderCreated,
		domain.OrderStatusPaid:      EventTypeOrderPaid,
		domain.OrderStatusCancelled: EventTypeOrderCancelled,
		domain.OrderStatusExpired:   EventTypeOrderExpired,
		domain.OrderStatusReceived:  EventTypeOrderReceived,
	}
	for status, want := range tests {
		if got := EventTypeForStatus(status); got != want {
			t.Errorf("EventTypeForStatus(%s)=%s, want %s", status, got, want)
		}
		if string(want) != domain.TimelineTypeFor(status) {
			t.Errorf("kafka and timeline event names diverged for %s", status)
		}
	}
}
