// Package kafka публикует события заказов маркетплейса в Kafka через sarama.
package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var produced = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "market_kafka_produced_total",
	Help: "Records handed to Kafka by topic and result (ok, error).",
}, []string{"topic", "result"})

// Header задаёт заголовок записи Kafka.
type Header struct {
	Key   string
	Value string
}

// Producer отправляет JSON-записи синхронно: Send возвращается после подтверждения брокером.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// ProducerOption настраивает Producer.
type ProducerOption func(*Producer)

// WithProducerLogger задаёт logger.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProducerClock подменяет время, которым штампуются записи.
func WithProducerClock(now func() time.Time) ProducerOption {
	return func(p *Producer) {
		if now != nil {
			p.now = now
		}
	}
}

// NewConfig собирает конфигурацию producer'а с exactly-once семантикой на стороне брокера:
// idempotent запись требует acks=all и одного запроса в полёте на соединение.
func NewConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// NewProducer подключается к brokers.
func NewProducer(brokers []string, clientID string, options ...ProducerOption) (*Producer, error) {
	sync, err := sarama.NewSyncProducer(brokers, NewConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer to %v: %w", brokers, err)
	}
	return Wrap(sync, options...), nil
}

// Wrap строит Producer поверх готового SyncProducer, в тестах это mocks.SyncProducer.
func Wrap(sync sarama.SyncProducer, options ...ProducerOption) *Producer {
	p := &Producer{
		sync:   sync,
		logger: log.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Send кодирует value в JSON и пишет его в topic. Записи с одинаковым key попадают в одну партицию.
func (p *Producer) Send(topic, key string, value any, headers ...Header) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", topic, err)
	}

	record := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(body),
		Timestamp: p.now(),
	}
	for _, h := range headers {
		record.Headers = append(record.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: []byte(h.Value)})
	}

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.sync.SendMessage(record)
	if err != nil {
		produced.WithLabelValues(topic, "error").Inc()
		entry.WithError(err).Error("kafka rejected record")
		return fmt.Errorf("send record to %s: %w", topic, err)
	}

	produced.WithLabelValues(topic, "ok").Inc()
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("record acknowledged")
	return nil
}

// Close сбрасывает буферы и закрывает соединения с брокерами.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
