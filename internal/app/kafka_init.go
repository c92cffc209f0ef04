package app

import (
	"context"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
)

// kafkaLink — подключение сервиса к Kafka. producer == nil означает работу без брокера:
// Kafka не настроена или недоступна при старте.
type kafkaLink struct {
	brokers  []string
	producer *kafka.Producer
	logger   *log.Entry
}

// connectKafka создаёт producer для cfg.Brokers(). Ошибка подключения не останавливает сервис,
// события заказов тогда пишутся в лог.
func connectKafka(cfg Config, clientID string, logger *log.Entry) (*kafkaLink, error) {
	link := &kafkaLink{brokers: cfg.Brokers(), logger: logger.WithField("component", "kafka")}
	if len(link.brokers) == 0 {
		return link, nil
	}

	producer, err := kafka.NewProducer(link.brokers, clientID, kafka.WithProducerLogger(link.logger))
	if err != nil {
		link.logger.WithError(err).Warn("kafka producer is unavailable, order events go to the log")
		return link, err
	}
	link.producer = producer
	link.logger.WithField("brokers", link.brokers).Info("kafka producer initialized")
	return link, nil
}

func (k *kafkaLink) enabled() bool {
	return k != nil && k.producer != nil
}

// publishers возвращает получателей outbox и DLQ. Без Kafka DLQ нет.
func (k *kafkaLink) publishers(cfg Config) (domain.OutboxPublisher, domain.OutboxPublisher) {
	if !k.enabled() {
		return outbox.NewLogPublisher(k.logger.WithField("component", "outbox-log-publisher")), nil
	}
	return kafka.NewOutboxPublisher(k.producer, cfg.KafkaTopic), kafka.NewDLQPublisher(k.producer, cfg.KafkaDLQTopic)
}

// checker считает Kafka доступной, если принимает соединение хотя бы один брокер.
func (k *kafkaLink) checker() healthcheck.Checker {
	brokers := k.brokers
	return healthcheck.NewOptionalChecker("kafka", func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("no kafka brokers configured")
		}
		var (
			dialer net.Dialer
			errs   []error
		)
		for _, addr := range brokers {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			return conn.Close()
		}
		return errors.Join(errs...)
	})
}

func (k *kafkaLink) close() {
	if !k.enabled() {
		return
	}
	if err := k.producer.Close(); err != nil {
		k.logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	k.logger.Info("kafka producer closed")
}
