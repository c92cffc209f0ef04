// Команда dlq-replay перечитывает dead letter queue и возвращает события заказов в основной topic.
// По умолчанию работает в режиме dry-run.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envBrokers         = "MARKET_KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "target topic for replay")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish messages; default is dry-run")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.brokers = splitList(cmp.Or(strings.TrimSpace(brokersRaw), getenv(envBrokers)))
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// validate сообщает обо всех проблемах сразу, а не только о первой.
func (c config) validate() error {
	var problems []error
	if len(c.brokers) == 0 {
		problems = append(problems, fmt.Errorf("kafka brokers are required (-brokers or %s)", envBrokers))
	}
	if strings.TrimSpace(c.sourceTopic) == "" {
		problems = append(problems, errors.New("source-topic is required"))
	}
	if strings.TrimSpace(c.targetTopic) == "" {
		problems = append(problems, errors.New("target-topic is required"))
	} else if c.sourceTopic == c.targetTopic {
		problems = append(problems, errors.New("source and target topics must differ"))
	}
	if c.limit <= 0 {
		problems = append(problems, errors.New("limit must be > 0"))
	}
	if c.idleTimeout <= 0 {
		problems = append(problems, errors.New("idle-timeout must be > 0"))
	}
	return errors.Join(problems...)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func run(ctx context.Context, cfg config) error {
	clientID := version.ClientID("dlq-replay")
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = clientID
	consumerConfig.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(cfg.brokers, consumerConfig)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	// Без -execute target остаётся nil и Replayer только считает, что было бы отправлено.
	var target domain.OutboxPublisher
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers, clientID)
		if err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
		target = kafka.NewOutboxPublisher(producer, cfg.targetTopic)
	}

	entry := log.WithFields(log.Fields{
		"component":    "dlq-replay",
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"execute":      cfg.execute,
	})
	entry.WithField("limit", cfg.limit).Info("replaying dead letters")

	result, err := kafka.NewReplayer(consumer, target, cfg.idleTimeout, entry).Replay(ctx, cfg.sourceTopic, cfg.limit)
	entry.WithFields(log.Fields{
		"scanned":  result.Scanned,
		"replayed": result.Replayed,
		"skipped":  result.Skipped,
	}).Info("dlq replay finished")
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
