package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/marketplace/internal/service/purchase"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	LogFormatText = "text"
	LogFormatJSON = "json"

	envPrefix = "MARKET_"
)

// Config описывает настройки запуска маркетплейса. Значения по умолчанию даёт DefaultConfig,
// поверх них накладываются YAML-файл и переменные окружения MARKET_*.
type Config struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	StorageDriver           string        `yaml:"storage_driver"`
	PostgresDSN             string        `yaml:"postgres_dsn"`
	PostgresAutoMigrate     bool          `yaml:"postgres_auto_migrate"`
	PostgresMaxOpenConns    int           `yaml:"postgres_max_open_conns"`
	PostgresConnMaxLifetime time.Duration `yaml:"postgres_conn_max_lifetime"`

	// KafkaBrokers — список адресов через запятую. Пустое значение отключает Kafka.
	KafkaBrokers  string `yaml:"kafka_brokers"`
	KafkaTopic    string `yaml:"kafka_topic"`
	KafkaDLQTopic string `yaml:"kafka_dlq_topic"`

	OrderTTL         time.Duration `yaml:"order_ttl"`
	AutoReceiveAfter time.Duration `yaml:"auto_receive_after"`
	ReaperInterval   time.Duration `yaml:"reaper_interval"`

	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`
	OutboxMaxPending   int           `yaml:"outbox_max_pending"`
	OutboxMaxAge       time.Duration `yaml:"outbox_max_age"`

	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`

	JaegerEndpoint   string  `yaml:"jaeger_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DefaultConfig возвращает настройки для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	return Config{
		ServiceName: "marketplace",
		LogLevel:    "info",
		LogFormat:   LogFormatText,

		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:           StorageDriverMemory,
		PostgresAutoMigrate:     true,
		PostgresMaxOpenConns:    20,
		PostgresConnMaxLifetime: 30 * time.Minute,

		OrderTTL:         purchase.DefaultOrderTTL,
		AutoReceiveAfter: 7 * 24 * time.Hour,
		ReaperInterval:   30 * time.Second,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   time.Second,
		OutboxMaxPending:   1000,
		OutboxMaxAge:       5 * time.Minute,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		TraceSampleRatio: 1,
	}
}

// LoadConfig читает YAML-файл (если path не пустой) и переменные окружения.
// Неизвестные ключи файла считаются ошибкой.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(raw))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv накладывает переменные MARKET_* поверх cfg. Ошибки разбора собираются все сразу.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("SERVICE_NAME", &c.ServiceName)
	env.str("LOG_LEVEL", &c.LogLevel)
	env.str("LOG_FORMAT", &c.LogFormat)

	env.str("HTTP_ADDR", &c.HTTPAddr)
	env.str("GRPC_ADDR", &c.GRPCAddr)
	env.str("METRICS_ADDR", &c.MetricsAddr)

	env.str("STORAGE_DRIVER", &c.StorageDriver)
	env.str("POSTGRES_DSN", &c.PostgresDSN)
	env.boolean("POSTGRES_AUTO_MIGRATE", &c.PostgresAutoMigrate)
	env.integer("POSTGRES_MAX_OPEN_CONNS", &c.PostgresMaxOpenConns)
	env.duration("POSTGRES_CONN_MAX_LIFETIME", &c.PostgresConnMaxLifetime)

	env.str("KAFKA_BROKERS", &c.KafkaBrokers)
	env.str("KAFKA_TOPIC", &c.KafkaTopic)
	env.str("KAFKA_DLQ_TOPIC", &c.KafkaDLQTopic)

	env.duration("ORDER_TTL", &c.OrderTTL)
	env.duration("AUTO_RECEIVE_AFTER", &c.AutoReceiveAfter)
	env.duration("REAPER_INTERVAL", &c.ReaperInterval)

	env.duration("OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval)
	env.integer("OUTBOX_BATCH_SIZE", &c.OutboxBatchSize)
	env.integer("OUTBOX_MAX_ATTEMPTS", &c.OutboxMaxAttempts)
	env.duration("OUTBOX_RETRY_DELAY", &c.OutboxRetryDelay)
	env.integer("OUTBOX_MAX_PENDING", &c.OutboxMaxPending)
	env.duration("OUTBOX_MAX_AGE", &c.OutboxMaxAge)

	env.duration("IDEMPOTENCY_TTL", &c.IdempotencyTTL)
	env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &c.IdempotencyCleanupInterval)
	env.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &c.IdempotencyCleanupBatchSize)

	env.str("JAEGER_ENDPOINT", &c.JaegerEndpoint)
	env.float("TRACE_SAMPLE_RATIO", &c.TraceSampleRatio)

	return errors.Join(env.errs...)
}

// Brokers разбирает KafkaBrokers, пропуская пустые элементы.
func (c Config) Brokers() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Validate проверяет, что с конфигурацией можно стартовать.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	for name, addr := range map[string]string{"http_addr": c.HTTPAddr, "grpc_addr": c.GRPCAddr, "metrics_addr": c.MetricsAddr} {
		if strings.TrimSpace(addr) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		}
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"order_ttl", c.OrderTTL},
		{"reaper_interval", c.ReaperInterval},
		{"outbox_poll_interval", c.OutboxPollInterval},
		{"idempotency_ttl", c.IdempotencyTTL},
		{"idempotency_cleanup_interval", c.IdempotencyCleanupInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.value))
		}
	}
	if c.AutoReceiveAfter < 0 {
		errs = append(errs, errors.New("auto_receive_after must not be negative"))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, errors.New("outbox_retry_delay must not be negative"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes and attempts must be positive"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("trace_sample_ratio must be within [0, 1], got %v", c.TraceSampleRatio))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ConfigureLogger выставляет уровень и формат глобального logrus.
func (c Config) ConfigureLogger() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if c.LogFormat == LogFormatJSON {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) value(name string) (string, bool) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(raw), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.value(name); ok {
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.value(name)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.value(name)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) float(name string, dst *float64) {
	v, ok := e.value(name)
	if !ok || v == "" {
		return
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.value(name)
	if !ok || v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = parsed
}
