// Package postgres реализует хранилища маркетплейса поверх PostgreSQL (драйвер pgx через database/sql).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// opTimeout ограничивает одну операцию репозитория, в том числе ping.
const opTimeout = 5 * time.Second

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// pool хранит параметры database/sql пула.
type pool struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
}

func (p pool) apply(db *sql.DB) {
	db.SetMaxOpenConns(p.maxOpen)
	db.SetMaxIdleConns(min(p.maxIdle, p.maxOpen))
	db.SetConnMaxLifetime(p.maxLifetime)
	db.SetConnMaxIdleTime(p.maxIdleTime)
}

// Option настраивает пул при открытии Store. Неположительные значения игнорируются.
type Option func(*pool)

// WithMaxOpenConns ограничивает число соединений; простаивающих не больше, чем открытых.
func WithMaxOpenConns(n int) Option {
	return func(p *pool) {
		if n > 0 {
			p.maxOpen = n
		}
	}
}

// WithConnMaxLifetime задаёт, через сколько соединение закрывается и открывается заново.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(p *pool) {
		if d > 0 {
			p.maxLifetime = d
		}
	}
}

// Store владеет пулом соединений; репозитории пакета строятся поверх него.
type Store struct {
	db *sql.DB
}

// Open открывает пул и ждёт ответа базы не дольше opTimeout.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	settings := pool{
		maxOpen:     25,
		maxIdle:     25,
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	settings.apply(db)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB отдаёт пул для низкоуровневого доступа: миграций и тестов.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность базы; используется health-проверкой storage.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// RegisterMetrics публикует статистику пула (go_sql_* с меткой db_name="marketplace").
// Повторная регистрация в том же registry не считается ошибкой.
func (s *Store) RegisterMetrics(reg prometheus.Registerer) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	err := reg.Register(collectors.NewDBStatsCollector(s.db, "marketplace"))
	if are := (prometheus.AlreadyRegisteredError{}); errors.As(err, &are) {
		return nil
	}
	return err
}

// Close закрывает пул. Закрытие nil Store ничего не делает.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx выполняет fn в транзакции. Ошибка fn возвращается как есть, сбои самой транзакции
// оборачиваются в ErrStorageUnavailable.
func withTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op+": begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op+": commit", err)
	}
	return nil
}
