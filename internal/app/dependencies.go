package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
)

// runtimeDependencies — хранилища выбранного драйвера и то, что нужно для их остановки.
type runtimeDependencies struct {
	listings        domain.ListingStore
	orders          domain.OrderLedger
	carts           domain.CartRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	// storageChecker равен nil для memory: проверять нечего.
	storageChecker healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies открывает хранилище согласно cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		logger.Info("using in-memory storage")
		return runtimeDependencies{
			listings:        memory.NewListingStore(),
			orders:          memory.NewOrderLedger(),
			carts:           memory.NewCartRepository(),
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			closeFn:         func() error { return nil },
		}, nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return runtimeDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, dsn,
		postgres.WithMaxOpenConns(cfg.PostgresMaxOpenConns),
		postgres.WithConnMaxLifetime(cfg.PostgresConnMaxLifetime),
	)
	if err != nil {
		return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
	}
	if err := store.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.WithError(err).Warn("postgres pool metrics are not exported")
	}

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return runtimeDependencies{}, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	logger.Info("using postgres storage")
	return runtimeDependencies{
		listings:        postgres.NewListingStore(store),
		orders:          postgres.NewOrderLedger(store),
		carts:           postgres.NewCartRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker:  healthcheck.NewSimpleChecker("storage", store.Ping),
		closeFn:         store.Close,
	}, nil
}
