// Package cart управляет корзинами покупателей. Корзина не держит резерв:
// остаток объявления служит только рекомендательной границей на момент изменения.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/keylock"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// Manager сериализует изменения корзины одного покупателя.
type Manager struct {
	listings domain.ListingStore
	repo     domain.CartRepository
	locks    *keylock.Map
	metrics  *metrics.PurchaseMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Manager.
type Option func(*Manager)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics включает метрики операций с корзиной.
func WithMetrics(pm *metrics.PurchaseMetrics) Option {
	return func(m *Manager) {
		m.metrics = pm
	}
}

// NewManager создаёт менеджер корзин.
func NewManager(listings domain.ListingStore, repo domain.CartRepository, opts ...Option) *Manager {
	m := &Manager{
		listings: listings,
		repo:     repo,
		locks:    keylock.New(),
		logger:   log.WithField("component", "cart-manager"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddOne увеличивает количество позиции на 1, не выходя за текущий остаток объявления.
func (m *Manager) AddOne(ctx context.Context, buyerID, listingID string) (domain.CartEntry, error) {
	if strings.TrimSpace(buyerID) == "" {
		return domain.CartEntry{}, domain.ErrUserRequired
	}

	unlock := m.locks.Lock(buyerID)
	defer unlock()

	listing, err := m.listings.Get(ctx, listingID)
	if err != nil {
		m.record("add", err)
		return domain.CartEntry{}, err
	}
	if listing.SellerID == buyerID {
		m.record("add", domain.ErrSelfPurchase)
		return domain.CartEntry{}, domain.ErrSelfPurchase
	}

	entry, err := m.repo.Get(ctx, buyerID, listingID)
	switch {
	case errors.Is(err, domain.ErrCartEntryNotFound):
		entry = domain.CartEntry{BuyerID: buyerID, ListingID: listingID, AddedAt: m.now()}
	case err != nil:
		m.record("add", err)
		return domain.CartEntry{}, fmt.Errorf("get cart entry: %w", err)
	}

	if entry.Quantity+1 > listing.Stock {
		m.record("add", domain.ErrInsufficientStock)
		return domain.CartEntry{}, domain.ErrInsufficientStock
	}

	entry.Quantity++
	if err := m.repo.Put(ctx, entry); err != nil {
		m.record("add", err)
		return domain.CartEntry{}, fmt.Errorf("put cart entry: %w", err)
	}

	m.record("add", nil)
	return entry, nil
}

// RemoveOne уменьшает количество на count. count <= 0 или count >= количества удаляет позицию целиком.
func (m *Manager) RemoveOne(ctx context.Context, buyerID, listingID string, count int) error {
	err := m.locks.WithLock(buyerID, func() error {
		entry, err := m.repo.Get(ctx, buyerID, listingID)
		if err != nil {
			return err
		}
		if count <= 0 || count >= entry.Quantity {
			err = m.repo.Delete(ctx, buyerID, listingID)
		} else {
			entry.Quantity -= count
			err = m.repo.Put(ctx, entry)
		}
		if err != nil {
			return fmt.Errorf("update cart entry: %w", err)
		}
		return nil
	})
	m.record("remove", err)
	return err
}

// Clear очищает корзину покупателя.
func (m *Manager) Clear(ctx context.Context, buyerID string) error {
	err := m.locks.WithLock(buyerID, func() error {
		if err := m.repo.Clear(ctx, buyerID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return nil
	})
	m.record("clear", err)
	return err
}

// List возвращает позиции покупателя. Данные объявлений подтягивает вызывающий.
func (m *Manager) List(ctx context.Context, buyerID string) ([]domain.CartEntry, error) {
	return m.repo.List(ctx, buyerID)
}

func (m *Manager) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case domain.IsBusiness(err):
		result = "rejected"
		m.logger.WithError(err).WithField("op", op).Debug("cart operation rejected")
	default:
		result = "error"
		m.logger.WithError(err).WithField("op", op).Warn("cart operation failed")
	}
	if m.metrics != nil {
		m.metrics.RecordCartOperation(op, result)
	}
}
