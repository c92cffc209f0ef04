// Package listing реализует управление объявлениями со стороны продавца и модерацию.
package listing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Draft содержит данные нового объявления.
type Draft struct {
	Title      string
	Author     string
	PriceMinor int64
	Stock      int
}

// Patch — изменяемые продавцом поля. nil означает "не менять".
type Patch struct {
	Title      *string
	Author     *string
	PriceMinor *int64
}

// Service управляет объявлениями поверх ListingStore.
type Service struct {
	store  domain.ListingStore
	logger *log.Entry
	now    func() time.Time
	newID  func() string
}

// NewService создаёт сервис объявлений.
func NewService(store domain.ListingStore, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "listing-service")
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Create публикует объявление на модерацию.
func (s *Service) Create(ctx context.Context, sellerID string, draft Draft) (domain.Listing, error) {
	now := s.now()
	listing := domain.Listing{
		ID:         s.newID(),
		SellerID:   strings.TrimSpace(sellerID),
		Title:      strings.TrimSpace(draft.Title),
		Author:     strings.TrimSpace(draft.Author),
		PriceMinor: draft.PriceMinor,
		Stock:      draft.Stock,
		Status:     domain.ListingStatusUnderReview,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if errs := listing.ValidateInvariants(); len(errs) > 0 {
		return domain.Listing{}, errors.Join(errs...)
	}

	if err := s.store.Create(ctx, listing); err != nil {
		return domain.Listing{}, err
	}
	s.logger.WithFields(log.Fields{
		"listing_id": listing.ID,
		"seller_id":  listing.SellerID,
	}).Info("listing created")
	return listing, nil
}

// Update меняет описание и цену. После правки объявление снова уходит на модерацию.
func (s *Service) Update(ctx context.Context, sellerID, id string, patch Patch) (domain.Listing, error) {
	return s.store.Update(ctx, id, func(l *domain.Listing) error {
		if l.SellerID != sellerID {
			return domain.ErrUnauthorized
		}
		if patch.Title != nil {
			l.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Author != nil {
			l.Author = strings.TrimSpace(*patch.Author)
		}
		if patch.PriceMinor != nil {
			l.PriceMinor = *patch.PriceMinor
		}
		l.Status = domain.ListingStatusUnderReview
		if errs := l.ValidateInvariants(); len(errs) > 0 {
			return errors.Join(errs...)
		}
		return nil
	})
}

// TakeOffline снимает объявление с продажи. Повторный вызов ничего не меняет.
func (s *Service) TakeOffline(ctx context.Context, sellerID, id string) (domain.Listing, error) {
	return s.store.Update(ctx, id, func(l *domain.Listing) error {
		if l.SellerID != sellerID {
			return domain.ErrUnauthorized
		}
		switch l.Status {
		case domain.ListingStatusOnSale:
			l.Status = domain.ListingStatusOffline
			return nil
		case domain.ListingStatusOffline:
			return nil
		default:
			return domain.ErrInvalidTransition
		}
	})
}

// Delete удаляет объявление продавца. Уже созданные заказы хранят снимок и не затрагиваются.
func (s *Service) Delete(ctx context.Context, sellerID, id string) error {
	listing, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if listing.SellerID != sellerID {
		return domain.ErrUnauthorized
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("listing_id", id).Info("listing deleted")
	return nil
}

// Moderate принимает решение по объявлению на модерации.
// Одобренное объявление без остатка сразу уходит в offline.
func (s *Service) Moderate(ctx context.Context, id string, approve bool) (domain.Listing, error) {
	return s.store.Update(ctx, id, func(l *domain.Listing) error {
		if l.Status != domain.ListingStatusUnderReview {
			return domain.ErrInvalidTransition
		}
		switch {
		case !approve:
			l.Status = domain.ListingStatusRejected
		case l.Stock > 0:
			l.Status = domain.ListingStatusOnSale
		default:
			l.Status = domain.ListingStatusOffline
		}
		return nil
	})
}

// Get возвращает объявление.
func (s *Service) Get(ctx context.Context, id string) (domain.Listing, error) {
	return s.store.Get(ctx, id)
}

// Browse возвращает объявления по фильтру. Без фильтров показываются только товары в продаже.
func (s *Service) Browse(ctx context.Context, filter domain.ListingFilter) ([]domain.Listing, error) {
	if filter.SellerID == "" && filter.Status == "" {
		filter.Status = domain.ListingStatusOnSale
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.ErrListingStatusInvalid
	}
	return s.store.List(ctx, filter)
}
