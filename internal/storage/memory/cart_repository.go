package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// cartRepositoryInMemory хранит корзины: покупатель -> объявление -> позиция.
type cartRepositoryInMemory struct {
	mu    sync.RWMutex
	carts map[string]map[string]domain.CartEntry
}

// NewCartRepository создаёт in-memory реализацию CartRepository.
func NewCartRepository() domain.CartRepository {
	return &cartRepositoryInMemory{carts: make(map[string]map[string]domain.CartEntry)}
}

func (r *cartRepositoryInMemory) Get(_ context.Context, buyerID, listingID string) (domain.CartEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.carts[buyerID][listingID]
	if !ok {
		return domain.CartEntry{}, domain.ErrCartEntryNotFound
	}
	return entry, nil
}

func (r *cartRepositoryInMemory) Put(_ context.Context, entry domain.CartEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[entry.BuyerID]
	if !ok {
		cart = make(map[string]domain.CartEntry)
		r.carts[entry.BuyerID] = cart
	}
	cart[entry.ListingID] = entry
	return nil
}

func (r *cartRepositoryInMemory) Delete(_ context.Context, buyerID, listingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[buyerID]
	if !ok {
		return nil
	}
	delete(cart, listingID)
	if len(cart) == 0 {
		delete(r.carts, buyerID)
	}
	return nil
}

func (r *cartRepositoryInMemory) Clear(_ context.Context, buyerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.carts, buyerID)
	return nil
}

func (r *cartRepositoryInMemory) List(_ context.Context, buyerID string) ([]domain.CartEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cart := r.carts[buyerID]
	result := make([]domain.CartEntry, 0, len(cart))
	for _, entry := range cart {
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].AddedAt.Equal(result[j].AddedAt) {
			return result[i].AddedAt.Before(result[j].AddedAt)
		}
		return result[i].ListingID < result[j].ListingID
	})
	return result, nil
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)
