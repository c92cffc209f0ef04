package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// listingRecord держит объявление под собственным мьютексом.
// Таблица записей защищена отдельно и блокируется только на поиск/вставку/удаление.
type listingRecord struct {
	mu      sync.Mutex
	listing domain.Listing
	deleted bool
}

// listingStoreInMemory — in-memory реализация ListingStore с блокировкой на объявление.
type listingStoreInMemory struct {
	mu      sync.RWMutex
	records map[string]*listingRecord
}

// NewListingStore возвращает in-memory хранилище объявлений.
func NewListingStore() domain.ListingStore {
	return &listingStoreInMemory{
		records: make(map[string]*listingRecord),
	}
}

func (s *listingStoreInMemory) lookup(id string) (*listingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	return rec, ok
}

// Create сохраняет объявление, если ID ещё не занят.
func (s *listingStoreInMemory) Create(_ context.Context, listing domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[listing.ID]; exists {
		return domain.ErrListingAlreadyExists
	}
	listing.Normalize()
	s.records[listing.ID] = &listingRecord{listing: listing}
	return nil
}

// Get возвращает снимок объявления.
func (s *listingStoreInMemory) Get(_ context.Context, id string) (domain.Listing, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return domain.Listing{}, domain.ErrListingNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Listing{}, domain.ErrListingNotFound
	}
	return rec.listing, nil
}

// List возвращает объявления по фильтру, новые первыми.
func (s *listingStoreInMemory) List(_ context.Context, filter domain.ListingFilter) ([]domain.Listing, error) {
	s.mu.RLock()
	records := make([]*listingRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	result := make([]domain.Listing, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		listing, deleted := rec.listing, rec.deleted
		rec.mu.Unlock()

		if deleted || !filter.Match(listing) {
			continue
		}
		result = append(result, listing)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Update применяет mutate под мьютексом объявления. Остаток и идентичность восстанавливаются.
func (s *listingStoreInMemory) Update(_ context.Context, id string, mutate func(*domain.Listing) error) (domain.Listing, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return domain.Listing{}, domain.ErrListingNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Listing{}, domain.ErrListingNotFound
	}

	updated := rec.listing
	if err := mutate(&updated); err != nil {
		return domain.Listing{}, err
	}
	updated.ID = rec.listing.ID
	updated.SellerID = rec.listing.SellerID
	updated.Stock = rec.listing.Stock
	updated.CreatedAt = rec.listing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	updated.Normalize()

	rec.listing = updated
	return updated, nil
}

// Delete удаляет объявление. Параллельные Reserve/Release на удалённой записи становятся no-op.
func (s *listingStoreInMemory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()

	if !ok {
		return domain.ErrListingNotFound
	}

	rec.mu.Lock()
	rec.deleted = true
	rec.mu.Unlock()
	return nil
}

// Reserve списывает единицу остатка под мьютексом объявления.
func (s *listingStoreInMemory) Reserve(_ context.Context, id string) (bool, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return false, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return false, nil
	}
	return rec.listing.ApplyReserve(time.Now().UTC()), nil
}

// Release возвращает единицу остатка. Удалённое или неизвестное объявление пропускается.
func (s *listingStoreInMemory) Release(_ context.Context, id string) error {
	rec, ok := s.lookup(id)
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil
	}
	rec.listing.ApplyRelease(time.Now().UTC())
	return nil
}

var _ domain.ListingStore = (*listingStoreInMemory)(nil)
