package memory

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// fallbackKeyLifetime применяется, когда вызывающий не указал срок жизни ключа.
const fallbackKeyLifetime = 24 * time.Hour

// IdempotencyRepository держит ключи идемпотентности в памяти процесса.
type IdempotencyRepository struct {
	mu   sync.Mutex
	keys map[string]*domain.IdempotencyRecord
	now  func() time.Time
}

// NewIdempotencyRepository создаёт пустое in-memory хранилище ключей.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		keys: make(map[string]*domain.IdempotencyRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) Claim(key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	key, requestHash = strings.TrimSpace(key), strings.TrimSpace(requestHash)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(fallbackKeyLifetime)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.keys[key]; ok && !held.Expired(now) {
		if held.RequestHash != requestHash {
			return detachRecord(held), domain.ErrIdempotencyHashMismatch
		}
		return detachRecord(held), domain.ErrIdempotencyKeyAlreadyExists
	}

	claimed := &domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		State:       domain.IdempotencyInFlight,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.keys[key] = claimed
	return detachRecord(claimed), nil
}

func (r *IdempotencyRepository) Complete(key string, resp domain.StoredResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, err := r.held(key)
	if err != nil {
		return err
	}
	held.State = domain.IdempotencyCompleted
	held.Response = domain.StoredResponse{Status: resp.Status, Body: slices.Clone(resp.Body)}
	held.UpdatedAt = r.now()
	return nil
}

// Forget удаляет ключ, пока по нему не сохранён ответ. Завершённый ключ не трогается.
func (r *IdempotencyRepository) Forget(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, err := r.held(key)
	if err != nil {
		return err
	}
	if held.State == domain.IdempotencyInFlight {
		delete(r.keys, held.Key)
	}
	return nil
}

func (r *IdempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, err := r.held(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return detachRecord(held), nil
}

func (r *IdempotencyRepository) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*domain.IdempotencyRecord
	for _, held := range r.keys {
		if held.Expired(before) {
			expired = append(expired, held)
		}
	}
	slices.SortFunc(expired, func(a, b *domain.IdempotencyRecord) int {
		return cmp.Or(a.ExpiresAt.Compare(b.ExpiresAt), strings.Compare(a.Key, b.Key))
	})
	if limit > 0 {
		expired = expired[:min(limit, len(expired))]
	}
	for _, held := range expired {
		delete(r.keys, held.Key)
	}
	return len(expired), nil
}

// held ищет ключ; вызывается под r.mu.
func (r *IdempotencyRepository) held(key string) (*domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrIdempotencyKeyRequired
	}
	record, ok := r.keys[key]
	if !ok {
		return nil, domain.ErrIdempotencyKeyNotFound
	}
	return record, nil
}

func detachRecord(record *domain.IdempotencyRecord) domain.IdempotencyRecord {
	out := *record
	out.Response.Body = slices.Clone(record.Response.Body)
	return out
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
