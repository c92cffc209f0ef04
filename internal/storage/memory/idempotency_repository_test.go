package memory_test

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func TestIdempotencyRepository_ClaimThenComplete(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	claimed, err := repo.Claim(" buyer:k-1 ", "hash-1", expiresAt)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Key != "buyer:k-1" || claimed.State != domain.IdempotencyInFlight || !claimed.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	body := []byte(`{"id":"o-1"}`)
	if err := repo.Complete("buyer:k-1", domain.StoredResponse{Status: http.StatusCreated, Body: body}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	body[0] = 'X'

	got, err := repo.Get("buyer:k-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.IdempotencyCompleted || got.Response.Status != http.StatusCreated {
		t.Fatalf("unexpected record: %+v", got)
	}
	if string(got.Response.Body) != `{"id":"o-1"}` {
		t.Fatalf("stored body must not alias caller buffer: %s", got.Response.Body)
	}
}

func TestIdempotencyRepository_LiveKeyConflicts(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	if _, err := repo.Claim("k", "hash-a", expiresAt); err != nil {
		t.Fatalf("claim: %v", err)
	}

	held, err := repo.Claim("k", "hash-a", expiresAt)
	if !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) || held.State != domain.IdempotencyInFlight {
		t.Fatalf("expected in-flight conflict, got %+v, %v", held, err)
	}
	if _, err := repo.Claim("k", "hash-b", expiresAt); !errors.Is(err, domain.ErrIdempotencyHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestIdempotencyRepository_Validation(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	if _, err := repo.Claim("  ", "hash", time.Time{}); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
	if _, err := repo.Claim("k", "", time.Time{}); !errors.Is(err, domain.ErrIdempotencyRequestHashRequired) {
		t.Fatalf("expected hash required, got %v", err)
	}
	if err := repo.Complete("missing", domain.StoredResponse{}); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := repo.Get(""); !errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}

	claimed, err := repo.Claim("k", "hash", time.Time{})
	if err != nil {
		t.Fatalf("claim without deadline: %v", err)
	}
	if claimed.ExpiresAt.IsZero() {
		t.Fatal("claim without deadline must get the fallback lifetime")
	}
}

func TestIdempotencyRepository_ForgetFreesOnlyInFlightKeys(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	_, _ = repo.Claim("retry-me", "hash", expiresAt)
	if err := repo.Forget("retry-me"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := repo.Claim("retry-me", "another-hash", expiresAt); err != nil {
		t.Fatalf("forgotten key must be claimable again: %v", err)
	}

	_, _ = repo.Claim("pinned", "hash", expiresAt)
	_ = repo.Complete("pinned", domain.StoredResponse{Status: http.StatusConflict, Body: []byte(`{}`)})
	if err := repo.Forget("pinned"); err != nil {
		t.Fatalf("forget completed: %v", err)
	}
	if got, err := repo.Get("pinned"); err != nil || got.State != domain.IdempotencyCompleted {
		t.Fatalf("completed key must survive Forget, got %+v, %v", got, err)
	}
}

func TestIdempotencyRepository_ExpiredKeyIsReclaimed(t *testing.T) {
	repo := memory.NewIdempotencyRepository()

	_, _ = repo.Claim("k", "hash-old", time.Now().UTC().Add(-time.Second))
	claimed, err := repo.Claim("k", "hash-new", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("expired key must be reclaimable: %v", err)
	}
	if claimed.RequestHash != "hash-new" || claimed.State != domain.IdempotencyInFlight {
		t.Fatalf("unexpected reclaimed record: %+v", claimed)
	}
}

func TestIdempotencyRepository_DeleteExpiredOldestFirst(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	deadlines := map[string]time.Duration{
		"oldest": -3 * time.Minute,
		"middle": -2 * time.Minute,
		"recent": -10 * time.Second,
		"alive":  time.Hour,
	}
	for key, offset := range deadlines {
		if _, err := repo.Claim(key, "hash", now.Add(offset)); err != nil {
			t.Fatalf("claim %s: %v", key, err)
		}
	}

	removed, err := repo.DeleteExpired(now, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d, %v", removed, err)
	}
	for key, wantPresent := range map[string]bool{"oldest": false, "middle": false, "recent": true, "alive": true} {
		_, err := repo.Get(key)
		if present := err == nil; present != wantPresent {
			t.Fatalf("key %s present=%v, want %v", key, present, wantPresent)
		}
	}

	removed, _ = repo.DeleteExpired(now, 0)
	if removed != 1 {
		t.Fatalf("unlimited sweep removed %d, want 1", removed)
	}
}

func TestIdempotencyRepository_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	const callers = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Claim("hot", "hash", expiresAt)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
				t.Errorf("caller %d: unexpected error %v", i, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
