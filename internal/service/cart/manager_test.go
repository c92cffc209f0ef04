package cart

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func newTestManager(t *testing.T, stock int) (*Manager, domain.ListingStore, domain.CartRepository) {
	t.Helper()

	listings := memory.NewListingStore()
	now := time.Now().UTC()
	if err := listings.Create(context.Background(), domain.Listing{
		ID:         "book-1",
		SellerID:   "seller",
		Title:      "SICP",
		PriceMinor: 2000,
		Stock:      stock,
		Status:     domain.ListingStatusOnSale,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("create listing: %v", err)
	}

	repo := memory.NewCartRepository()
	pm := metrics.NewPurchaseMetricsWithRegisterer(prometheus.NewRegistry())
	return NewManager(listings, repo, WithMetrics(pm)), listings, repo
}

func TestManager_AddUpToStockThenReject(t *testing.T) {
	ctx := context.Background()
	m, _, repo := newTestManager(t, 3)

	for i := 1; i <= 3; i++ {
		entry, err := m.AddOne(ctx, "buyer", "book-1")
		if err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
		if entry.Quantity != i {
			t.Fatalf("quantity=%d, want %d", entry.Quantity, i)
		}
	}

	if _, err := m.AddOne(ctx, "buyer", "book-1"); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	entry, _ := repo.Get(ctx, "buyer", "book-1")
	if entry.Quantity != 3 {
		t.Fatalf("rejected add changed quantity to %d", entry.Quantity)
	}
}

func TestManager_SelfPurchase(t *testing.T) {
	ctx := context.Background()
	m, _, repo := newTestManager(t, 5)

	if _, err := m.AddOne(ctx, "seller", "book-1"); !errors.Is(err, domain.ErrSelfPurchase) {
		t.Fatalf("expected ErrSelfPurchase, got %v", err)
	}
	list, _ := repo.List(ctx, "seller")
	if len(list) != 0 {
		t.Fatalf("self purchase mutated cart: %+v", list)
	}
}

func TestManager_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, 1)
	if _, err := m.AddOne(context.Background(), "buyer", "missing"); !errors.Is(err, domain.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
	if err := m.RemoveOne(context.Background(), "buyer", "missing", 1); !errors.Is(err, domain.ErrCartEntryNotFound) {
		t.Fatalf("expected ErrCartEntryNotFound, got %v", err)
	}
}

func TestManager_RemoveOne(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		count     int
		wantQty   int
		wantEntry bool
	}{
		{name: "partial", count: 1, wantQty: 2, wantEntry: true},
		{name: "default removes all", count: 0, wantEntry: false},
		{name: "negative removes all", count: -5, wantEntry: false},
		{name: "more than present", count: 10, wantEntry: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, repo := newTestManager(t, 5)
			for i := 0; i < 3; i++ {
				if _, err := m.AddOne(ctx, "buyer", "book-1"); err != nil {
					t.Fatalf("add failed: %v", err)
				}
			}

			if err := m.RemoveOne(ctx, "buyer", "book-1", tc.count); err != nil {
				t.Fatalf("remove failed: %v", err)
			}

			entry, err := repo.Get(ctx, "buyer", "book-1")
			if !tc.wantEntry {
				if !errors.Is(err, domain.ErrCartEntryNotFound) {
					t.Fatalf("expected entry removed, got %+v err=%v", entry, err)
				}
				return
			}
			if entry.Quantity != tc.wantQty {
				t.Fatalf("quantity=%d, want %d", entry.Quantity, tc.wantQty)
			}
		})
	}
}

func TestManager_ClearAndList(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, 2)

	if _, err := m.AddOne(ctx, "buyer", "book-1"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	list, err := m.List(ctx, "buyer")
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}

	if err := m.Clear(ctx, "buyer"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	list, _ = m.List(ctx, "buyer")
	if len(list) != 0 {
		t.Fatalf("cart not cleared: %+v", list)
	}
}

// Параллельные AddOne одного покупателя не проскакивают границу по устаревшему количеству.
func TestManager_ConcurrentAddRespectsBound(t *testing.T) {
	ctx := context.Background()
	const stock = 5
	m, _, repo := newTestManager(t, stock)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AddOne(ctx, "buyer", "book-1"); err == nil {
				accepted.Add(1)
			} else if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != stock {
		t.Fatalf("accepted=%d, want %d", accepted.Load(), stock)
	}
	entry, _ := repo.Get(ctx, "buyer", "book-1")
	if entry.Quantity != stock {
		t.Fatalf("quantity=%d, want %d", entry.Quantity, stock)
	}
}

// Граница рекомендательная: после резерва остатка количество в корзине может устареть.
// Параллельные уменьшения одной позиции не теряют обновлений: каждое снимает ровно одну единицу.
func TestManager_ConcurrentRemoveIsSerialized(t *testing.T) {
	ctx := context.Background()
	m, _, repo := newTestManager(t, 10)
	for i := 0; i < 10; i++ {
		if _, err := m.AddOne(ctx, "buyer", "book-1"); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		removed atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := m.RemoveOne(ctx, "buyer", "book-1", 1)
			switch {
			case err == nil:
				removed.Add(1)
			case !errors.Is(err, domain.ErrCartEntryNotFound):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if removed.Load() != 10 {
		t.Fatalf("removed=%d, want 10", removed.Load())
	}
	if _, err := repo.Get(ctx, "buyer", "book-1"); !errors.Is(err, domain.ErrCartEntryNotFound) {
		t.Fatalf("entry must be gone, got %v", err)
	}
}

func TestManager_QuantityCanGoStaleAfterReserve(t *testing.T) {
	ctx := context.Background()
	m, listings, repo := newTestManager(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := m.AddOne(ctx, "buyer", "book-1"); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if ok, _ := listings.Reserve(ctx, "book-1"); !ok {
		t.Fatal("reserve failed")
	}

	entry, _ := repo.Get(ctx, "buyer", "book-1")
	listing, _ := listings.Get(ctx, "book-1")
	if entry.Quantity <= listing.Stock {
		t.Fatalf("expected stale cart quantity %d above stock %d", entry.Quantity, listing.Stock)
	}
	if _, err := m.AddOne(ctx, "buyer", "book-1"); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}
