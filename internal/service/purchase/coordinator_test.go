package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	coord    *Coordinator
	listings domain.ListingStore
	orders   domain.OrderLedger
	outbox   *memory.OutboxRepository
	timeline domain.TimelineRepository
	clock    *testClock
	spans    *tracetest.SpanRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		listings: memory.NewListingStore(),
		orders:   memory.NewOrderLedger(),
		outbox:   memory.NewOutboxRepository(),
		timeline: memory.NewTimelineRepository(),
		clock:    &testClock{now: time.Now().UTC()},
		spans:    tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))

	base := []Option{
		WithClock(f.clock.Now),
		WithOutbox(f.outbox),
		WithTimeline(f.timeline),
		WithMetrics(metrics.NewPurchaseMetricsWithRegisterer(prometheus.NewRegistry())),
		WithTracer(tp.Tracer("purchase-test")),
	}
	f.coord = NewCoordinator(f.listings, f.orders, append(base, opts...)...)
	return f
}

func (f *fixture) seedListing(t *testing.T, id string, stock int) {
	t.Helper()
	now := time.Now().UTC()
	err := f.listings.Create(context.Background(), domain.Listing{
		ID:         id,
		SellerID:   "seller",
		Title:      "The Go Programming Language",
		Author:     "Donovan, Kernighan",
		PriceMinor: 3500,
		Stock:      stock,
		Status:     domain.ListingStatusOnSale,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	listing, err := f.listings.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	return listing.Stock
}

func TestCheckout_CreatesPendingOrderWithSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 2)

	order, err := f.coord.Checkout(ctx, "buyer", "book")
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("status=%s, want pending", order.Status)
	}
	if ttl := order.ExpiresAt.Sub(order.CreatedAt); ttl != DefaultOrderTTL {
		t.Fatalf("expires_at - created_at = %v, want %v", ttl, DefaultOrderTTL)
	}
	if f.stock(t, "book") != 1 {
		t.Fatalf("stock=%d, want 1", f.stock(t, "book"))
	}

	// Снимок не следует за последующими правками объявления.
	if _, err := f.listings.Update(ctx, "book", func(l *domain.Listing) error {
		l.Title = "Renamed"
		l.PriceMinor = 1
		return nil
	}); err != nil {
		t.Fatalf("update listing: %v", err)
	}
	got, _ := f.coord.Get(ctx, order.ID)
	if got.Snapshot.Title != "The Go Programming Language" || got.Snapshot.PriceMinor != 3500 || got.Snapshot.SellerID != "seller" {
		t.Fatalf("snapshot changed: %+v", got.Snapshot)
	}
}

func TestCheckout_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)
	f.seedListing(t, "empty", 0)
	f.seedListing(t, "hidden", 3)
	f.seedListing(t, "paused", 2)
	for id, status := range map[string]domain.ListingStatus{
		"hidden": domain.ListingStatusUnderReview,
		"paused": domain.ListingStatusOffline,
	} {
		if _, err := f.listings.Update(ctx, id, func(l *domain.Listing) error {
			l.Status = status
			return nil
		}); err != nil {
			t.Fatalf("update %s: %v", id, err)
		}
	}

	tests := []struct {
		name    string
		buyer   string
		listing string
		want    error
	}{
		{name: "missing listing", buyer: "buyer", listing: "nope", want: domain.ErrListingNotFound},
		{name: "own listing", buyer: "seller", listing: "book", want: domain.ErrSelfPurchase},
		{name: "under review", buyer: "buyer", listing: "hidden", want: domain.ErrListingNotOnSale},
		{name: "taken offline by seller", buyer: "buyer", listing: "paused", want: domain.ErrListingNotOnSale},
		{name: "sold out", buyer: "buyer", listing: "empty", want: domain.ErrInsufficientStock},
		{name: "empty buyer", buyer: " ", listing: "book", want: domain.ErrUserRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.coord.Checkout(ctx, tt.buyer, tt.listing); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if f.stock(t, "book") != 1 || f.stock(t, "hidden") != 3 || f.stock(t, "paused") != 2 || f.stock(t, "empty") != 0 {
		t.Fatal("rejected checkout must not touch stock")
	}
	all, _ := f.orders.ListAll(ctx)
	if len(all) != 0 {
		t.Fatalf("rejected checkout created orders: %+v", all)
	}
}

// Остаток 1, два покупателя одновременно: один заказ, один отказ, остаток 0.
func TestCheckout_TwoBuyersRaceForLastUnit(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		f := newFixture(t)
		f.seedListing(t, "book", 1)

		var (
			wg   sync.WaitGroup
			errs = make([]error, 2)
		)
		start := make(chan struct{})
		for i, buyer := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(i int, buyer string) {
				defer wg.Done()
				<-start
				_, errs[i] = f.coord.Checkout(ctx, buyer, "book")
			}(i, buyer)
		}
		close(start)
		wg.Wait()

		succeeded, soldOut := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if succeeded != 1 || soldOut != 1 {
			t.Fatalf("round %d: succeeded=%d sold_out=%d", round, succeeded, soldOut)
		}
		if f.stock(t, "book") != 0 {
			t.Fatalf("round %d: stock=%d, want 0", round, f.stock(t, "book"))
		}
		all, _ := f.orders.ListAll(ctx)
		if len(all) != 1 {
			t.Fatalf("round %d: orders=%d, want 1", round, len(all))
		}
	}
}

// Последний экземпляр куплен: следующий покупатель получает отказ по остатку,
// хотя объявление к этому моменту уже снято с продажи.
func TestCheckout_AfterLastUnitSoldReportsInsufficientStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)

	if _, err := f.coord.Checkout(ctx, "alice", "book"); err != nil {
		t.Fatalf("alice checkout: %v", err)
	}
	listing, _ := f.listings.Get(ctx, "book")
	if listing.Status != domain.ListingStatusOffline || !listing.SoldOut() {
		t.Fatalf("listing after last unit: status=%s stock=%d", listing.Status, listing.Stock)
	}

	if _, err := f.coord.Checkout(ctx, "bob", "book"); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if f.stock(t, "book") != 0 {
		t.Fatalf("stock=%d, want 0", f.stock(t, "book"))
	}
	all, _ := f.orders.ListAll(ctx)
	if len(all) != 1 {
		t.Fatalf("orders=%d, want 1", len(all))
	}
}

// Отмена и истечение одновременно: ровно один возврат остатка и один терминальный статус.
func TestCancelExpireRaceReleasesOnce(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		f := newFixture(t, WithOrderTTL(time.Minute))
		f.seedListing(t, "book", 3)

		order, err := f.coord.Checkout(ctx, "buyer", "book")
		if err != nil {
			t.Fatalf("checkout: %v", err)
		}
		f.clock.Advance(2 * time.Minute)

		var wg sync.WaitGroup
		var cancelErr, expireErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.coord.Cancel(ctx, order.ID, "buyer")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, expireErr = f.coord.Expire(ctx, order.ID)
		}()
		close(start)
		wg.Wait()

		if (cancelErr == nil) == (expireErr == nil) {
			t.Fatalf("round %d: exactly one call must win, cancel=%v expire=%v", round, cancelErr, expireErr)
		}
		for _, err := range []error{cancelErr, expireErr} {
			if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("round %d: loser must see ErrInvalidTransition, got %v", round, err)
			}
		}
		if f.stock(t, "book") != 3 {
			t.Fatalf("round %d: stock=%d, want 3 (one release)", round, f.stock(t, "book"))
		}

		final, _ := f.orders.Get(ctx, order.ID)
		if final.Status != domain.OrderStatusCancelled && final.Status != domain.OrderStatusExpired {
			t.Fatalf("round %d: unexpected final status %s", round, final.Status)
		}
	}
}

func TestCancel_SecondCallDoesNotReleaseAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	if _, err := f.coord.Cancel(ctx, order.ID, "buyer"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.coord.Cancel(ctx, order.ID, "buyer"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if f.stock(t, "book") != 1 {
		t.Fatalf("stock=%d, want 1", f.stock(t, "book"))
	}

	// Проданное в ноль объявление после возврата снова в продаже.
	listing, _ := f.listings.Get(ctx, "book")
	if listing.Status != domain.ListingStatusOnSale {
		t.Fatalf("listing status=%s, want on_sale", listing.Status)
	}
}

func TestPay_AfterDeadlineExpiresOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithOrderTTL(time.Minute))
	f.seedListing(t, "book", 1)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	f.clock.Advance(90 * time.Second)

	if _, err := f.coord.Pay(ctx, order.ID, "buyer"); !errors.Is(err, domain.ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}
	got, _ := f.orders.Get(ctx, order.ID)
	if got.Status != domain.OrderStatusExpired {
		t.Fatalf("status=%s, want expired", got.Status)
	}
	if f.stock(t, "book") != 1 {
		t.Fatalf("stock=%d, want 1", f.stock(t, "book"))
	}
}

func TestPayThenReceive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 2)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	paid, err := f.coord.Pay(ctx, order.ID, "buyer")
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Status != domain.OrderStatusPaid || paid.PaidAt.IsZero() {
		t.Fatalf("unexpected paid order: %+v", paid)
	}
	if _, err := f.coord.Pay(ctx, order.ID, "buyer"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double pay: expected ErrInvalidTransition, got %v", err)
	}

	received, err := f.coord.Receive(ctx, order.ID, "buyer")
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if received.Status != domain.OrderStatusReceived {
		t.Fatalf("status=%s, want received", received.Status)
	}
	if f.stock(t, "book") != 1 {
		t.Fatalf("receive must not touch stock, got %d", f.stock(t, "book"))
	}
	if _, err := f.coord.Cancel(ctx, order.ID, "buyer"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancel after receive: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelPaidOrderReleasesStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	if _, err := f.coord.Pay(ctx, order.ID, "buyer"); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if _, err := f.coord.Cancel(ctx, order.ID, "buyer"); err != nil {
		t.Fatalf("cancel paid: %v", err)
	}
	if f.stock(t, "book") != 1 {
		t.Fatalf("stock=%d, want 1", f.stock(t, "book"))
	}
}

func TestOwnershipChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)
	order, _ := f.coord.Checkout(ctx, "buyer", "book")

	calls := map[string]func() error{
		"pay": func() error {
			_, err := f.coord.Pay(ctx, order.ID, "stranger")
			return err
		},
		"cancel": func() error {
			_, err := f.coord.Cancel(ctx, order.ID, "seller")
			return err
		},
		"receive": func() error {
			_, err := f.coord.Receive(ctx, order.ID, "stranger")
			return err
		},
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}

	got, _ := f.orders.Get(ctx, order.ID)
	if got.Status != domain.OrderStatusPending {
		t.Fatalf("status=%s, want pending", got.Status)
	}
	if _, err := f.coord.Cancel(ctx, "missing", "buyer"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestAutoReceive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)
	order, _ := f.coord.Checkout(ctx, "buyer", "book")

	if _, err := f.coord.AutoReceive(ctx, order.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("auto receive of pending order: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.coord.Pay(ctx, order.ID, "buyer"); err != nil {
		t.Fatalf("pay: %v", err)
	}
	got, err := f.coord.AutoReceive(ctx, order.ID)
	if err != nil || got.Status != domain.OrderStatusReceived {
		t.Fatalf("auto receive: %+v err=%v", got, err)
	}
}

func TestTransitionsEmitOutboxAndTimeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	if _, err := f.coord.Cancel(ctx, order.ID, "buyer"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pending := f.outbox.Pending()
	if len(pending) != 2 {
		t.Fatalf("outbox messages=%d, want 2", len(pending))
	}
	if pending[0].EventType != string(kafka.EventTypeOrderCreated) || pending[1].EventType != string(kafka.EventTypeOrderCancelled) {
		t.Fatalf("unexpected event order: %s, %s", pending[0].EventType, pending[1].EventType)
	}
	var event kafka.OrderEvent
	if err := json.Unmarshal(pending[1].Payload, &event); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if event.OrderID != order.ID || event.ListingID != "book" || event.Reason != reasonCancelledByBuyer {
		t.Fatalf("unexpected payload: %+v", event)
	}

	events, _ := f.timeline.List(order.ID)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{domain.TimelineOrderCreated, domain.TimelineOrderCanceled, domain.TimelineStockReleased}
	if len(types) != len(want) {
		t.Fatalf("timeline=%v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("timeline=%v, want %v", types, want)
		}
	}
	for _, e := range events {
		if e.ListingID != "book" || e.Actor != "buyer" {
			t.Fatalf("event %s attributed to listing=%q actor=%q", e.Type, e.ListingID, e.Actor)
		}
	}
}

func TestTimelineAttributesBackgroundTransitionsToSystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithOrderTTL(time.Minute))
	f.seedListing(t, "book", 1)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	f.clock.Advance(2 * time.Minute)
	if _, err := f.coord.Pay(ctx, order.ID, "buyer"); !errors.Is(err, domain.ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}

	events, _ := f.timeline.List(order.ID)
	actors := make(map[string]string, len(events))
	for _, e := range events {
		actors[e.Type] = e.Actor
	}
	if actors[domain.TimelineOrderCreated] != "buyer" {
		t.Fatalf("created by %q, want buyer", actors[domain.TimelineOrderCreated])
	}
	if actors[domain.TimelineOrderExpired] != domain.TimelineActorSystem || actors[domain.TimelineStockReleased] != domain.TimelineActorSystem {
		t.Fatalf("expiry must be attributed to system, got %v", actors)
	}
	if _, paid := actors[domain.TimelineOrderPaid]; paid {
		t.Fatalf("late payment must not be recorded: %v", actors)
	}
}

func TestCoordinatorWithoutOptionalSinks(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	now := time.Now().UTC()
	_ = listings.Create(ctx, domain.Listing{ID: "book", SellerID: "s", Title: "T", Stock: 1, Status: domain.ListingStatusOnSale, CreatedAt: now, UpdatedAt: now})

	coord := NewCoordinator(listings, memory.NewOrderLedger(), WithOrderTTL(0))
	order, err := coord.Checkout(ctx, "buyer", "book")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if !order.ExpiresAt.IsZero() {
		t.Fatalf("ttl 0 must create order without deadline, got %v", order.ExpiresAt)
	}
	if _, err := coord.Expire(ctx, order.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
}

type failingLedger struct {
	domain.OrderLedger
}

func (failingLedger) Create(context.Context, domain.OrderDraft) (domain.Order, error) {
	return domain.Order{}, domain.ErrStorageUnavailable
}

func TestCheckout_CreateFailureReleasesReservation(t *testing.T) {
	ctx := context.Background()
	listings := memory.NewListingStore()
	now := time.Now().UTC()
	_ = listings.Create(ctx, domain.Listing{ID: "book", SellerID: "s", Title: "T", Stock: 1, Status: domain.ListingStatusOnSale, CreatedAt: now, UpdatedAt: now})

	coord := NewCoordinator(listings, failingLedger{OrderLedger: memory.NewOrderLedger()})
	if _, err := coord.Checkout(ctx, "buyer", "book"); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	listing, _ := listings.Get(ctx, "book")
	if listing.Stock != 1 || listing.Status != domain.ListingStatusOnSale {
		t.Fatalf("reservation not compensated: %+v", listing)
	}
}

// Количество в корзине при оформлении не учитывается: резервируется ровно одна единица.
func TestCheckout_IgnoresCartQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 5)

	carts := memory.NewCartRepository()
	if err := carts.Put(ctx, domain.CartEntry{BuyerID: "buyer", ListingID: "book", Quantity: 3, AddedAt: time.Now()}); err != nil {
		t.Fatalf("put cart: %v", err)
	}

	if _, err := f.coord.Checkout(ctx, "buyer", "book"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if f.stock(t, "book") != 4 {
		t.Fatalf("stock=%d, want 4", f.stock(t, "book"))
	}
	entry, err := carts.Get(ctx, "buyer", "book")
	if err != nil || entry.Quantity != 3 {
		t.Fatalf("cart must stay untouched, got %+v err=%v", entry, err)
	}
}

func TestSpans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedListing(t, "book", 1)

	order, _ := f.coord.Checkout(ctx, "buyer", "book")
	if _, err := f.coord.Checkout(ctx, "other", "book"); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	_, _ = f.coord.Cancel(ctx, order.ID, "buyer")

	ended := f.spans.Ended()
	if len(ended) != 3 {
		t.Fatalf("spans=%d, want 3", len(ended))
	}
	if ended[0].Name() != "purchase.Checkout" || ended[2].Name() != "purchase.Cancel" {
		t.Fatalf("unexpected span names: %s, %s", ended[0].Name(), ended[2].Name())
	}
	for _, span := range ended {
		if span.Status().Code == codes.Error {
			t.Fatalf("business outcome must not mark span %s as error", span.Name())
		}
	}
}
