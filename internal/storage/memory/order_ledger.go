package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// sequencer выдаёт строго возрастающие номера заказов.
type sequencer struct {
	next atomic.Uint64
}

func (s *sequencer) Next() uint64 {
	return s.next.Add(1)
}

// orderRecord держит заказ под собственным мьютексом; мутирует только статус и его отметки времени.
type orderRecord struct {
	mu    sync.Mutex
	order domain.Order
}

func (r *orderRecord) snapshot() domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order
}

// orderLedgerInMemory — in-memory реестр заказов с атомарными переходами на уровне заказа.
type orderLedgerInMemory struct {
	mu      sync.RWMutex
	records map[string]*orderRecord
	seq     sequencer
	now     func() time.Time
}

// NewOrderLedger возвращает in-memory реестр заказов.
func NewOrderLedger() domain.OrderLedger {
	return newOrderLedger(func() time.Time { return time.Now().UTC() })
}

func newOrderLedger(now func() time.Time) *orderLedgerInMemory {
	return &orderLedgerInMemory{
		records: make(map[string]*orderRecord),
		now:     now,
	}
}

// Create выделяет номер и сохраняет заказ в статусе pending.
func (l *orderLedgerInMemory) Create(_ context.Context, draft domain.OrderDraft) (domain.Order, error) {
	id := strconv.FormatUint(l.seq.Next(), 10)
	order := domain.NewOrder(id, draft, l.now())

	l.mu.Lock()
	l.records[id] = &orderRecord{order: order}
	l.mu.Unlock()

	return order, nil
}

// Transition применяет переход под мьютексом заказа: из двух гонящихся переходов побеждает один.
func (l *orderLedgerInMemory) Transition(_ context.Context, id string, to domain.OrderStatus) (domain.Order, error) {
	l.mu.RLock()
	rec, ok := l.records[id]
	l.mu.RUnlock()
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	updated := rec.order
	if err := updated.ApplyTransition(to, l.now()); err != nil {
		return domain.Order{}, err
	}
	rec.order = updated
	return updated, nil
}

// Get возвращает заказ или ErrOrderNotFound.
func (l *orderLedgerInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	l.mu.RLock()
	rec, ok := l.records[id]
	l.mu.RUnlock()
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return rec.snapshot(), nil
}

// ListByBuyer возвращает заказы покупателя.
func (l *orderLedgerInMemory) ListByBuyer(_ context.Context, buyerID string) ([]domain.Order, error) {
	return l.collect(func(o domain.Order) bool { return o.BuyerID == buyerID }), nil
}

// ListBySeller возвращает продажи продавца.
func (l *orderLedgerInMemory) ListBySeller(_ context.Context, sellerID string) ([]domain.Order, error) {
	return l.collect(func(o domain.Order) bool { return o.Snapshot.SellerID == sellerID }), nil
}

// ListAll возвращает снимки всех заказов.
func (l *orderLedgerInMemory) ListAll(_ context.Context) ([]domain.Order, error) {
	return l.collect(func(domain.Order) bool { return true }), nil
}

func (l *orderLedgerInMemory) collect(keep func(domain.Order) bool) []domain.Order {
	l.mu.RLock()
	records := make([]*orderRecord, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, rec)
	}
	l.mu.RUnlock()

	result := make([]domain.Order, 0, len(records))
	for _, rec := range records {
		order := rec.snapshot()
		if keep(order) {
			result = append(result, order)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return orderSeq(result[i].ID) > orderSeq(result[j].ID)
	})
	return result
}

func orderSeq(id string) uint64 {
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}

var _ domain.OrderLedger = (*orderLedgerInMemory)(nil)
