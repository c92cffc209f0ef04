package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const orderColumns = `id, listing_id, buyer_id, seller_id, title, price_minor, status, created_at, expires_at, paid_at, updated_at`

type orderLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderLedger создаёт PostgreSQL-реализацию OrderLedger. Идентификаторы заказов — UUID.
func NewOrderLedger(store *Store) domain.OrderLedger {
	return &orderLedger{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (l *orderLedger) Create(ctx context.Context, draft domain.OrderDraft) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order := domain.NewOrder(uuid.NewString(), draft, l.now())
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		order.ID, order.ListingID(), order.BuyerID, order.Snapshot.SellerID, order.Snapshot.Title,
		order.Snapshot.PriceMinor, string(order.Status), order.CreatedAt,
		nullTime(order.ExpiresAt), nullTime(order.PaidAt), order.UpdatedAt,
	); err != nil {
		return domain.Order{}, unavailable("insert order", err)
	}
	return order, nil
}

// Transition блокирует строку заказа, проверяет переход по диаграмме и сохраняет новый статус.
// Из двух конкурирующих переходов побеждает тот, кто первым взял блокировку.
func (l *orderLedger) Transition(ctx context.Context, id string, to domain.OrderStatus) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.Order
	err := withTx(ctx, l.db, "transition order", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
		order, err := scanOrder(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrOrderNotFound
			}
			return unavailable("lock order", err)
		}

		if err := order.ApplyTransition(to, l.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $2, paid_at = $3, updated_at = $4 WHERE id = $1
		`, order.ID, string(order.Status), nullTime(order.PaidAt), order.UpdatedAt); err != nil {
			return unavailable("update order status", err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (l *orderLedger) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(l.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, unavailable("select order", err)
	}
	return order, nil
}

func (l *orderLedger) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return l.list(ctx, `WHERE buyer_id = $1 ORDER BY created_at DESC, id DESC`, buyerID)
}

func (l *orderLedger) ListBySeller(ctx context.Context, sellerID string) ([]domain.Order, error) {
	return l.list(ctx, `WHERE seller_id = $1 ORDER BY created_at DESC, id DESC`, sellerID)
}

func (l *orderLedger) ListAll(ctx context.Context) ([]domain.Order, error) {
	return l.list(ctx, `ORDER BY created_at ASC, id ASC`)
}

func (l *orderLedger) list(ctx context.Context, clause string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders `+clause, args...)
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	defer rows.Close()

	result := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, unavailable("scan order", err)
		}
		result = append(result, order)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate orders", err)
	}
	return result, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		status    string
		expiresAt sql.NullTime
		paidAt    sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.Snapshot.ListingID, &order.BuyerID, &order.Snapshot.SellerID,
		&order.Snapshot.Title, &order.Snapshot.PriceMinor, &status, &order.CreatedAt,
		&expiresAt, &paidAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.ExpiresAt = fromNullTime(expiresAt)
	order.PaidAt = fromNullTime(paidAt)
	return order, nil
}

var _ domain.OrderLedger = (*orderLedger)(nil)
