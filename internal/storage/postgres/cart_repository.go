package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type cartRepository struct {
	db *sql.DB
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
func NewCartRepository(store *Store) domain.CartRepository {
	return &cartRepository{db: store.DB()}
}

func (r *cartRepository) Get(ctx context.Context, buyerID, listingID string) (domain.CartEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	entry, err := scanCartEntry(r.db.QueryRowContext(ctx, `
		SELECT buyer_id, listing_id, quantity, added_at
		FROM cart_entries
		WHERE buyer_id = $1 AND listing_id = $2
	`, buyerID, listingID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CartEntry{}, domain.ErrCartEntryNotFound
		}
		return domain.CartEntry{}, unavailable("select cart entry", err)
	}
	return entry, nil
}

// Put сохраняет количество. Время добавления существующей позиции не меняется.
func (r *cartRepository) Put(ctx context.Context, entry domain.CartEntry) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO cart_entries (buyer_id, listing_id, quantity, added_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (buyer_id, listing_id) DO UPDATE SET quantity = EXCLUDED.quantity
	`, entry.BuyerID, entry.ListingID, entry.Quantity, entry.AddedAt); err != nil {
		return unavailable("upsert cart entry", err)
	}
	return nil
}

func (r *cartRepository) Delete(ctx context.Context, buyerID, listingID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_entries WHERE buyer_id = $1 AND listing_id = $2
	`, buyerID, listingID); err != nil {
		return unavailable("delete cart entry", err)
	}
	return nil
}

func (r *cartRepository) Clear(ctx context.Context, buyerID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM cart_entries WHERE buyer_id = $1`, buyerID); err != nil {
		return unavailable("clear cart", err)
	}
	return nil
}

func (r *cartRepository) List(ctx context.Context, buyerID string) ([]domain.CartEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT buyer_id, listing_id, quantity, added_at
		FROM cart_entries
		WHERE buyer_id = $1
		ORDER BY added_at ASC, listing_id ASC
	`, buyerID)
	if err != nil {
		return nil, unavailable("list cart", err)
	}
	defer rows.Close()

	entries := make([]domain.CartEntry, 0)
	for rows.Next() {
		entry, err := scanCartEntry(rows)
		if err != nil {
			return nil, unavailable("scan cart entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate cart", err)
	}
	return entries, nil
}

func scanCartEntry(row rowScanner) (domain.CartEntry, error) {
	var entry domain.CartEntry
	if err := row.Scan(&entry.BuyerID, &entry.ListingID, &entry.Quantity, &entry.AddedAt); err != nil {
		return domain.CartEntry{}, err
	}
	entry.AddedAt = entry.AddedAt.UTC()
	return entry, nil
}

var _ domain.CartRepository = (*cartRepository)(nil)
