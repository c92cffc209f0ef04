package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const listingColumns = `id, seller_id, title, author, price_minor, stock, status, created_at, updated_at`

type listingStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewListingStore создаёт PostgreSQL-реализацию ListingStore.
// Reserve и Release — одиночные условные UPDATE, строка блокируется только на время оператора.
func NewListingStore(store *Store) domain.ListingStore {
	return &listingStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *listingStore) Create(ctx context.Context, listing domain.Listing) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	listing.Normalize()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		listing.ID, listing.SellerID, listing.Title, listing.Author, listing.PriceMinor,
		listing.Stock, string(listing.Status), listing.CreatedAt, listing.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return domain.ErrListingAlreadyExists
	case isCheckViolation(err):
		return fmt.Errorf("insert listing %s: %w", listing.ID, domain.ErrStockNegative)
	default:
		return unavailable("insert listing", err)
	}
}

func (s *listingStore) Get(ctx context.Context, id string) (domain.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Listing{}, domain.ErrListingNotFound
		}
		return domain.Listing{}, unavailable("select listing", err)
	}
	return listing, nil
}

func (s *listingStore) List(ctx context.Context, filter domain.ListingFilter) ([]domain.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	limit := sql.NullInt64{Int64: int64(filter.Limit), Valid: filter.Limit > 0}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE ($1::text = '' OR seller_id = $1)
		  AND ($2::text = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.SellerID, string(filter.Status), limit)
	if err != nil {
		return nil, unavailable("list listings", err)
	}
	defer rows.Close()

	result := make([]domain.Listing, 0)
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, unavailable("scan listing", err)
		}
		result = append(result, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate listings", err)
	}
	return result, nil
}

func (s *listingStore) Update(ctx context.Context, id string, mutate func(*domain.Listing) error) (domain.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.Listing
	err := withTx(ctx, s.db, "update listing", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
		current, err := scanListing(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrListingNotFound
			}
			return unavailable("lock listing", err)
		}

		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID, next.SellerID, next.Stock, next.CreatedAt = current.ID, current.SellerID, current.Stock, current.CreatedAt
		next.UpdatedAt = s.now()
		next.Normalize()

		if _, err := tx.ExecContext(ctx, `
			UPDATE listings
			SET title = $2, author = $3, price_minor = $4, status = $5, updated_at = $6
			WHERE id = $1
		`, next.ID, next.Title, next.Author, next.PriceMinor, string(next.Status), next.UpdatedAt); err != nil {
			return unavailable("update listing", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Listing{}, err
	}
	return updated, nil
}

func (s *listingStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete listing", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("listing rows affected", err)
	}
	if affected == 0 {
		return domain.ErrListingNotFound
	}
	return nil
}

// Reserve списывает единицу одним оператором. В SET поле stock ещё содержит старое значение,
// поэтому stock = 1 означает, что после списания остаток станет нулевым.
func (s *listingStore) Reserve(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET stock = stock - 1,
		    status = CASE WHEN stock = 1 AND status = $3 THEN $4 ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND stock > 0
	`, id, s.now(), string(domain.ListingStatusOnSale), string(domain.ListingStatusOffline))
	if err != nil {
		return false, unavailable("reserve listing", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("reserve rows affected", err)
	}
	return affected == 1, nil
}

func (s *listingStore) Release(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE listings
		SET stock = stock + 1,
		    status = CASE WHEN stock = 0 AND status = $3 THEN $4 ELSE status END,
		    updated_at = $2
		WHERE id = $1
	`, id, s.now(), string(domain.ListingStatusOffline), string(domain.ListingStatusOnSale)); err != nil {
		return unavailable("release listing", err)
	}
	return nil
}

func scanListing(row rowScanner) (domain.Listing, error) {
	var (
		listing domain.Listing
		status  string
	)
	if err := row.Scan(
		&listing.ID, &listing.SellerID, &listing.Title, &listing.Author, &listing.PriceMinor,
		&listing.Stock, &status, &listing.CreatedAt, &listing.UpdatedAt,
	); err != nil {
		return domain.Listing{}, err
	}
	listing.Status = domain.ListingStatus(status)
	listing.CreatedAt = listing.CreatedAt.UTC()
	listing.UpdatedAt = listing.UpdatedAt.UTC()
	return listing, nil
}

var _ domain.ListingStore = (*listingStore)(nil)
