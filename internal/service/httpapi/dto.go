package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type listingResponse struct {
	ID         string    `json:"id"`
	SellerID   string    `json:"seller_id"`
	Title      string    `json:"title"`
	Author     string    `json:"author,omitempty"`
	PriceMinor int64     `json:"price_minor"`
	Stock      int       `json:"stock"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toListingResponse(l domain.Listing) listingResponse {
	return listingResponse{
		ID:         l.ID,
		SellerID:   l.SellerID,
		Title:      l.Title,
		Author:     l.Author,
		PriceMinor: l.PriceMinor,
		Stock:      l.Stock,
		Status:     string(l.Status),
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}

type orderResponse struct {
	ID         string     `json:"id"`
	ListingID  string     `json:"listing_id"`
	BuyerID    string     `json:"buyer_id"`
	SellerID   string     `json:"seller_id"`
	Title      string     `json:"title"`
	PriceMinor int64      `json:"price_minor"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		ListingID:  o.ListingID(),
		BuyerID:    o.BuyerID,
		SellerID:   o.Snapshot.SellerID,
		Title:      o.Snapshot.Title,
		PriceMinor: o.Snapshot.PriceMinor,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
		ExpiresAt:  optionalTime(o.ExpiresAt),
		PaidAt:     optionalTime(o.PaidAt),
		UpdatedAt:  o.UpdatedAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// cartItemResponse — позиция корзины вместе с актуальными данными объявления.
// Available=false, если объявление удалено или снято с продажи.
type cartItemResponse struct {
	ListingID  string    `json:"listing_id"`
	Quantity   int       `json:"quantity"`
	AddedAt    time.Time `json:"added_at"`
	Title      string    `json:"title,omitempty"`
	PriceMinor int64     `json:"price_minor"`
	Stock      int       `json:"stock"`
	Available  bool      `json:"available"`
}

type cartResponse struct {
	Items      []cartItemResponse `json:"items"`
	TotalMinor int64              `json:"total_minor"`
}

type timelineEventResponse struct {
	Type      string    `json:"type"`
	ListingID string    `json:"listing_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Occurred  time.Time `json:"occurred_at"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func mapSlice[S, T any](src []S, fn func(S) T) []T {
	out := make([]T, 0, len(src))
	for _, item := range src {
		out = append(out, fn(item))
	}
	return out
}
