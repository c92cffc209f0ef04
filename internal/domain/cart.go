package domain

import "time"

// CartEntry — намерение покупателя купить quantity единиц объявления. Это не резерв.
type CartEntry struct {
	BuyerID   string
	ListingID string
	Quantity  int
	AddedAt   time.Time
}
