package domain

import (
	"strings"
	"time"
)

// ListingStatus описывает состояние объявления.
type ListingStatus string

const (
	ListingStatusUnderReview ListingStatus = "under_review"
	ListingStatusOnSale      ListingStatus = "on_sale"
	ListingStatusOffline     ListingStatus = "offline"
	ListingStatusRejected    ListingStatus = "rejected"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingStatusUnderReview, ListingStatusOnSale, ListingStatusOffline, ListingStatusRejected:
		return true
	default:
		return false
	}
}

// Listing описывает объявление продавца с остатком.
type Listing struct {
	ID         string
	SellerID   string
	Title      string
	Author     string
	PriceMinor int64
	// Stock меняется только через Reserve/Release хранилища.
	Stock     int
	Status    ListingStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot копирует поля, которые заказ хранит на момент покупки.
func (l Listing) Snapshot() ListingSnapshot {
	return ListingSnapshot{
		ListingID:  l.ID,
		SellerID:   l.SellerID,
		Title:      l.Title,
		PriceMinor: l.PriceMinor,
	}
}

// ValidateInvariants проверяет базовые инварианты объявления и возвращает список замечаний.
func (l *Listing) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(l.SellerID) == "" {
		errs = append(errs, ErrUserRequired)
	}
	if strings.TrimSpace(l.Title) == "" {
		errs = append(errs, ErrTitleRequired)
	}
	if l.PriceMinor < 0 {
		errs = append(errs, ErrPriceNegative)
	}
	if l.Stock < 0 {
		errs = append(errs, ErrStockNegative)
	}
	if !l.Status.Valid() {
		errs = append(errs, ErrListingStatusInvalid)
	}

	return errs
}

// SoldOut сообщает, что объявление снято с продажи потому, что остаток кончился.
// Такое объявление вернётся в продажу при возврате резерва.
func (l Listing) SoldOut() bool {
	return l.Status == ListingStatusOffline && l.Stock == 0
}

// Normalize снимает с продажи объявление без остатка: on_sale всегда означает Stock > 0.
func (l *Listing) Normalize() {
	if l.Status == ListingStatusOnSale && l.Stock <= 0 {
		l.Status = ListingStatusOffline
	}
}

// ApplyReserve списывает единицу остатка. Возвращает false, если остатка нет.
// Проданное до нуля объявление в продаже снимается с витрины.
func (l *Listing) ApplyReserve(now time.Time) bool {
	if l.Stock <= 0 {
		return false
	}
	l.Stock--
	if l.Stock == 0 && l.Status == ListingStatusOnSale {
		l.Status = ListingStatusOffline
	}
	l.UpdatedAt = now
	return true
}

// ApplyRelease возвращает единицу остатка; распроданное объявление снова выходит в продажу.
func (l *Listing) ApplyRelease(now time.Time) {
	if l.Stock == 0 && l.Status == ListingStatusOffline {
		l.Status = ListingStatusOnSale
	}
	l.Stock++
	l.UpdatedAt = now
}

// ListingFilter ограничивает выборку объявлений. Пустые поля не фильтруют.
type ListingFilter struct {
	SellerID string
	Status   ListingStatus
	Limit    int
}

// Match проверяет объявление на соответствие фильтру.
func (f ListingFilter) Match(l Listing) bool {
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}
