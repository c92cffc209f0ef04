package httpapi

import (
	"net/http"
	"strconv"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func (s *Server) viewCart(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	entries, err := s.carts.List(r.Context(), buyer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := cartResponse{Items: make([]cartItemResponse, 0, len(entries))}
	for _, entry := range entries {
		item := cartItemResponse{
			ListingID: entry.ListingID,
			Quantity:  entry.Quantity,
			AddedAt:   entry.AddedAt,
		}
		found, err := s.listings.Get(r.Context(), entry.ListingID)
		switch {
		case err == nil:
			item.Title = found.Title
			item.PriceMinor = found.PriceMinor
			item.Stock = found.Stock
			item.Available = found.Status == domain.ListingStatusOnSale && found.Stock >= entry.Quantity
			resp.TotalMinor += found.PriceMinor * int64(entry.Quantity)
		case domain.IsNotFound(err):
			// Объявление удалено продавцом, позиция остаётся до явного удаления.
		default:
			s.writeError(w, r, err)
			return
		}
		resp.Items = append(resp.Items, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) addCartItem(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	entry, err := s.carts.AddOne(r.Context(), buyer, r.PathValue("listingID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartItemResponse{
		ListingID: entry.ListingID,
		Quantity:  entry.Quantity,
		AddedAt:   entry.AddedAt,
	})
}

func (s *Server) removeCartItem(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, errBadRequest)
			return
		}
		count = parsed
	}
	if err := s.carts.RemoveOne(r.Context(), buyer, r.PathValue("listingID"), count); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.carts.Clear(r.Context(), buyer); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
