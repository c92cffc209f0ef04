package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/listing"
)

type createListingRequest struct {
	Title      string `json:"title"`
	Author     string `json:"author"`
	PriceMinor int64  `json:"price_minor"`
	Stock      int    `json:"stock"`
}

type updateListingRequest struct {
	Title      *string `json:"title"`
	Author     *string `json:"author"`
	PriceMinor *int64  `json:"price_minor"`
}

type moderationRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) browseListings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ListingFilter{
		SellerID: strings.TrimSpace(query.Get("seller")),
		Status:   domain.ListingStatus(strings.TrimSpace(query.Get("status"))),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, errBadRequest)
			return
		}
		filter.Limit = limit
	}

	listings, err := s.listings.Browse(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[listingResponse]{Items: mapSlice(listings, toListingResponse)})
}

func (s *Server) createListing(w http.ResponseWriter, r *http.Request) {
	seller, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.listings.Create(r.Context(), seller, listing.Draft{
		Title:      req.Title,
		Author:     req.Author,
		PriceMinor: req.PriceMinor,
		Stock:      req.Stock,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListingResponse(created))
}

func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	found, err := s.listings.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(found))
}

func (s *Server) updateListing(w http.ResponseWriter, r *http.Request) {
	seller, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req updateListingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.listings.Update(r.Context(), seller, r.PathValue("id"), listing.Patch{
		Title:      req.Title,
		Author:     req.Author,
		PriceMinor: req.PriceMinor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(updated))
}

func (s *Server) deleteListing(w http.ResponseWriter, r *http.Request) {
	seller, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.listings.Delete(r.Context(), seller, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) takeListingOffline(w http.ResponseWriter, r *http.Request) {
	seller, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	updated, err := s.listings.TakeOffline(r.Context(), seller, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(updated))
}

func (s *Server) moderateListing(w http.ResponseWriter, r *http.Request) {
	moderator, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req moderationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	updated, err := s.listings.Moderate(r.Context(), id, req.Approve)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WithField("listing_id", id).WithField("moderator_id", moderator).
		WithField("status", updated.Status).Info("listing moderated")
	writeJSON(w, http.StatusOK, toListingResponse(updated))
}
