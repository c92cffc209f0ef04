package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type checkoutRequest struct {
	ListingID string `json:"listing_id"`
}

var errListingIDRequired = errors.Join(errBadRequest, errors.New("listing_id is required"))

// checkout оформляет заказ. С заголовком Idempotency-Key повтор запроса вернёт сохранённый ответ.
func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	buyer, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ListingID = strings.TrimSpace(req.ListingID)
	if req.ListingID == "" {
		s.writeError(w, r, errListingIDRequired)
		return
	}

	run := func(ctx context.Context) (int, any) {
		order, err := s.purchases.Checkout(ctx, buyer, req.ListingID)
		if err != nil {
			status, body := encodeError(err)
			s.logError(r, err, status)
			return status, body
		}
		return http.StatusCreated, toOrderResponse(order)
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" || s.idem == nil {
		status, body := run(r.Context())
		writeJSON(w, status, body)
		return
	}
	s.serveIdempotent(w, r, buyer, key, req, run)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var (
		orders []domain.Order
		err    error
	)
	switch role := r.URL.Query().Get("role"); role {
	case "", "buyer":
		orders, err = s.purchases.ListByBuyer(r.Context(), user)
	case "seller":
		orders, err = s.purchases.ListBySeller(r.Context(), user)
	default:
		err = errors.Join(errBadRequest, errors.New("role must be buyer or seller"))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[orderResponse]{Items: mapSlice(orders, toOrderResponse)})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.visibleOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) orderTimeline(w http.ResponseWriter, r *http.Request) {
	order, ok := s.visibleOrder(w, r)
	if !ok {
		return
	}

	var events []domain.TimelineEvent
	if s.timeline != nil {
		var err error
		if events, err = s.timeline.List(order.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, listResponse[timelineEventResponse]{
		Items: mapSlice(events, func(e domain.TimelineEvent) timelineEventResponse {
			return timelineEventResponse{
				Type:      e.Type,
				ListingID: e.ListingID,
				Actor:     e.Actor,
				Reason:    e.Reason,
				Occurred:  e.Occurred,
			}
		}),
	})
}

// visibleOrder загружает заказ, который видят только покупатель и продавец.
func (s *Server) visibleOrder(w http.ResponseWriter, r *http.Request) (domain.Order, bool) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return domain.Order{}, false
	}
	order, err := s.purchases.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return domain.Order{}, false
	}
	if order.BuyerID != user && order.Snapshot.SellerID != user {
		s.writeError(w, r, domain.ErrUnauthorized)
		return domain.Order{}, false
	}
	return order, true
}

type orderAction func(ctx context.Context, orderID, actorID string) (domain.Order, error)

func (s *Server) payOrder(w http.ResponseWriter, r *http.Request) {
	s.runOrderAction(w, r, s.purchases.Pay)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	s.runOrderAction(w, r, s.purchases.Cancel)
}

func (s *Server) receiveOrder(w http.ResponseWriter, r *http.Request) {
	s.runOrderAction(w, r, s.purchases.Receive)
}

func (s *Server) runOrderAction(w http.ResponseWriter, r *http.Request, action orderAction) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	order, err := action(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}
