package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errorStatus сопоставляет доменную ошибку HTTP-статусу и коду для клиента.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrListingNotOnSale):
		return http.StatusConflict, "listing_not_on_sale"
	case errors.Is(err, domain.ErrOrderExpired):
		return http.StatusConflict, "order_expired"
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, domain.ErrListingAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusUnprocessableEntity, "idempotency_key_reused"
	case domain.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest, "invalid_transition"
	case errors.Is(err, domain.ErrSelfPurchase):
		return http.StatusBadRequest, "self_purchase"
	case errors.Is(err, errBadRequest), domain.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var errBadRequest = errors.New("malformed request")

// encodeError готовит тело ответа с ошибкой. Детали сбоев сервера наружу не отдаются.
func encodeError(err error) (int, errorResponse) {
	status, code := errorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	return status, errorResponse{Error: message, Code: code}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := encodeError(err)
	s.logError(r, err, status)
	writeJSON(w, status, body)
}

// logError пишет бизнес-отказы на уровне debug, сбои сервера на уровне error.
func (s *Server) logError(r *http.Request, err error, status int) {
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
		return
	}
	entry.Debug("request rejected")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// decodeJSON читает тело запроса. Неизвестные поля отклоняются.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
