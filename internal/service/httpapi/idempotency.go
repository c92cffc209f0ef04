package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// serveIdempotent выполняет run не более одного раза на ключ пользователя.
// Ответ 2xx или 4xx закрепляется за ключом и повторяется, незавершённый запрос даёт 409.
// После ответа 5xx ключ освобождается, чтобы клиент мог повторить попытку.
func (s *Server) serveIdempotent(
	w http.ResponseWriter,
	r *http.Request,
	user, key string,
	req any,
	run func(context.Context) (int, any),
) {
	scoped := domain.IdempotencyScope(user, key)
	hash, err := requestHash(r.Method, r.URL.Path, req)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("build idempotency request hash: %w", err))
		return
	}

	held, err := s.idem.Claim(scoped, hash, s.now().Add(s.idemTTL))
	if err != nil {
		s.replay(w, r, held, err)
		return
	}

	status, payload := run(r.Context())
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithField("idempotency_key", scoped).Error("failed to encode response")
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: http.StatusText(status), Code: "internal"})
	}

	resp := domain.StoredResponse{Status: status, Body: body}
	entry := s.logger.WithFields(log.Fields{"idempotency_key": scoped, "status": status})
	if resp.Replayable() {
		if err := s.idem.Complete(scoped, resp); err != nil {
			entry.WithError(err).Warn("failed to store idempotent response")
		}
	} else if err := s.idem.Forget(scoped); err != nil {
		entry.WithError(err).Warn("failed to release idempotency key")
	}

	writeRaw(w, status, body)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, held domain.IdempotencyRecord, claimErr error) {
	if !errors.Is(claimErr, domain.ErrIdempotencyKeyAlreadyExists) {
		s.writeError(w, r, claimErr)
		return
	}

	switch {
	case held.State == domain.IdempotencyInFlight:
		s.writeError(w, r, claimErr)
	case held.Response.Replayable():
		s.logger.WithField("idempotency_key", held.Key).Debug("replaying stored response")
		w.Header().Set(HeaderIdempotentReplay, "true")
		writeRaw(w, held.Response.Status, held.Response.Body)
	default:
		s.writeError(w, r, fmt.Errorf("idempotency key %q has no stored response", held.Key))
	}
}

// requestHash привязывает ключ к методу, пути и нормализованному телу запроса.
func requestHash(method, path string, req any) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	payload := make([]byte, 0, len(method)+len(path)+2+len(data))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, path...)
	payload = append(payload, ':')
	payload = append(payload, data...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
