package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const (
	headerUserID         = "X-User-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

type orderAction string

const (
	actionPay    orderAction = "pay"
	actionCancel orderAction = "cancel"
)

// call возвращает имя строки отчёта для действия.
func (a orderAction) call() string {
	switch a {
	case actionPay:
		return "Pay"
	case actionCancel:
		return "Cancel"
	}
	return string(a)
}

type orderPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// apiClient ходит в HTTP API маркетплейса. Методы возвращают HTTP-статус; 0 означает,
// что ответа не было.
type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

func (c *apiClient) checkout(buyer, listingID, idempotencyKey string, rec *recorder) (int, orderPayload) {
	headers := http.Header{}
	headers.Set(headerUserID, buyer)
	if idempotencyKey != "" {
		headers.Set(headerIdempotencyKey, idempotencyKey)
	}

	var order orderPayload
	status := c.timed(rec, callCheckout, http.MethodPost, "/v1/orders", headers,
		map[string]string{"listing_id": listingID}, &order)
	return status, order
}

func (c *apiClient) orderAction(action orderAction, buyer, orderID string, rec *recorder) int {
	headers := http.Header{}
	headers.Set(headerUserID, buyer)
	return c.timed(rec, action.call(), http.MethodPost, "/v1/orders/"+orderID+"/"+string(action), headers, nil, nil)
}

// listingStock читает текущий остаток объявления. ok=false, если прочитать не удалось.
func (c *apiClient) listingStock(listingID string) (stock int, ok bool) {
	var listing struct {
		Stock int `json:"stock"`
	}
	status := c.send(http.MethodGet, "/v1/listings/"+listingID, http.Header{}, nil, &listing)
	if classify(status) != outcomeSuccess {
		return 0, false
	}
	return listing.Stock, true
}

func (c *apiClient) timed(rec *recorder, name, method, path string, headers http.Header, body, out any) int {
	started := time.Now()
	status := c.send(method, path, headers, body, out)
	rec.record(name, time.Since(started), status)
	return status
}

// send кодирует body в JSON и декодирует успешный ответ в out.
// Ответ 2xx, который не удалось декодировать, считается ошибкой сервера.
func (c *apiClient) send(method, path string, headers http.Header, body, out any) int {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0
		}
		payload = bytes.NewReader(raw)
		headers.Set("Content-Type", "application/json")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return 0
	}
	req.Header = headers

	resp, err := c.http.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	if out == nil || classify(resp.StatusCode) != outcomeSuccess {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return http.StatusInternalServerError
	}
	return resp.StatusCode
}
