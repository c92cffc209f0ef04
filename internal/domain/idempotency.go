package domain

import "time"

// IdempotencyState — стадия обработки запроса с Idempotency-Key.
type IdempotencyState string

const (
	// IdempotencyInFlight — ключ занят, ответ ещё не готов.
	IdempotencyInFlight IdempotencyState = "in_flight"
	// IdempotencyCompleted — ответ сохранён и отдаётся на повторы.
	IdempotencyCompleted IdempotencyState = "completed"
)

// Valid сообщает, что значение относится к известным стадиям.
func (s IdempotencyState) Valid() bool {
	return s == IdempotencyInFlight || s == IdempotencyCompleted
}

// StoredResponse хранит HTTP-ответ, привязанный к ключу.
type StoredResponse struct {
	Status int
	Body   []byte
}

// Replayable сообщает, можно ли закрепить ответ за ключом. Отказы 4xx закрепляются,
// сбои 5xx нет: клиент должен иметь возможность повторить запрос.
func (r StoredResponse) Replayable() bool {
	return r.Status >= 200 && r.Status < 500 && len(r.Body) > 0
}

// IdempotencyRecord — занятый ключ и сохранённый по нему ответ.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	State       IdempotencyState
	Response    StoredResponse
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired сообщает, что ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// IdempotencyScope связывает ключ клиента с пользователем, чтобы разные покупатели не конфликтовали.
func IdempotencyScope(userID, key string) string {
	return userID + ":" + key
}

// IdempotencyRepository хранит ключи идемпотентности.
type IdempotencyRepository interface {
	// Claim занимает ключ. Живой ключ возвращается вместе с ErrIdempotencyKeyAlreadyExists
	// или ErrIdempotencyHashMismatch, истёкший занимается заново.
	Claim(key, requestHash string, expiresAt time.Time) (IdempotencyRecord, error)
	// Complete сохраняет ответ по занятому ключу.
	Complete(key string, resp StoredResponse) error
	// Forget освобождает ключ, по которому ответ так и не сохранили.
	Forget(key string) error
	Get(key string) (IdempotencyRecord, error)
	// DeleteExpired удаляет до limit ключей с ExpiresAt <= before, самые старые первыми. limit <= 0 снимает ограничение.
	DeleteExpired(before time.Time, limit int) (int, error)
}
