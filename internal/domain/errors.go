package domain

import "errors"

var (
	// ErrNotFound — общий признак отсутствующей сущности, оборачивается конкретными ошибками ниже.
	ErrNotFound = errors.New("not found")
	// ErrListingNotFound возвращается, если объявление не найдено.
	ErrListingNotFound = wrapNotFound("listing not found")
	// ErrOrderNotFound возвращается, если заказ не найден в реестре.
	ErrOrderNotFound = wrapNotFound("order not found")
	// ErrCartEntryNotFound возвращается, если позиции нет в корзине покупателя.
	ErrCartEntryNotFound = wrapNotFound("cart entry not found")

	// ErrListingAlreadyExists возвращается при повторном создании объявления с тем же ID.
	ErrListingAlreadyExists = errors.New("listing already exists")

	// ErrInsufficientStock — бизнес-исход: остатка не хватает для резерва или корзины.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidTransition — недопустимая смена статуса заказа (в том числе проигранная гонка).
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrSelfPurchase — попытка купить собственное объявление.
	ErrSelfPurchase = errors.New("cannot buy your own listing")
	// ErrUnauthorized — действие над чужим объявлением или заказом.
	ErrUnauthorized = errors.New("action is not allowed for this user")
	// ErrStorageUnavailable — сбой хранилища, фатален для запроса, но не для процесса.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrListingNotOnSale — объявление существует, но сейчас не продаётся.
	ErrListingNotOnSale = errors.New("listing is not on sale")
	// ErrOrderExpired — срок оплаты заказа истёк.
	ErrOrderExpired = errors.New("order payment deadline has passed")

	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user id is required")
	// Ошибка пустого названия объявления.
	ErrTitleRequired = errors.New("listing title is required")
	// Ошибка отрицательной цены.
	ErrPriceNegative = errors.New("price_minor must be non-negative")
	// Ошибка отрицательного остатка.
	ErrStockNegative = errors.New("stock must be non-negative")
	// Ошибка неизвестного статуса объявления.
	ErrListingStatusInvalid = errors.New("unknown listing status")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish         = errors.New("outbox publish failed")
	ErrOutboxMessageNotFound = wrapNotFound("outbox message not found")

	// Ошибки idempotency-key.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = wrapNotFound("idempotency key not found")
)

type notFoundError struct {
	msg string
}

func (e *notFoundError) Error() string { return e.msg }

func (e *notFoundError) Unwrap() error { return ErrNotFound }

func wrapNotFound(msg string) error {
	return &notFoundError{msg: msg}
}

// IsNotFound проверяет, относится ли ошибка к отсутствующей сущности любого типа.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBusiness сообщает, что ошибка — ожидаемый бизнес-исход, а не сбой сервера.
func IsBusiness(err error) bool {
	switch {
	case err == nil:
		return false
	case IsNotFound(err),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSelfPurchase),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrListingNotOnSale),
		errors.Is(err, ErrOrderExpired),
		IsValidation(err):
		return true
	default:
		return false
	}
}

// IsValidation сообщает, что запрос отклонён из-за некорректных входных данных.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUserRequired) ||
		errors.Is(err, ErrTitleRequired) ||
		errors.Is(err, ErrPriceNegative) ||
		errors.Is(err, ErrStockNegative) ||
		errors.Is(err, ErrListingStatusInvalid) ||
		errors.Is(err, ErrIdempotencyKeyRequired)
}
