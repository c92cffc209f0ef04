package domain

import "context"

// ListingStore хранит объявления и их остатки. Остаток меняется только через Reserve/Release.
type ListingStore interface {
	// Create сохраняет новое объявление. Повторный ID даёт ошибку.
	Create(ctx context.Context, listing Listing) error
	// Get возвращает снимок объявления или ErrListingNotFound. Остаток в снимке может устареть.
	Get(ctx context.Context, id string) (Listing, error)
	// List возвращает объявления, подходящие под фильтр, от новых к старым.
	List(ctx context.Context, filter ListingFilter) ([]Listing, error)
	// Update применяет mutate к объявлению под блокировкой записи. Остаток mutate изменить не может.
	Update(ctx context.Context, id string, mutate func(*Listing) error) (Listing, error)
	// Delete удаляет объявление или возвращает ErrListingNotFound.
	Delete(ctx context.Context, id string) error
	// Reserve атомарно списывает единицу остатка. false без изменений, если объявления нет или остаток 0.
	Reserve(ctx context.Context, id string) (bool, error)
	// Release атомарно возвращает единицу остатка. Для неизвестного объявления ничего не делает.
	Release(ctx context.Context, id string) error
}

// OrderLedger хранит заказы и проверяет переходы статусов.
type OrderLedger interface {
	// Create выделяет ID и сохраняет заказ в статусе pending. Резерв должен быть получен заранее.
	Create(ctx context.Context, draft OrderDraft) (Order, error)
	// Transition атомарно переводит заказ в статус to.
	// ErrOrderNotFound для неизвестного ID, ErrInvalidTransition для запрещённого перехода.
	Transition(ctx context.Context, id string, to OrderStatus) (Order, error)
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByBuyer возвращает заказы покупателя, новые первыми.
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	// ListBySeller возвращает продажи продавца, новые первыми.
	ListBySeller(ctx context.Context, sellerID string) ([]Order, error)
	// ListAll возвращает все заказы (для фоновой очистки).
	ListAll(ctx context.Context) ([]Order, error)
}

// CartRepository хранит корзины. Сериализацию операций одного покупателя обеспечивает вызывающий.
type CartRepository interface {
	// Get возвращает позицию или ErrCartEntryNotFound.
	Get(ctx context.Context, buyerID, listingID string) (CartEntry, error)
	// Put создаёт или перезаписывает позицию.
	Put(ctx context.Context, entry CartEntry) error
	// Delete удаляет позицию; отсутствие позиции не ошибка.
	Delete(ctx context.Context, buyerID, listingID string) error
	// Clear удаляет все позиции покупателя.
	Clear(ctx context.Context, buyerID string) error
	// List возвращает позиции покупателя в порядке добавления.
	List(ctx context.Context, buyerID string) ([]CartEntry, error)
}
