package billingprovider

import "time"

// SubscriptionState — авторитетное состояние подписки на стороне провайдера.
// Синхронизация сверяет локальные данные именно с этим ответом.
type SubscriptionState struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Variant   string    `json:"variant"` // идентификатор тарифа
	RenewsAt  time.Time `json:"renews_at"`
	UserEmail string    `json:"user_email"`
}
