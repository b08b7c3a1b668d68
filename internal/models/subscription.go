// Package models содержит доменные структуры подписки и квоты,
// а также вспомогательные типы для приёма данных из внешних источников
// (webhook платёжного провайдера, JSON-запросы).
package models

import "time"

// SubscriptionStatus описывает закрытое множество статусов подписки.
type SubscriptionStatus string

// Возможные статусы подписки, приходящие от платёжного провайдера.
const (
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
	StatusPastDue   SubscriptionStatus = "past_due"
)

// ParseSubscriptionStatus приводит строку из внешнего источника к SubscriptionStatus.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	switch SubscriptionStatus(s) {
	case StatusActive, StatusCancelled, StatusExpired, StatusPastDue:
		return SubscriptionStatus(s), true
	}
	return "", false
}

// Subscription представляет локальную запись подписки пользователя.
// Поле RenewsAt — авторитетная дата следующего продления от провайдера,
// BillingAnchorDay — день месяца (1–31), выведенный из RenewsAt;
// расхождение между ними означает, что границы периода требуют пересинхронизации.
type Subscription struct {
	ID               int
	Username         string
	ExternalID       string // Идентификатор подписки на стороне провайдера
	Tier             Tier
	Status           SubscriptionStatus
	BillingAnchorDay int
	RenewsAt         time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DuplicateSubscription описывает пользователя с несколькими активными
// подписками — сигнал нарушения инварианта для операторского отчёта.
type DuplicateSubscription struct {
	Username    string
	ActiveCount int
	ExternalIDs []string
}
