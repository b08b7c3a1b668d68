package models

import "time"

// Типы событий жизненного цикла подписки, которые доставляет провайдер.
const (
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventSubscriptionExpired   = "subscription_expired"
)

// KnownEventType сообщает, относится ли тип события к обрабатываемым.
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated,
		EventSubscriptionCancelled, EventSubscriptionExpired:
		return true
	}
	return false
}

// Статусы обработки события в журнале идемпотентности.
const (
	EventProcessingReceived  = "received"
	EventProcessingProcessed = "processed"
	EventProcessingFailed    = "failed"
)

// WebhookEvent — запись журнала идемпотентности webhook-доставок.
// Провайдер гарантирует доставку at-least-once, поэтому ExternalEventID
// уникален на уровне хранилища: повторная доставка того же события
// не должна применяться второй раз.
type WebhookEvent struct {
	ID               int
	ExternalEventID  string
	EventType        string
	SubscriptionID   string
	ReceivedAt       time.Time
	ProcessingStatus string
	ProcessingError  string
}

// DummyWebhookEvent используется для приёма тела webhook из JSON.
// Набор обязательных полей зависит от типа события, поэтому здесь
// помечены required только общие поля; остальное проверяет сервис.
type DummyWebhookEvent struct {
	EventType      string `json:"event_type" validate:"required"`
	EventID        string `json:"event_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
	UserIdentifier string `json:"user_identifier" validate:"required,email"` // email покупателя у провайдера
	RenewsAt       string `json:"renews_at"`                                 // RFC3339, обязательна для created/updated
	Status         string `json:"status"`
	Variant        string `json:"variant"` // идентификатор тарифа у провайдера
}
