package rabbitmq

import "github.com/streadway/amqp"

// BillingPublisher публикует события биллинга в BillingExchange.
type BillingPublisher struct {
	ch *amqp.Channel
}

// NewBillingPublisher создаёт публикатор поверх открытого канала.
func NewBillingPublisher(ch *amqp.Channel) *BillingPublisher {
	return &BillingPublisher{ch: ch}
}

// Publish отправляет сообщение с заданным ключом маршрутизации.
func (p *BillingPublisher) Publish(routingKey string, message any) error {
	return PublishMessage(p.ch, BillingExchange, routingKey, message)
}
