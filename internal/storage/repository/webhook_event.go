package repository

import (
	"context"
	"fmt"

	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// InsertWebhookEvent добавляет событие в журнал идемпотентности.
// Уникальный индекс по external_event_id — механизм защиты от повторной
// обработки: при конфликте вставка игнорируется и метод возвращает false.
func (s *Storage) InsertWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error) {
	const op = "storage.InsertWebhookEvent"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO webhook_events (external_event_id, event_type,
			      subscription_id, processing_status)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (external_event_id) DO NOTHING
			  RETURNING id`
	var newID int
	err := s.DB.QueryRowContext(ctx, query,
		event.ExternalEventID, event.EventType, event.SubscriptionID,
		models.EventProcessingReceived).Scan(&newID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

// MarkWebhookEventProcessed помечает событие как успешно применённое.
func (s *Storage) MarkWebhookEventProcessed(ctx context.Context, externalEventID string) error {
	const op = "storage.MarkWebhookEventProcessed"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE webhook_events
			  SET processing_status = $1, processing_error = ''
			  WHERE external_event_id = $2`
	if _, err := s.DB.ExecContext(ctx, query, models.EventProcessingProcessed, externalEventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MarkWebhookEventFailed фиксирует ошибку обработки события. Запись остаётся
// в журнале: провайдер доставит событие повторно, но уже с тем же event_id,
// поэтому статус failed открывает событие для повторной обработки.
func (s *Storage) MarkWebhookEventFailed(ctx context.Context, externalEventID, message string) error {
	const op = "storage.MarkWebhookEventFailed"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE webhook_events
			  SET processing_status = $1, processing_error = $2
			  WHERE external_event_id = $3`
	if _, err := s.DB.ExecContext(ctx, query, models.EventProcessingFailed, message, externalEventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetWebhookEvent возвращает запись журнала по внешнему идентификатору события.
func (s *Storage) GetWebhookEvent(ctx context.Context, externalEventID string) (*models.WebhookEvent, error) {
	const op = "storage.GetWebhookEvent"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, external_event_id, event_type, subscription_id,
			      received_at, processing_status, processing_error
			  FROM webhook_events
			  WHERE external_event_id = $1`
	row := s.DB.QueryRowContext(ctx, query, externalEventID)

	var result models.WebhookEvent
	if err := row.Scan(&result.ID, &result.ExternalEventID, &result.EventType,
		&result.SubscriptionID, &result.ReceivedAt, &result.ProcessingStatus,
		&result.ProcessingError); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}

// ReopenFailedWebhookEvent переводит ранее неуспешное событие обратно в
// received, чтобы повторная доставка от провайдера была обработана заново.
// Условие по статусу не даёт переоткрыть уже применённое событие.
func (s *Storage) ReopenFailedWebhookEvent(ctx context.Context, externalEventID string) (int, error) {
	const op = "storage.ReopenFailedWebhookEvent"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE webhook_events
			  SET processing_status = $1
			  WHERE external_event_id = $2 AND processing_status = $3`
	result, err := s.DB.ExecContext(ctx, query,
		models.EventProcessingReceived, externalEventID, models.EventProcessingFailed)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}
