package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// CreateSubscription вставляет новую запись подписки и возвращает её ID.
func (s *Storage) CreateSubscription(ctx context.Context, sub models.Subscription) (int, error) {
	const op = "storage.CreateSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO subscriptions (username, external_subscription_id, tier, status,
			      billing_anchor_day, renews_at)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING id`
	var newID int
	err := s.DB.QueryRowContext(ctx, query,
		sub.Username, sub.ExternalID, sub.Tier, sub.Status,
		sub.BillingAnchorDay, sub.RenewsAt).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return newID, nil
}

// GetSubscriptionByUsername возвращает подписку пользователя.
func (s *Storage) GetSubscriptionByUsername(ctx context.Context, username string) (*models.Subscription, error) {
	const op = "storage.GetSubscriptionByUsername"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, username, external_subscription_id, tier, status,
			      billing_anchor_day, renews_at, created_at, updated_at
			  FROM subscriptions
			  WHERE username = $1
			  ORDER BY id DESC
			  LIMIT 1`
	return s.scanSubscription(s.DB.QueryRowContext(ctx, query, username), op)
}

// GetSubscriptionByExternalID возвращает подписку по идентификатору провайдера.
func (s *Storage) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	const op = "storage.GetSubscriptionByExternalID"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, username, external_subscription_id, tier, status,
			      billing_anchor_day, renews_at, created_at, updated_at
			  FROM subscriptions
			  WHERE external_subscription_id = $1`
	return s.scanSubscription(s.DB.QueryRowContext(ctx, query, externalID), op)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Storage) scanSubscription(row rowScanner, op string) (*models.Subscription, error) {
	var result models.Subscription
	if err := row.Scan(&result.ID, &result.Username, &result.ExternalID, &result.Tier,
		&result.Status, &result.BillingAnchorDay, &result.RenewsAt,
		&result.CreatedAt, &result.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}

// UpdateSubscription обновляет поля подписки условно: запись меняется только
// если updated_at не изменился с момента чтения. Подписку пишут два актора
// (webhook и синхронизация), условие защищает от затирания чужой записи.
// Возвращает количество изменённых строк; 0 означает проигранную гонку.
func (s *Storage) UpdateSubscription(ctx context.Context, sub models.Subscription, expectedUpdatedAt time.Time) (int, error) {
	const op = "storage.UpdateSubscription"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE subscriptions
			  SET tier = $1, status = $2, billing_anchor_day = $3, renews_at = $4,
			      updated_at = now()
			  WHERE id = $5 AND updated_at = $6`
	result, err := s.DB.ExecContext(ctx, query,
		sub.Tier, sub.Status, sub.BillingAnchorDay, sub.RenewsAt, sub.ID, expectedUpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ListActiveSubscriptions возвращает все активные подписки для синхронизации.
func (s *Storage) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	const op = "storage.ListActiveSubscriptions"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT id, username, external_subscription_id, tier, status,
			      billing_anchor_day, renews_at, created_at, updated_at
			  FROM subscriptions
			  WHERE status = 'active'
			  ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Subscription
	for rows.Next() {
		var item models.Subscription
		if err := rows.Scan(&item.ID, &item.Username, &item.ExternalID, &item.Tier,
			&item.Status, &item.BillingAnchorDay, &item.RenewsAt,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, &item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// FindDuplicateActiveSubscriptions возвращает пользователей с более чем одной
// активной подпиской. Хранилище не гарантирует уникальность транзакционно
// между webhook и синхронизацией, поэтому нарушение инварианта выявляется
// этим отчётом и устраняется оператором через провайдера.
func (s *Storage) FindDuplicateActiveSubscriptions(ctx context.Context) ([]*models.DuplicateSubscription, error) {
	const op = "storage.FindDuplicateActiveSubscriptions"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT username, COUNT(*) AS active_count,
			      STRING_AGG(external_subscription_id, ',' ORDER BY id) AS external_ids
			  FROM subscriptions
			  WHERE status = 'active'
			  GROUP BY username
			  HAVING COUNT(*) > 1
			  ORDER BY username`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.DuplicateSubscription
	for rows.Next() {
		var item models.DuplicateSubscription
		var externalIDs string
		if err := rows.Scan(&item.Username, &item.ActiveCount, &externalIDs); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		item.ExternalIDs = strings.Split(externalIDs, ",")
		result = append(result, &item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}
