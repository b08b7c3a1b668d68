// Package webhook реализует обработку событий жизненного цикла подписки
// от платёжного провайдера: журнал идемпотентности, детектор настоящего
// продления и применение события к локальным записям.
package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/simulation-quota/internal/lib/period"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	"github.com/magabrotheeeer/simulation-quota/internal/metrics"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// Ошибки обработки события, различаемые HTTP-обработчиком.
var (
	// ErrAlreadyProcessed — событие уже применено; не ошибка, провайдеру
	// отвечаем успехом, чтобы остановить повторные доставки.
	ErrAlreadyProcessed = errors.New("event already processed")
	// ErrValidation — событие не проходит валидацию; провайдеру отвечаем 4xx.
	ErrValidation = errors.New("invalid event payload")
	// ErrUnknownUser — user_identifier не разрешается во внутреннего пользователя.
	ErrUnknownUser = errors.New("unknown user identifier")
)

// Repository определяет методы хранилища, нужные webhook-сервису.
type Repository interface {
	InsertWebhookEvent(ctx context.Context, event models.WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, externalEventID string) (*models.WebhookEvent, error)
	ReopenFailedWebhookEvent(ctx context.Context, externalEventID string) (int, error)
	MarkWebhookEventProcessed(ctx context.Context, externalEventID string) error
	MarkWebhookEventFailed(ctx context.Context, externalEventID, message string) error

	GetUsernameByEmail(ctx context.Context, email string) (string, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub models.Subscription) (int, error)
	UpdateSubscription(ctx context.Context, sub models.Subscription, expectedUpdatedAt time.Time) (int, error)

	GetQuota(ctx context.Context, username string) (*models.Quota, error)
	CreateQuota(ctx context.Context, quota models.Quota) error
	ResetQuota(ctx context.Context, username string, newStart, newEnd time.Time, newTotal int, expectedPeriodEnd time.Time) (int, error)
}

// Publisher публикует события биллинга для пайплайна уведомлений.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// BillingMessage — сообщение для очередей уведомлений о биллинге.
type BillingMessage struct {
	Username               string      `json:"username"`
	ExternalSubscriptionID string      `json:"external_subscription_id"`
	Tier                   models.Tier `json:"tier"`
	RenewsAt               time.Time   `json:"renews_at"`
}

// Service применяет webhook-события провайдера к подписке и квоте.
type Service struct {
	repo      Repository
	publisher Publisher
	log       *slog.Logger
}

// New создает новый экземпляр Service. publisher может быть nil —
// тогда уведомления не публикуются.
func New(repo Repository, publisher Publisher, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		log:       log,
	}
}

// ProcessEvent обрабатывает одно событие провайдера. Повторная доставка
// уже применённого события возвращает ErrAlreadyProcessed и ничего не меняет.
// Любая ошибка применения фиксируется в журнале и возвращается вызывающей
// стороне: провайдер доставит событие повторно по собственному backoff.
func (s *Service) ProcessEvent(ctx context.Context, event models.DummyWebhookEvent, now time.Time) error {
	const op = "services.webhook.ProcessEvent"
	log := s.log.With(
		slog.String("op", op),
		slog.String("event_id", event.EventID),
		slog.String("event_type", event.EventType),
	)

	if !models.KnownEventType(event.EventType) {
		metrics.WebhookEvents.WithLabelValues(event.EventType, "rejected").Inc()
		return fmt.Errorf("%s: %w: unknown event type %q", op, ErrValidation, event.EventType)
	}

	inserted, err := s.repo.InsertWebhookEvent(ctx, models.WebhookEvent{
		ExternalEventID: event.EventID,
		EventType:       event.EventType,
		SubscriptionID:  event.SubscriptionID,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !inserted {
		proceed, err := s.mayRetryExisting(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !proceed {
			log.Info("duplicate delivery skipped")
			metrics.WebhookEvents.WithLabelValues(event.EventType, "duplicate").Inc()
			return fmt.Errorf("%s: %w", op, ErrAlreadyProcessed)
		}
		log.Info("reprocessing previously failed event")
	}

	if err := s.applyEvent(ctx, log, event, now); err != nil {
		if markErr := s.repo.MarkWebhookEventFailed(ctx, event.EventID, err.Error()); markErr != nil {
			log.Error("failed to mark event as failed", sl.Err(markErr))
		}
		metrics.WebhookEvents.WithLabelValues(event.EventType, "failed").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.repo.MarkWebhookEventProcessed(ctx, event.EventID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.WebhookEvents.WithLabelValues(event.EventType, "processed").Inc()
	return nil
}

// mayRetryExisting решает судьбу повторной доставки: ранее неуспешное событие
// переоткрывается и обрабатывается заново, применённое или находящееся
// в обработке — пропускается.
func (s *Service) mayRetryExisting(ctx context.Context, externalEventID string) (bool, error) {
	existing, err := s.repo.GetWebhookEvent(ctx, externalEventID)
	if err != nil {
		return false, err
	}
	if existing.ProcessingStatus != models.EventProcessingFailed {
		return false, nil
	}
	rows, err := s.repo.ReopenFailedWebhookEvent(ctx, externalEventID)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Service) applyEvent(ctx context.Context, log *slog.Logger, event models.DummyWebhookEvent, now time.Time) error {
	switch event.EventType {
	case models.EventSubscriptionCreated:
		return s.applyCreated(ctx, log, event, now)
	case models.EventSubscriptionUpdated:
		return s.applyUpdated(ctx, log, event)
	case models.EventSubscriptionCancelled:
		return s.applyStatusChange(ctx, log, event, models.StatusCancelled)
	case models.EventSubscriptionExpired:
		return s.applyStatusChange(ctx, log, event, models.StatusExpired)
	}
	return fmt.Errorf("%w: unknown event type %q", ErrValidation, event.EventType)
}

// applyCreated создаёт подписку и квоту нового цикла. Повторная доставка
// created с другим event_id (провайдер такое делает при ручном реплее)
// сводится к обновлению уже существующей записи.
func (s *Service) applyCreated(ctx context.Context, log *slog.Logger, event models.DummyWebhookEvent, now time.Time) error {
	renewsAt, err := parseRenewsAt(event.RenewsAt)
	if err != nil {
		return err
	}
	username, err := s.resolveUsername(ctx, event.UserIdentifier)
	if err != nil {
		return err
	}

	tier := models.ParseTier(event.Variant)
	status := parseStatusOrDefault(event.Status, models.StatusActive)
	sub := models.Subscription{
		Username:         username,
		ExternalID:       event.SubscriptionID,
		Tier:             tier,
		Status:           status,
		BillingAnchorDay: period.AnchorDay(renewsAt),
		RenewsAt:         renewsAt,
	}

	existing, err := s.repo.GetSubscriptionByExternalID(ctx, event.SubscriptionID)
	switch {
	case err == nil:
		sub.ID = existing.ID
		if rows, uerr := s.repo.UpdateSubscription(ctx, sub, existing.UpdatedAt); uerr != nil {
			return uerr
		} else if rows == 0 {
			return fmt.Errorf("subscription %s changed concurrently", event.SubscriptionID)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, cerr := s.repo.CreateSubscription(ctx, sub); cerr != nil {
			return cerr
		}
	default:
		return err
	}

	return s.openQuotaPeriod(ctx, log, username, now, renewsAt, models.EffectiveLimit(tier, status))
}

// applyUpdated — детектор продления. Сравнивает входящую renews_at
// с сохранённой: строго позже — настоящее продление со сбросом счётчика,
// равна — служебное обновление без квотных мутаций, раньше или отсутствует —
// аномалия: квоту не трогаем, но тариф и статус сохраняем.
func (s *Service) applyUpdated(ctx context.Context, log *slog.Logger, event models.DummyWebhookEvent) error {
	sub, err := s.repo.GetSubscriptionByExternalID(ctx, event.SubscriptionID)
	if err != nil {
		return err
	}

	tier := models.ParseTier(event.Variant)
	status := parseStatusOrDefault(event.Status, sub.Status)

	incoming, parseErr := parseRenewsAt(event.RenewsAt)
	if parseErr != nil || !incoming.After(sub.RenewsAt) {
		if parseErr != nil || incoming.Before(sub.RenewsAt) {
			log.Warn("renewal timestamp anomaly, skipping quota mutation",
				slog.String("stored", sub.RenewsAt.Format(time.RFC3339)),
				slog.String("incoming", event.RenewsAt))
			metrics.WebhookEvents.WithLabelValues(event.EventType, "anomaly").Inc()
		}
		updated := *sub
		updated.Tier = tier
		updated.Status = status
		return s.persistSubscription(ctx, updated, sub.UpdatedAt)
	}

	// Настоящее продление: провайдер подтвердил новый цикл.
	updated := *sub
	updated.Tier = tier
	updated.Status = status
	updated.RenewsAt = incoming
	updated.BillingAnchorDay = period.AnchorDay(incoming)
	if err := s.persistSubscription(ctx, updated, sub.UpdatedAt); err != nil {
		return err
	}

	if err := s.resetQuotaForRenewal(ctx, log, sub.Username, incoming, models.EffectiveLimit(tier, status)); err != nil {
		return err
	}

	s.publish("renewal", BillingMessage{
		Username:               sub.Username,
		ExternalSubscriptionID: sub.ExternalID,
		Tier:                   tier,
		RenewsAt:               incoming,
	})
	return nil
}

// resetQuotaForRenewal сбрасывает квоту под новый цикл, если она ещё не
// дошла до него сама: ленивый сброс мог сработать раньше webhook. Оба пути
// сходятся к одному состоянию, двойного сброса не происходит.
func (s *Service) resetQuotaForRenewal(ctx context.Context, log *slog.Logger, username string, newPeriodEnd time.Time, total int) error {
	quota, err := s.repo.GetQuota(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.repo.CreateQuota(ctx, models.Quota{
				Username:         username,
				PeriodStart:      newPeriodEnd.AddDate(0, -1, 0),
				PeriodEnd:        newPeriodEnd,
				SimulationsTotal: total,
			})
		}
		return err
	}
	if !quota.PeriodEnd.Before(newPeriodEnd) {
		log.Info("quota already at renewed period, no reset needed",
			slog.String("username", username))
		return nil
	}

	rows, err := s.repo.ResetQuota(ctx, username, quota.PeriodEnd, newPeriodEnd, total, quota.PeriodEnd)
	if err != nil {
		return err
	}
	if rows > 0 {
		metrics.QuotaResets.WithLabelValues("renewal").Inc()
		log.Info("quota reset on confirmed renewal",
			slog.String("username", username),
			slog.Time("period_end", newPeriodEnd))
	}
	return nil
}

// applyStatusChange обрабатывает cancelled/expired: меняется только статус
// подписки. Уже выданный на текущий период лимит дохаживает до конца,
// понижение до free произойдёт на следующем сбросе.
func (s *Service) applyStatusChange(ctx context.Context, log *slog.Logger, event models.DummyWebhookEvent, status models.SubscriptionStatus) error {
	sub, err := s.repo.GetSubscriptionByExternalID(ctx, event.SubscriptionID)
	if err != nil {
		return err
	}

	updated := *sub
	updated.Status = status
	if err := s.persistSubscription(ctx, updated, sub.UpdatedAt); err != nil {
		return err
	}

	log.Info("subscription status changed",
		slog.String("username", sub.Username),
		slog.String("status", string(status)))
	s.publish("cancellation", BillingMessage{
		Username:               sub.Username,
		ExternalSubscriptionID: sub.ExternalID,
		Tier:                   sub.Tier,
		RenewsAt:               sub.RenewsAt,
	})
	return nil
}

// openQuotaPeriod создаёт или сбрасывает квоту под только что купленный цикл.
func (s *Service) openQuotaPeriod(ctx context.Context, log *slog.Logger, username string, now, periodEnd time.Time, total int) error {
	if !periodEnd.After(now) {
		return fmt.Errorf("%w: renews_at %s is not in the future", ErrValidation, periodEnd.Format(time.RFC3339))
	}

	quota, err := s.repo.GetQuota(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.repo.CreateQuota(ctx, models.Quota{
				Username:         username,
				PeriodStart:      now,
				PeriodEnd:        periodEnd,
				SimulationsTotal: total,
			})
		}
		return err
	}

	rows, err := s.repo.ResetQuota(ctx, username, now, periodEnd, total, quota.PeriodEnd)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("quota for %q changed concurrently", username)
	}
	log.Info("quota opened for new subscription cycle",
		slog.String("username", username),
		slog.Time("period_end", periodEnd))
	return nil
}

func (s *Service) persistSubscription(ctx context.Context, sub models.Subscription, expectedUpdatedAt time.Time) error {
	rows, err := s.repo.UpdateSubscription(ctx, sub, expectedUpdatedAt)
	if err != nil {
		return err
	}
	if rows == 0 {
		// Проиграли гонку синхронизации; провайдер повторит доставку.
		return fmt.Errorf("subscription %s changed concurrently", sub.ExternalID)
	}
	return nil
}

func (s *Service) resolveUsername(ctx context.Context, email string) (string, error) {
	username, err := s.repo.GetUsernameByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrUnknownUser, email)
		}
		return "", err
	}
	return username, nil
}

func (s *Service) publish(routingKey string, message BillingMessage) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(routingKey, message); err != nil {
		// Уведомления не влияют на корректность квоты, ошибку не поднимаем.
		s.log.Warn("failed to publish billing event", sl.Err(err))
	}
}

func parseRenewsAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: renews_at is missing", ErrValidation)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: renews_at: %v", ErrValidation, err)
	}
	return t, nil
}

func parseStatusOrDefault(raw string, fallback models.SubscriptionStatus) models.SubscriptionStatus {
	if status, ok := models.ParseSubscriptionStatus(raw); ok {
		return status
	}
	return fallback
}
