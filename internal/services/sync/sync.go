// Package sync реализует сверку локальных подписок и квот с авторитетными
// данными платёжного провайдера. Это путь ремонта после пропущенных или
// повреждённых webhook-доставок: синхронизация выравнивает границы периода,
// но никогда не сбрасывает счётчик потребления — сброс делает только
// подтверждённое продление.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/simulation-quota/internal/billingprovider"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/period"
	"github.com/magabrotheeeer/simulation-quota/internal/lib/sl"
	"github.com/magabrotheeeer/simulation-quota/internal/metrics"
	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// Исходы сверки по одной подписке.
const (
	OutcomeUnchanged = "unchanged"
	OutcomeCorrected = "corrected"
	OutcomeError     = "error"
)

// Repository определяет методы хранилища, нужные синхронизации.
type Repository interface {
	ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error)
	GetSubscriptionByUsername(ctx context.Context, username string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub models.Subscription, expectedUpdatedAt time.Time) (int, error)

	GetQuota(ctx context.Context, username string) (*models.Quota, error)
	CreateQuota(ctx context.Context, quota models.Quota) error
	SetQuotaPeriod(ctx context.Context, username string, newStart, newEnd time.Time, expectedUpdatedAt time.Time) (int, error)

	FindDuplicateActiveSubscriptions(ctx context.Context) ([]*models.DuplicateSubscription, error)
}

// Provider читает авторитетное состояние подписки у платёжного провайдера.
type Provider interface {
	GetSubscription(ctx context.Context, externalID string) (*billingprovider.SubscriptionState, error)
}

// Result — исход сверки одной подписки.
type Result struct {
	Username   string `json:"username"`
	ExternalID string `json:"external_subscription_id"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
}

// Summary — сводка прогона синхронизации для оператора.
type Summary struct {
	Results   []Result `json:"results"`
	Unchanged int      `json:"unchanged"`
	Corrected int      `json:"corrected"`
	Errors    int      `json:"errors"`
}

// Service выполняет сверку подписок с провайдером.
type Service struct {
	repo        Repository
	provider    Provider
	log         *slog.Logger
	callTimeout time.Duration
}

// New создает новый экземпляр Service. callTimeout ограничивает каждый
// запрос к провайдеру, чтобы одна медленная подписка не остановила прогон.
func New(repo Repository, provider Provider, log *slog.Logger, callTimeout time.Duration) *Service {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Service{
		repo:        repo,
		provider:    provider,
		log:         log,
		callTimeout: callTimeout,
	}
}

// Run сверяет активные подписки с провайдером. Непустой username ограничивает
// прогон одним пользователем. Ошибка по одной подписке логируется и попадает
// в сводку, остальные подписки обрабатываются дальше. Прогон идемпотентен:
// повтор без дрейфа данных ничего не меняет.
func (s *Service) Run(ctx context.Context, username string, now time.Time) (*Summary, error) {
	const op = "services.sync.Run"
	log := s.log.With(slog.String("op", op))

	subs, err := s.collect(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("reconciliation started", slog.Int("subscriptions", len(subs)))

	summary := &Summary{Results: make([]Result, 0, len(subs))}
	for _, sub := range subs {
		result := s.syncOne(ctx, log, sub, now)
		metrics.SyncOutcomes.WithLabelValues(result.Outcome).Inc()
		switch result.Outcome {
		case OutcomeUnchanged:
			summary.Unchanged++
		case OutcomeCorrected:
			summary.Corrected++
		case OutcomeError:
			summary.Errors++
		}
		summary.Results = append(summary.Results, result)
	}

	log.Info("reconciliation finished",
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("corrected", summary.Corrected),
		slog.Int("errors", summary.Errors))
	return summary, nil
}

// FindDuplicates возвращает операторский отчёт о пользователях с несколькими
// активными подписками. Дубликаты не чинятся автоматически: оператор отменяет
// лишнюю подписку у провайдера и запускает повторную синхронизацию.
func (s *Service) FindDuplicates(ctx context.Context) ([]*models.DuplicateSubscription, error) {
	const op = "services.sync.FindDuplicates"
	duplicates, err := s.repo.FindDuplicateActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return duplicates, nil
}

func (s *Service) collect(ctx context.Context, username string) ([]*models.Subscription, error) {
	if username == "" {
		return s.repo.ListActiveSubscriptions(ctx)
	}
	sub, err := s.repo.GetSubscriptionByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no subscription found for user %q", username)
		}
		return nil, err
	}
	return []*models.Subscription{sub}, nil
}

func (s *Service) syncOne(ctx context.Context, log *slog.Logger, sub *models.Subscription, now time.Time) Result {
	log = log.With(
		slog.String("username", sub.Username),
		slog.String("external_id", sub.ExternalID),
	)

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	state, err := s.provider.GetSubscription(callCtx, sub.ExternalID)
	cancel()
	if err != nil {
		if errors.Is(err, billingprovider.ErrSubscriptionNotFound) {
			// Подписка удалена на стороне провайдера. Локальные данные не
			// угадываем: оператор разбирается и пересоздаёт через провайдера.
			log.Warn("subscription missing at provider")
			return s.errorResult(sub, "subscription not found at provider")
		}
		log.Error("provider fetch failed", sl.Err(err))
		return s.errorResult(sub, err.Error())
	}

	corrected := false

	subCorrected, err := s.repairSubscription(ctx, log, sub, state)
	if err != nil {
		log.Error("subscription repair failed", sl.Err(err))
		return s.errorResult(sub, err.Error())
	}
	corrected = corrected || subCorrected

	quotaCorrected, err := s.repairQuotaPeriod(ctx, log, sub, state, now)
	if err != nil {
		log.Error("quota period repair failed", sl.Err(err))
		return s.errorResult(sub, err.Error())
	}
	corrected = corrected || quotaCorrected

	if !corrected {
		return Result{Username: sub.Username, ExternalID: sub.ExternalID, Outcome: OutcomeUnchanged}
	}
	return Result{Username: sub.Username, ExternalID: sub.ExternalID, Outcome: OutcomeCorrected}
}

// repairSubscription приводит локальную запись подписки к состоянию провайдера.
// Все поля пишутся условным обновлением по updated_at: проигрыш гонки
// с webhook-обработчиком — обычное событие, прогон просто повторяют.
func (s *Service) repairSubscription(ctx context.Context, log *slog.Logger, sub *models.Subscription, state *billingprovider.SubscriptionState) (bool, error) {
	tier := models.ParseTier(state.Variant)
	status, ok := models.ParseSubscriptionStatus(state.Status)
	if !ok {
		status = sub.Status
	}
	anchorDay := period.AnchorDay(state.RenewsAt)

	if sub.Tier == tier && sub.Status == status &&
		sub.RenewsAt.Equal(state.RenewsAt) && sub.BillingAnchorDay == anchorDay {
		return false, nil
	}

	updated := *sub
	updated.Tier = tier
	updated.Status = status
	updated.RenewsAt = state.RenewsAt
	updated.BillingAnchorDay = anchorDay

	rows, err := s.repo.UpdateSubscription(ctx, updated, sub.UpdatedAt)
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, errors.New("subscription changed concurrently, rerun sync")
	}

	log.Info("subscription fields corrected",
		slog.String("tier", string(tier)),
		slog.String("status", string(status)),
		slog.Time("renews_at", state.RenewsAt))
	*sub = updated
	return true, nil
}

// repairQuotaPeriod выравнивает границы периода квоты с renews_at провайдера.
// Счётчик потребления не трогается: ремонт дрейфа не является продлением.
// Отсутствующая строка квоты создаётся заново с лимитом актуального тарифа.
func (s *Service) repairQuotaPeriod(ctx context.Context, log *slog.Logger, sub *models.Subscription, state *billingprovider.SubscriptionState, now time.Time) (bool, error) {
	quota, err := s.repo.GetQuota(ctx, sub.Username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			total := models.EffectiveLimit(sub.Tier, sub.Status)
			if cerr := s.repo.CreateQuota(ctx, models.Quota{
				Username:         sub.Username,
				PeriodStart:      state.RenewsAt.AddDate(0, -1, 0),
				PeriodEnd:        state.RenewsAt,
				SimulationsTotal: total,
			}); cerr != nil {
				return false, cerr
			}
			log.Warn("missing quota row provisioned",
				slog.Time("period_end", state.RenewsAt))
			return true, nil
		}
		return false, err
	}

	if quota.PeriodEnd.Equal(state.RenewsAt) {
		return false, nil
	}
	if !state.RenewsAt.After(now) {
		// Провайдер сам отдаёт устаревшую границу; ленивый сброс разберётся
		// при следующем обращении пользователя, править нечем.
		log.Warn("provider renews_at is not in the future, skipping period repair",
			slog.Time("renews_at", state.RenewsAt))
		return false, nil
	}

	newStart := quota.PeriodStart
	if !newStart.Before(state.RenewsAt) {
		newStart = state.RenewsAt.AddDate(0, -1, 0)
	}
	rows, err := s.repo.SetQuotaPeriod(ctx, sub.Username, newStart, state.RenewsAt, quota.UpdatedAt)
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, errors.New("quota changed concurrently, rerun sync")
	}

	log.Info("quota period boundary corrected",
		slog.Time("old_period_end", quota.PeriodEnd),
		slog.Time("new_period_end", state.RenewsAt))
	return true, nil
}

func (s *Service) errorResult(sub *models.Subscription, detail string) Result {
	return Result{
		Username:   sub.Username,
		ExternalID: sub.ExternalID,
		Outcome:    OutcomeError,
		Detail:     detail,
	}
}
