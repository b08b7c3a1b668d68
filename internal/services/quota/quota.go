// Package quota реализует бизнес-логику квоты симуляций: ленивый сброс
// истёкшего периода и атомарную проверку-с-резервированием.
package quota

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

// cacheTTL ограничивает жизнь кэшированного статуса квоты.
const cacheTTL = 30 * time.Second

// Repository определяет методы хранилища, нужные квотному сервису.
type Repository interface {
	// GetQuota возвращает запись квоты пользователя.
	GetQuota(ctx context.Context, username string) (*models.Quota, error)
	// CreateQuota создаёт запись квоты; повторная вставка игнорируется.
	CreateQuota(ctx context.Context, quota models.Quota) error
	// ResetQuota сбрасывает счётчик условно по ожидаемому period_end.
	ResetQuota(ctx context.Context, username string, newStart, newEnd time.Time, newTotal int, expectedPeriodEnd time.Time) (int, error)
	// ConsumeSimulation атомарно резервирует одну симуляцию.
	ConsumeSimulation(ctx context.Context, username string, now time.Time) (*models.Quota, bool, error)
	// GetSubscriptionByUsername возвращает подписку пользователя.
	GetSubscriptionByUsername(ctx context.Context, username string) (*models.Subscription, error)
}

// Cache описывает методы для кэширования статуса квоты.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
	Invalidate(key string) error
}

// Service реализует Quota Gate поверх хранилища.
// Любая внутренняя ошибка приводит к отказу (fail-closed): недовыдать
// симуляцию можно — пользователь повторит запрос, перевыдать нельзя.
type Service struct {
	repo  Repository
	cache Cache
	log   *slog.Logger
}

// New создает новый экземпляр Service.
func New(repo Repository, cache Cache, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

func cacheKey(username string) string {
	return "quota:status:" + username
}

// CheckAndReserve — атомарная операция «можно ли начать симуляцию».
// Загружает квоту, при необходимости выполняет ленивый сброс, затем одним
// условным обновлением проверяет лимит и резервирует слот. При allowed=false
// состояние не меняется; повторять запрос или нет, решает вызывающая сторона.
func (s *Service) CheckAndReserve(ctx context.Context, username string, now time.Time) (*models.QuotaStatus, error) {
	const op = "services.quota.CheckAndReserve"

	quota, err := s.ensureCurrent(ctx, username, now)
	if err != nil {
		metrics.QuotaChecks.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	updated, admitted, err := s.repo.ConsumeSimulation(ctx, username, now)
	if err != nil {
		metrics.QuotaChecks.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if admitted {
		s.invalidateStatus(username)
		metrics.QuotaChecks.WithLabelValues("allowed").Inc()
		return &models.QuotaStatus{
			Allowed:   true,
			Remaining: updated.Remaining(),
			PeriodEnd: updated.PeriodEnd,
		}, nil
	}

	// Лимит исчерпан. Перечитываем запись: она могла измениться между
	// ленивым сбросом и попыткой резервирования.
	quota, err = s.repo.GetQuota(ctx, username)
	if err != nil {
		metrics.QuotaChecks.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.QuotaChecks.WithLabelValues("denied").Inc()
	return &models.QuotaStatus{
		Allowed:   false,
		Remaining: quota.Remaining(),
		PeriodEnd: quota.PeriodEnd,
	}, nil
}

// Status возвращает состояние квоты без резервирования. Ленивый сброс
// обязателен и здесь: запрос после истечения периода должен видеть
// уже новый период.
func (s *Service) Status(ctx context.Context, username string, now time.Time) (*models.QuotaStatus, error) {
	const op = "services.quota.Status"

	var cached models.QuotaStatus
	if found, err := s.cache.Get(cacheKey(username), &cached); err == nil && found {
		if cached.PeriodEnd.After(now) {
			return &cached, nil
		}
	} else if err != nil {
		s.log.Warn("quota status cache read failed", sl.Err(err))
	}

	quota, err := s.ensureCurrent(ctx, username, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	status := &models.QuotaStatus{
		Allowed:   quota.Remaining() > 0,
		Remaining: quota.Remaining(),
		PeriodEnd: quota.PeriodEnd,
	}
	if err := s.cache.Set(cacheKey(username), status, cacheTTL); err != nil {
		s.log.Warn("quota status cache write failed", sl.Err(err))
	}
	return status, nil
}

// ensureCurrent загружает квоту пользователя, создавая free-запись при её
// отсутствии, и выполняет ленивый сброс, если период истёк. Возвращённая
// запись всегда принадлежит актуальному периоду (period_end > now).
func (s *Service) ensureCurrent(ctx context.Context, username string, now time.Time) (*models.Quota, error) {
	quota, err := s.repo.GetQuota(ctx, username)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if quota, err = s.provisionDefault(ctx, username, now); err != nil {
			return nil, err
		}
	}

	if !quota.IsExpired(now) {
		return quota, nil
	}

	anchorDay, total := s.nextPeriodParams(ctx, username, quota)
	newStart, newEnd := period.AdvanceUntil(quota.PeriodEnd, anchorDay, now)

	rows, err := s.repo.ResetQuota(ctx, username, newStart, newEnd, total, quota.PeriodEnd)
	if err != nil {
		// Сброс не записан — работать со старой копией в памяти нельзя.
		return nil, err
	}
	if rows > 0 {
		metrics.QuotaResets.WithLabelValues("lazy").Inc()
		s.invalidateStatus(username)
		s.log.Info("quota period reset",
			slog.String("username", username),
			slog.Time("period_end", newEnd))
	}

	// rows == 0: конкурирующий запрос успел сбросить первым. В обоих
	// случаях актуальна только свежая запись из хранилища.
	quota, err = s.repo.GetQuota(ctx, username)
	if err != nil {
		return nil, err
	}
	if quota.IsExpired(now) {
		return nil, fmt.Errorf("quota period for %q still expired after reset", username)
	}
	return quota, nil
}

// nextPeriodParams возвращает якорный день и лимит для нового периода.
// Лимит выводится из тарифа и статуса подписки на момент сброса: изменения
// тарифа в середине периода вступают в силу только со следующего сброса.
func (s *Service) nextPeriodParams(ctx context.Context, username string, quota *models.Quota) (int, int) {
	sub, err := s.repo.GetSubscriptionByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("failed to load subscription for reset, falling back to free tier",
				slog.String("username", username), sl.Err(err))
		}
		// Пользователь без подписки живёт на синтетическом free-периоде,
		// заякоренном на дне границы его текущего периода.
		return period.AnchorDay(quota.PeriodEnd), models.SimulationsLimit(models.TierFree)
	}
	return sub.BillingAnchorDay, models.EffectiveLimit(sub.Tier, sub.Status)
}

// provisionDefault создаёт free-квоту с синтетическим периодом,
// заякоренным на момент первого обращения.
func (s *Service) provisionDefault(ctx context.Context, username string, now time.Time) (*models.Quota, error) {
	quota := models.Quota{
		Username:         username,
		PeriodStart:      now,
		PeriodEnd:        period.Next(now, period.AnchorDay(now)),
		SimulationsUsed:  0,
		SimulationsTotal: models.SimulationsLimit(models.TierFree),
	}
	if err := s.repo.CreateQuota(ctx, quota); err != nil {
		return nil, err
	}
	// Перечитываем: при гонке инициализаций вставилась чужая запись.
	return s.repo.GetQuota(ctx, username)
}

func (s *Service) invalidateStatus(username string) {
	if err := s.cache.Invalidate(cacheKey(username)); err != nil {
		s.log.Warn("quota status cache invalidation failed", sl.Err(err))
	}
}
