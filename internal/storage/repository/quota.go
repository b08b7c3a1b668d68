package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/magabrotheeeer/simulation-quota/internal/models"
)

// CreateQuota вставляет запись квоты пользователя. Повторная попытка
// (две конкурирующие инициализации) не является ошибкой: побеждает первая
// вставка, остальные игнорируются.
func (s *Storage) CreateQuota(ctx context.Context, quota models.Quota) error {
	const op = "storage.CreateQuota"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO quotas (username, period_start, period_end,
			      simulations_used, simulations_total)
			  VALUES ($1, $2, $3, $4, $5)
			  ON CONFLICT (username) DO NOTHING`
	_, err := s.DB.ExecContext(ctx, query,
		quota.Username, quota.PeriodStart, quota.PeriodEnd,
		quota.SimulationsUsed, quota.SimulationsTotal)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetQuota возвращает запись квоты пользователя.
func (s *Storage) GetQuota(ctx context.Context, username string) (*models.Quota, error) {
	const op = "storage.GetQuota"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT username, period_start, period_end, simulations_used,
			      simulations_total, updated_at
			  FROM quotas
			  WHERE username = $1`
	row := s.DB.QueryRowContext(ctx, query, username)

	var result models.Quota
	if err := row.Scan(&result.Username, &result.PeriodStart, &result.PeriodEnd,
		&result.SimulationsUsed, &result.SimulationsTotal, &result.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &result, nil
}

// ResetQuota сбрасывает счётчик и продвигает границы периода одним условным
// UPDATE: запись меняется только если period_end совпадает с прочитанным
// ранее значением. Из двух конкурирующих сбросов применяется ровно один,
// проигравший получает 0 изменённых строк и должен перечитать запись.
func (s *Storage) ResetQuota(ctx context.Context, username string,
	newStart, newEnd time.Time, newTotal int, expectedPeriodEnd time.Time) (int, error) {
	const op = "storage.ResetQuota"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE quotas
			  SET simulations_used = 0, period_start = $1, period_end = $2,
			      simulations_total = $3, updated_at = now()
			  WHERE username = $4 AND period_end = $5`
	result, err := s.DB.ExecContext(ctx, query,
		newStart, newEnd, newTotal, username, expectedPeriodEnd)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}

// ConsumeSimulation атомарно резервирует одну симуляцию: проверка лимита и
// инкремент выполняются одним условным UPDATE, а не отдельными запросами.
// Условие period_end > now отсекает потребление из уже истёкшего периода.
// Возвращает обновлённую запись и признак успеха; (nil, false) означает
// исчерпанный лимит либо истёкший период — решает вызывающая сторона.
func (s *Storage) ConsumeSimulation(ctx context.Context, username string, now time.Time) (*models.Quota, bool, error) {
	const op = "storage.ConsumeSimulation"
	select {
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE quotas
			  SET simulations_used = simulations_used + 1, updated_at = now()
			  WHERE username = $1
			    AND simulations_used < simulations_total
			    AND period_end > $2
			  RETURNING username, period_start, period_end, simulations_used,
			      simulations_total, updated_at`
	row := s.DB.QueryRowContext(ctx, query, username, now)

	var result models.Quota
	err := row.Scan(&result.Username, &result.PeriodStart, &result.PeriodEnd,
		&result.SimulationsUsed, &result.SimulationsTotal, &result.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	return &result, true, nil
}

// SetQuotaPeriod корректирует границы периода, не трогая счётчик потребления.
// Это путь ремонта для синхронизации: исправление дрейфа не является
// продлением и не даёт пользователю новый лимит. Обновление условное —
// по updated_at, как и для подписки.
func (s *Storage) SetQuotaPeriod(ctx context.Context, username string,
	newStart, newEnd time.Time, expectedUpdatedAt time.Time) (int, error) {
	const op = "storage.SetQuotaPeriod"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE quotas
			  SET period_start = $1, period_end = $2, updated_at = now()
			  WHERE username = $3 AND updated_at = $4`
	result, err := s.DB.ExecContext(ctx, query, newStart, newEnd, username, expectedUpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(rowsAffected), nil
}
