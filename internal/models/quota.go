package models

import "time"

// Quota представляет счётчик потребления симуляций пользователя
// за текущий расчётный период. Границы периода [PeriodStart, PeriodEnd)
// привязаны к дате продления подписки, а не к календарному месяцу.
// Поле UpdatedAt служит токеном оптимистичной блокировки при сбросе.
type Quota struct {
	Username         string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	SimulationsUsed  int
	SimulationsTotal int
	UpdatedAt        time.Time
}

// Remaining возвращает количество оставшихся симуляций в периоде.
func (q *Quota) Remaining() int {
	remaining := q.SimulationsTotal - q.SimulationsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpired сообщает, истёк ли текущий период на момент now.
func (q *Quota) IsExpired(now time.Time) bool {
	return !now.Before(q.PeriodEnd)
}

// QuotaStatus — ответ API проверки квоты для мобильного приложения.
type QuotaStatus struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	PeriodEnd time.Time `json:"period_end"`
}
