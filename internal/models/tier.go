package models

// Tier описывает тарифный план подписки.
type Tier string

// Закрытое множество тарифов платформы.
const (
	TierFree    Tier = "free"
	TierBasis   Tier = "basis"
	TierPremium Tier = "premium"
)

// tierLimits задаёт количество симуляций за расчётный период по тарифам.
var tierLimits = map[Tier]int{
	TierFree:    3,
	TierBasis:   20,
	TierPremium: 50,
}

// ParseTier приводит идентификатор варианта/тарифа провайдера к Tier.
// Неизвестный тариф трактуется как free.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierBasis, TierPremium:
		return Tier(s)
	}
	return TierFree
}

// SimulationsLimit возвращает лимит симуляций для тарифа.
// Неизвестные тарифы получают лимит free.
func SimulationsLimit(tier Tier) int {
	if limit, ok := tierLimits[tier]; ok {
		return limit
	}
	return tierLimits[TierFree]
}

// EffectiveLimit возвращает лимит симуляций, который должен действовать
// со следующего сброса: для неактивной подписки тариф понижается до free,
// уже выданный на текущий период лимит при этом не отзывается.
func EffectiveLimit(tier Tier, status SubscriptionStatus) int {
	if status != StatusActive {
		return tierLimits[TierFree]
	}
	return SimulationsLimit(tier)
}
