package notify

import (
	"time"

	"github.com/warp/promo-engine/promo"
)

const shopLink = `<a href="http://plummy.ru/?utm_source=telegram&utm_medium=social&utm_campaign=bot">Plummy.ru</a>`

// FeedbackMessage is sent once after an unused code expires.
const FeedbackMessage = "Мы видим, что вы не воспользовались промокодом.\n" +
	"Пожалуйста, дайте обратную связь, почему вы не сделали у нас заказ и мы постараемся стать лучше."

// testBanner prefixes operator test sends.
const testBanner = "🧪 <b>ТЕСТОВОЕ УВЕДОМЛЕНИЕ</b> (за %d дн.)\n\n"

// Threshold is one expiry reminder.
type Threshold struct {
	Stage      promo.Stage
	DaysBefore int
	Message    string
}

// DueAt returns when the reminder becomes due for a code expiring at expiresAt.
func (t Threshold) DueAt(expiresAt time.Time) time.Time {
	return expiresAt.AddDate(0, 0, -t.DaysBefore)
}

// Due reports whether the reminder is due at now.
func (t Threshold) Due(expiresAt, now time.Time) bool {
	return !now.Before(t.DueAt(expiresAt))
}

// DefaultThresholds returns the reminders in evaluation order, largest offset first.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			Stage:      promo.Stage5Days,
			DaysBefore: 5,
			Message:    "Ваш промокод истечет через 5 дней\nУспейте заказать без комиссии!\n" + shopLink,
		},
		{
			Stage:      promo.Stage3Days,
			DaysBefore: 3,
			Message:    "По промокоду мы гарантируем САМЫЕ НИЗКИЕ цены на оригинальные вещи.",
		},
		{
			Stage:      promo.Stage1Day,
			DaysBefore: 1,
			Message:    "Ваш промокод истечет через 24 часа\nНе упустите свой шанс!\n" + shopLink,
		},
	}
}

// findThreshold looks a threshold up by its day offset.
func findThreshold(thresholds []Threshold, days int) (Threshold, bool) {
	for _, t := range thresholds {
		if t.DaysBefore == days {
			return t, true
		}
	}
	return Threshold{}, false
}
