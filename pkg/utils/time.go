package utils

import (
	"time"
)

// time.go - утилиты для работы со временем
//
// Назначение:
// Расписание funding-выплат перпетуалов и вспомогательные функции
// для timestamp'ов бирж (миллисекунды Unix).
//
// Funding у большинства бирж начисляется каждые 8 часов в
// 00:00, 08:00 и 16:00 UTC. Интервал конкретного инструмента
// может отличаться, тогда он приходит из API биржи.

// FundingInterval - стандартный интервал начисления funding
const FundingInterval = 8 * time.Hour

// ============================================================
// Расписание funding
// ============================================================

// NextFundingTime возвращает ближайший момент начисления funding
// строго ПОСЛЕ указанного времени (00:00 / 08:00 / 16:00 UTC)
//
// Пример:
//
//	// t: 2024-01-15 14:30:45 UTC
//	next := NextFundingTime(t)
//	// next: 2024-01-15 16:00:00 UTC
func NextFundingTime(t time.Time) time.Time {
	t = t.UTC()
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		candidate := dayStart.Add(time.Duration(i) * FundingInterval)
		if candidate.After(t) {
			return candidate
		}
	}
	// Не достижимо: 24:00 всегда после t
	return dayStart.Add(24 * time.Hour)
}

// PrevFundingTime возвращает последний момент начисления funding
// НЕ ПОЗЖЕ указанного времени
func PrevFundingTime(t time.Time) time.Time {
	t = t.UTC()
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	for i := 2; i >= 0; i-- {
		candidate := dayStart.Add(time.Duration(i) * FundingInterval)
		if !candidate.After(t) {
			return candidate
		}
	}
	return dayStart
}

// TimeUntilFunding возвращает время до ближайшего начисления funding
func TimeUntilFunding(t time.Time) time.Duration {
	return NextFundingTime(t).Sub(t.UTC())
}

// FundingPeriodsBetween считает количество funding-выплат
// в интервале (from, to]
//
// Используется для начисления накопленного дохода по позиции:
// каждая пересечённая отметка 00:00/08:00/16:00 UTC = одна выплата.
func FundingPeriodsBetween(from, to time.Time) int {
	from = from.UTC()
	to = to.UTC()
	if !to.After(from) {
		return 0
	}

	count := 0
	for t := NextFundingTime(from); !t.After(to); t = t.Add(FundingInterval) {
		count++
	}
	return count
}

// ============================================================
// Свежесть данных
// ============================================================

// IsStale проверяет что данные устарели
//
// Параметры:
//   - ts: время получения данных
//   - maxAge: допустимый возраст
//   - now: текущее время (передаётся явно для тестируемости)
func IsStale(ts time.Time, maxAge time.Duration, now time.Time) bool {
	if ts.IsZero() {
		return true
	}
	return now.Sub(ts) > maxAge
}

// ============================================================
// Утилиты для timestamp
// ============================================================

// UnixMillis возвращает текущее время в миллисекундах Unix
// Биржевые API принимают timestamp именно в таком виде
func UnixMillis() int64 {
	return time.Now().UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ============================================================
// Форматирование времени
// ============================================================

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		if hours > 0 {
			return (time.Duration(days*24+hours) * time.Hour).String()
		}
		return (time.Duration(days*24) * time.Hour).String()
	}

	if hours > 0 {
		if minutes > 0 {
			return (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute).String()
		}
		return (time.Duration(hours) * time.Hour).String()
	}

	if minutes > 0 {
		if seconds > 0 {
			return (time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second).String()
		}
		return (time.Duration(minutes) * time.Minute).String()
	}

	return (time.Duration(seconds) * time.Second).String()
}
