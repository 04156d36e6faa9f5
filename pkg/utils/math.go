package utils

import (
	"math"
)

// math.go - математические утилиты для carry-трейда (спот + перпетуал)
//
// Назначение:
// Вспомогательные функции для торговых расчётов.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - FloorToStep / CeilToStep: приведение объёма к шагу биржи
// - ConformsToStep: проверка кратности объёма шагу
// - CalculateSpread: базис перпетуала к споту в долях
// - CalculateWeightedAverage: средневзвешенная цена (VWAP)
// - CalculatePNL / CalculateCarryPNL: прибыль/убыток по ногам
// - EstimateFundingPayment: оценка разового funding-платежа

// stepEpsilon - допуск при проверке кратности шагу
// Объёмы приходят из float64-арифметики, точного равенства не бывает
const stepEpsilon = 1e-9

// FloorToStep округляет значение ВНИЗ до ближайшего кратного step.
//
// Используется для приведения объёма ордера к шагу инструмента.
// Округление вниз гарантирует, что мы не превысим доступные средства.
//
// Примеры:
//   - FloorToStep(0.123456, 0.001) = 0.123
//   - FloorToStep(1.999, 0.01) = 1.99
//   - FloorToStep(100.5, 1.0) = 100.0
//
// Если step <= 0, возвращает исходное значение.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// Floor, а не Round: вниз безопаснее для торговли
	return math.Floor(value/step+stepEpsilon) * step
}

// CeilToStep округляет значение ВВЕРХ до ближайшего кратного step.
//
// Используется когда нужно гарантировать минимальный объём (minQty).
func CeilToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Ceil(value/step-stepEpsilon) * step
}

// ConformsToStep проверяет что объём кратен шагу инструмента.
//
// Некратный объём биржа отвергнет, поэтому проверяем до отправки.
// Сравнение с допуском stepEpsilon из-за float64-арифметики.
func ConformsToStep(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) < stepEpsilon*math.Max(1, math.Abs(ratio))
}

// CalculateSpread расчитывает базис перпетуала к споту в долях.
//
// Формула:
//
//	spread = (P_perp - P_spot) / P_spot
//
// Знак сохраняется: положительный спред = контанго (перп дороже спота),
// отрицательный = бэквордация.
//
// Параметры:
//   - perpPrice: цена перпетуала
//   - spotPrice: цена спота
//
// Возвращает:
//   - Спред в долях (0.002 = 0.2%)
//   - Если spotPrice <= 0, возвращает 0
//
// Примеры:
//   - CalculateSpread(100.2, 100.0) = 0.002
//   - CalculateSpread(99.0, 100.0) = -0.01
func CalculateSpread(perpPrice, spotPrice float64) float64 {
	if spotPrice <= 0 {
		return 0
	}
	return (perpPrice - spotPrice) / spotPrice
}

// CalculateWeightedAverage вычисляет средневзвешенное значение (VWAP).
//
// Используется для расчёта средней цены исполнения по частичным филлам.
//
// Формула:
//
//	VWAP = Σ(price_i × volume_i) / Σ(volume_i)
//
// Возвращает 0 если входные данные некорректны.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(weights) == 0 {
		return 0
	}
	if len(values) != len(weights) {
		return 0
	}

	var sumWeighted, sumWeights float64
	for i := range values {
		if weights[i] < 0 {
			continue // Пропускаем отрицательные веса
		}
		sumWeighted += values[i] * weights[i]
		sumWeights += weights[i]
	}

	if sumWeights == 0 {
		return 0
	}
	return sumWeighted / sumWeights
}

// CalculatePNL расчитывает прибыль/убыток по одной ноге.
//
// Формулы:
//   - Long PNL = (P_close - P_open) × qty
//   - Short PNL = (P_open - P_close) × qty
//
// Параметры:
//   - side: "long" или "short"
//   - entryPrice: цена входа
//   - currentPrice: текущая/выходная цена
//   - quantity: объём позиции
//
// Возвращает:
//   - PNL в валюте котировки (обычно USDT)
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		// Лонг: прибыль если цена выросла
		return (currentPrice - entryPrice) * quantity
	case "short":
		// Шорт: прибыль если цена упала
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// CalculateCarryPNL расчитывает суммарный ценовой PNL carry-позиции
// (лонг спот + шорт перп). Funding-доход считается отдельно.
//
// Параметры:
//   - spotEntry, spotCurrent: цены спотовой ноги
//   - perpEntry, perpCurrent: цены перповой ноги
//   - spotQty, perpQty: объёмы ног (могут слегка отличаться после trim)
func CalculateCarryPNL(spotEntry, spotCurrent, perpEntry, perpCurrent, spotQty, perpQty float64) float64 {
	spotPNL := CalculatePNL("long", spotEntry, spotCurrent, spotQty)
	perpPNL := CalculatePNL("short", perpEntry, perpCurrent, perpQty)
	return spotPNL + perpPNL
}

// EstimateFundingPayment оценивает один funding-платёж по шорту перпа.
//
// Шорт при положительной ставке ПОЛУЧАЕТ funding:
//
//	payment = rate × markPrice × qty
//
// Параметры:
//   - rate: ставка финансирования за интервал (доля, 0.0003 = 0.03%)
//   - markPrice: марк-цена перпетуала
//   - qty: объём шорта в монетах
func EstimateFundingPayment(rate, markPrice, qty float64) float64 {
	if markPrice <= 0 || qty <= 0 {
		return 0
	}
	return rate * markPrice * qty
}

// Abs возвращает абсолютное значение числа.
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
