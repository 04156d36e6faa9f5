package utils

import (
	"math"
	"testing"
)

// ============================================================
// Тесты округления к шагу
// ============================================================

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		step     float64
		expected float64
	}{
		// Базовые кейсы
		{"exact match", 0.123, 0.001, 0.123},
		{"round down", 0.123456, 0.001, 0.123},
		{"round down 2", 1.999, 0.01, 1.99},
		{"whole numbers", 100.5, 1.0, 100.0},

		// Граничные случаи
		{"zero value", 0, 0.001, 0},
		{"zero step", 0.123, 0, 0.123},
		{"negative step", 0.123, -0.001, 0.123},
		{"value smaller than step", 0.0004, 0.001, 0.0},

		// BTC примеры
		{"BTC step 0.001", 0.5, 0.001, 0.5},
		{"BTC step 0.001 round", 0.1234, 0.001, 0.123},

		// Большие числа
		{"large number", 12345.6789, 0.01, 12345.67},
		{"very large", 1000000.999, 1.0, 1000000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FloorToStep(tt.value, tt.step)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("FloorToStep(%v, %v) = %v, want %v", tt.value, tt.step, got, tt.expected)
			}
		})
	}
}

func TestCeilToStep(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		step     float64
		expected float64
	}{
		{"rounds up", 0.1231, 0.001, 0.124},
		{"exact multiple stays", 0.123, 0.001, 0.123},
		{"zero step returns value", 1.5, 0, 1.5},
		{"min qty guarantee", 0.0004, 0.001, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CeilToStep(tt.value, tt.step)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("CeilToStep(%v, %v) = %v, want %v", tt.value, tt.step, got, tt.expected)
			}
		})
	}
}

func TestConformsToStep(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		step     float64
		expected bool
	}{
		{"exact multiple", 0.123, 0.001, true},
		{"floored value conforms", FloorToStep(0.123456, 0.001), 0.001, true},
		{"not a multiple", 0.1234, 0.001, false},
		{"half step off", 0.1235, 0.001, false},
		{"zero step always conforms", 0.1234, 0, true},
		{"whole numbers", 17, 1, true},
		{"large qty small step", 12345.678, 0.001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConformsToStep(tt.value, tt.step)
			if got != tt.expected {
				t.Errorf("ConformsToStep(%v, %v) = %v, want %v", tt.value, tt.step, got, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты расчёта спреда
// ============================================================

func TestCalculateSpread(t *testing.T) {
	tests := []struct {
		name      string
		perpPrice float64
		spotPrice float64
		expected  float64
	}{
		{"contango", 100.2, 100.0, 0.002},
		{"backwardation keeps sign", 99.0, 100.0, -0.01},
		{"flat", 100.0, 100.0, 0.0},
		{"zero spot price", 100.0, 0, 0.0},
		{"negative spot price", 100.0, -1, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateSpread(tt.perpPrice, tt.spotPrice)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("CalculateSpread(%v, %v) = %v, want %v", tt.perpPrice, tt.spotPrice, got, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты VWAP
// ============================================================

func TestCalculateWeightedAverage(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		weights  []float64
		expected float64
	}{
		{
			name:     "three levels",
			values:   []float64{100.0, 101.0, 102.0},
			weights:  []float64{10.0, 20.0, 10.0},
			expected: 101.0,
		},
		{
			name:     "single fill",
			values:   []float64{25000.5},
			weights:  []float64{0.4},
			expected: 25000.5,
		},
		{
			name:     "empty input",
			values:   nil,
			weights:  nil,
			expected: 0,
		},
		{
			name:     "length mismatch",
			values:   []float64{1, 2},
			weights:  []float64{1},
			expected: 0,
		},
		{
			name:     "negative weights skipped",
			values:   []float64{100.0, 200.0},
			weights:  []float64{10.0, -5.0},
			expected: 100.0,
		},
		{
			name:     "all zero weights",
			values:   []float64{100.0},
			weights:  []float64{0.0},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateWeightedAverage(tt.values, tt.weights)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("CalculateWeightedAverage = %v, want %v", got, tt.expected)
			}
		})
	}
}

// ============================================================
// Тесты PNL
// ============================================================

func TestCalculatePNL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		current  float64
		qty      float64
		expected float64
	}{
		{"long profit", "long", 100.0, 110.0, 2.0, 20.0},
		{"long loss", "long", 100.0, 95.0, 1.0, -5.0},
		{"short profit", "short", 100.0, 90.0, 1.0, 10.0},
		{"short loss", "short", 100.0, 105.0, 2.0, -10.0},
		{"unknown side", "hedge", 100.0, 110.0, 1.0, 0},
		{"zero qty", "long", 100.0, 110.0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculatePNL(tt.side, tt.entry, tt.current, tt.qty)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("CalculatePNL = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCalculateCarryPNL(t *testing.T) {
	// Дельта-нейтральная позиция: ценовые PNL ног компенсируются
	got := CalculateCarryPNL(100.0, 110.0, 100.2, 110.2, 1.0, 1.0)
	// Лонг спот: +10, шорт перп: -10 -> суммарно 0
	if math.Abs(got-0.0) > 1e-9 {
		t.Errorf("CalculateCarryPNL delta-neutral = %v, want 0", got)
	}

	// Схлопывание базиса даёт прибыль
	got = CalculateCarryPNL(100.0, 100.0, 100.2, 100.0, 1.0, 1.0)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("CalculateCarryPNL basis convergence = %v, want 0.2", got)
	}
}

func TestEstimateFundingPayment(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		mark     float64
		qty      float64
		expected float64
	}{
		{"typical positive rate", 0.0003, 25000.0, 0.4, 3.0},
		{"negative rate costs money", -0.0001, 25000.0, 0.4, -1.0},
		{"zero qty", 0.0003, 25000.0, 0, 0},
		{"zero price", 0.0003, 0, 1.0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateFundingPayment(tt.rate, tt.mark, tt.qty)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("EstimateFundingPayment = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		min      float64
		max      float64
		expected float64
	}{
		{"within range", 5, 0, 10, 5},
		{"below min", -1, 0, 10, 0},
		{"above max", 11, 0, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clamp(tt.value, tt.min, tt.max)
			if got != tt.expected {
				t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.value, tt.min, tt.max, got, tt.expected)
			}
		})
	}
}
