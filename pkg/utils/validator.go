package utils

import (
	"errors"
	"fmt"
	"strings"
)

// validator.go - валидация входных данных
//
// Назначение:
// Проверка корректности символов, ключей и параметров до того,
// как они попадут в торговый контур. Ошибки валидации не
// retry'ятся, поэтому ловим их на границе.

// Ошибки валидации
var (
	ErrInvalidSymbol   = errors.New("invalid symbol format")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrInvalidExchange = errors.New("unsupported exchange")
)

// SupportedExchanges - биржи с реализованным гейтвеем
var SupportedExchanges = []string{"bybit", "binance"}

// knownQuotes - валюты котировки в порядке проверки суффикса
var knownQuotes = []string{"USDT", "USDC", "BUSD", "BTC", "ETH"}

// ValidateSymbol проверяет формат торгового символа
//
// Допускаются буквы, цифры и разделители -_/ (нормализуются).
// Длина после нормализации: 2-30 символов.
func ValidateSymbol(symbol string) error {
	normalized := NormalizeSymbol(symbol)

	if len(normalized) < 2 || len(normalized) > 30 {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	for _, r := range normalized {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("%w: %q contains invalid character %q", ErrInvalidSymbol, symbol, r)
		}
	}

	return nil
}

// IsValidSymbol - bool-вариант ValidateSymbol
func IsValidSymbol(symbol string) bool {
	return ValidateSymbol(symbol) == nil
}

// NormalizeSymbol приводит символ к каноничному виду: BTCUSDT
//
// Убирает разделители -_/ и переводит в верхний регистр.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("-", "", "_", "", "/", "").Replace(s)
	return s
}

// ExtractBaseCurrency извлекает базовую валюту из символа
//
// Примеры:
//   - BTCUSDT -> BTC
//   - ETH_BTC -> ETH
//
// Если котировка не распознана, возвращает символ целиком.
func ExtractBaseCurrency(symbol string) string {
	s := NormalizeSymbol(symbol)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}

// ExtractQuoteCurrency извлекает валюту котировки из символа
//
// Если котировка не распознана, возвращает пустую строку.
func ExtractQuoteCurrency(symbol string) string {
	s := NormalizeSymbol(symbol)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return quote
		}
	}
	return ""
}

// ValidateAPIKey базовая проверка API ключа
//
// Минимум 16 символов: буквы, цифры, дефисы, подчёркивания.
func ValidateAPIKey(apiKey string) error {
	if len(apiKey) < 16 {
		return fmt.Errorf("%w: too short", ErrInvalidAPIKey)
	}

	for _, r := range apiKey {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			return fmt.Errorf("%w: invalid character", ErrInvalidAPIKey)
		}
	}

	return nil
}

// IsValidAPIKey - bool-вариант ValidateAPIKey
func IsValidAPIKey(apiKey string) bool {
	return ValidateAPIKey(apiKey) == nil
}

// ValidateAPISecret базовая проверка API секрета
// Секреты бывают с любыми символами, проверяем только длину
func ValidateAPISecret(secret string) error {
	if len(secret) < 16 {
		return fmt.Errorf("%w: secret too short", ErrInvalidAPIKey)
	}
	return nil
}

// ValidateExchange проверяет что биржа поддерживается
func ValidateExchange(exchange string) error {
	normalized := NormalizeExchange(exchange)
	for _, e := range SupportedExchanges {
		if normalized == e {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (supported: %s)", ErrInvalidExchange, exchange, strings.Join(SupportedExchanges, ", "))
}

// IsValidExchange - bool-вариант ValidateExchange
func IsValidExchange(exchange string) bool {
	return ValidateExchange(exchange) == nil
}

// NormalizeExchange приводит имя биржи к каноничному виду
func NormalizeExchange(exchange string) string {
	return strings.ToLower(strings.TrimSpace(exchange))
}

// GetSupportedExchanges возвращает копию списка поддерживаемых бирж
func GetSupportedExchanges() []string {
	result := make([]string, len(SupportedExchanges))
	copy(result, SupportedExchanges)
	return result
}

// ============================================================
// Аккумулятор ошибок валидации
// ============================================================

// ValidationError - одна ошибка валидации с привязкой к полю
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors - набор ошибок валидации
type ValidationErrors []ValidationError

// Add добавляет ошибку по полю
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку если она не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err == nil {
		return
	}
	v.Add(field, err.Error())
}

// HasErrors возвращает true если есть хотя бы одна ошибка
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
