package exchange

import (
	"fmt"
	"strings"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"bybit",
	"binance",
}

// NewExchange создаёт экземпляр биржи по имени
func NewExchange(name string) (Exchange, error) {
	switch strings.ToLower(name) {
	case "bybit":
		return NewBybit(), nil
	case "binance":
		return NewBinance(), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
