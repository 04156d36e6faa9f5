package models

import (
	"fmt"
	"time"

	"fundingarb/pkg/utils"
)

// Symbol - пара инструментов одного актива: спот и перпетуал
type Symbol struct {
	Base  string `json:"base"`  // BTC
	Quote string `json:"quote"` // USDT
	Spot  string `json:"spot"`  // имя спотового инструмента на бирже
	Perp  string `json:"perp"`  // имя перпетуала на бирже
}

// NewSymbol собирает Symbol из имени перпетуала (BTCUSDT)
// Возвращает ошибку если базу/котировку извлечь не удалось
func NewSymbol(perpSymbol string) (Symbol, error) {
	normalized := utils.NormalizeSymbol(perpSymbol)
	if err := utils.ValidateSymbol(normalized); err != nil {
		return Symbol{}, err
	}

	base := utils.ExtractBaseCurrency(normalized)
	quote := utils.ExtractQuoteCurrency(normalized)
	if quote == "" {
		return Symbol{}, fmt.Errorf("cannot determine quote currency of %q", perpSymbol)
	}

	return Symbol{
		Base:  base,
		Quote: quote,
		Spot:  normalized,
		Perp:  normalized,
	}, nil
}

// Key возвращает каноничное имя символа (ключ реестра позиций)
func (s Symbol) Key() string {
	return s.Base + s.Quote
}

// MarketSnapshot - рыночные данные одного символа на момент опроса
type MarketSnapshot struct {
	Symbol          Symbol    `json:"symbol"`
	FundingRate     float64   `json:"funding_rate"`      // за интервал, доли
	NextFundingTime time.Time `json:"next_funding_time"` // UTC
	SpotPrice       float64   `json:"spot_price"`
	PerpPrice       float64   `json:"perp_price"`
	Volume24h       float64   `json:"volume_24h"` // в валюте котировки
	ObservedAt      time.Time `json:"observed_at"`
}

// Spread возвращает базис перпа к споту в долях (знак сохраняется)
func (m MarketSnapshot) Spread() float64 {
	return utils.CalculateSpread(m.PerpPrice, m.SpotPrice)
}

// TargetCandidate - символ, прошедший фильтры сканера
type TargetCandidate struct {
	Symbol      Symbol  `json:"symbol"`
	FundingRate float64 `json:"funding_rate"`
	Volume24h   float64 `json:"volume_24h"`
	Spread      float64 `json:"spread"`
	SpotPrice   float64 `json:"spot_price"`
	PerpPrice   float64 `json:"perp_price"`
}

// AccountState - сводное состояние счёта на бирже
type AccountState struct {
	Equity           float64   `json:"equity"`             // общая стоимость счёта, USDT
	SpotAvailable    float64   `json:"spot_available"`     // свободный квот на споте
	PerpAvailable    float64   `json:"perp_available"`     // свободная маржа на деривативах
	MarginUsed       float64   `json:"margin_used"`        // занятая маржа
	UnrealizedPNL    float64   `json:"unrealized_pnl"`     // нереализованный PNL перпов
	ObservedAt       time.Time `json:"observed_at"`
}

// MarginUsage возвращает долю занятой маржи от стоимости счёта
// При нулевом equity возвращает 0 (пустой счёт не бывает перегружен)
func (a AccountState) MarginUsage() float64 {
	if a.Equity <= 0 {
		return 0
	}
	return a.MarginUsed / a.Equity
}

// Исходы атомарного входа/выхода
const (
	OutcomeFilled             = "FILLED"              // обе ноги исполнены
	OutcomeAborted            = "ABORTED"             // обе ноги отклонены до размещения
	OutcomeRecovered          = "RECOVERED"           // одна нога исполнена и развёрнута
	OutcomeManualIntervention = "MANUAL_INTERVENTION" // состояние неизвестно, нужен оператор
)

// ExecutionOutcome - результат атомарной двухногой операции
type ExecutionOutcome struct {
	Outcome      string          `json:"outcome"`
	Position     *ActivePosition `json:"position,omitempty"` // только при FILLED на входе
	SpotFilled   float64         `json:"spot_filled"`
	SpotAvgPrice float64         `json:"spot_avg_price"`
	PerpFilled   float64         `json:"perp_filled"`
	PerpAvgPrice float64         `json:"perp_avg_price"`
	Fees         float64         `json:"fees"`
	Err          error           `json:"-"`
}
