package telemetry

import "time"

// events.go - типизированные события для внешнего наблюдателя
//
// Три вида событий:
//   - trade: вход/выход carry-позиции;
//   - wallet: сводка по счёту после ребалансировки или перевода;
//   - guardian: сработавший триггер выхода.

// EventKind определяет вид события
type EventKind string

const (
	EventKindTrade    EventKind = "trade"
	EventKindWallet   EventKind = "wallet"
	EventKindGuardian EventKind = "guardian"
)

// Действия trade-события
const (
	TradeActionEntry = "entry"
	TradeActionExit  = "exit"
)

// Типы выхода
const (
	ExitTypeFull      = "full"
	ExitTypeRebalance = "rebalance"
)

// Триггеры guardian-события
const (
	TriggerExitNegativeFR    = "trigger_exit_negative_fr"
	TriggerExitBackwardation = "trigger_exit_backwardation"
)

// BaseEvent - общая часть всех событий
type BaseEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeEvent - вход или выход позиции
type TradeEvent struct {
	BaseEvent
	Action        string  `json:"action"` // entry | exit
	Symbol        string  `json:"symbol"`
	EntryPrice    float64 `json:"entry_price"` // volume-weighted по обеим ногам
	Size          float64 `json:"size"`
	NotionalQuote float64 `json:"notional_quote"`
	ExitType      string  `json:"exit_type,omitempty"` // full | rebalance
}

// WalletEvent - сводка по счёту
type WalletEvent struct {
	BaseEvent
	Withdrawable   float64 `json:"withdrawable"`
	MarginUsed     float64 `json:"margin_used"`
	MarginUsagePct float64 `json:"margin_usage_pct"`
	AccountValue   float64 `json:"account_value"`
}

// GuardianEvent - сработавший триггер выхода
type GuardianEvent struct {
	BaseEvent
	Trigger               string  `json:"trigger"`
	Symbol                string  `json:"symbol"`
	ConsecutiveNegativeFR int     `json:"consecutive_negative_fr,omitempty"`
	Spread                float64 `json:"spread,omitempty"`
}

// ============ Фабричные функции для создания событий ============

// NewEntryTrade создаёт событие входа
func NewEntryTrade(symbol string, entryPrice, size, notional float64) TradeEvent {
	return TradeEvent{
		BaseEvent:     BaseEvent{Kind: EventKindTrade, Timestamp: time.Now().UTC()},
		Action:        TradeActionEntry,
		Symbol:        symbol,
		EntryPrice:    entryPrice,
		Size:          size,
		NotionalQuote: notional,
	}
}

// NewExitTrade создаёт событие выхода
func NewExitTrade(symbol string, entryPrice, size, notional float64, exitType string) TradeEvent {
	return TradeEvent{
		BaseEvent:     BaseEvent{Kind: EventKindTrade, Timestamp: time.Now().UTC()},
		Action:        TradeActionExit,
		Symbol:        symbol,
		EntryPrice:    entryPrice,
		Size:          size,
		NotionalQuote: notional,
		ExitType:      exitType,
	}
}

// NewWallet создаёт сводку по счёту
func NewWallet(withdrawable, marginUsed, usagePct, accountValue float64) WalletEvent {
	return WalletEvent{
		BaseEvent:      BaseEvent{Kind: EventKindWallet, Timestamp: time.Now().UTC()},
		Withdrawable:   withdrawable,
		MarginUsed:     marginUsed,
		MarginUsagePct: usagePct,
		AccountValue:   accountValue,
	}
}

// NewGuardianTrigger создаёт событие триггера выхода
func NewGuardianTrigger(trigger, symbol string, consecutiveNegFR int, spread float64) GuardianEvent {
	return GuardianEvent{
		BaseEvent:             BaseEvent{Kind: EventKindGuardian, Timestamp: time.Now().UTC()},
		Trigger:               trigger,
		Symbol:                symbol,
		ConsecutiveNegativeFR: consecutiveNegFR,
		Spread:                spread,
	}
}

// Sink принимает события демона
//
// Hub вещает их websocket-подписчикам; в тестах используется CaptureSink.
type Sink interface {
	Trade(TradeEvent)
	Wallet(WalletEvent)
	Guardian(GuardianEvent)
}

// NopSink молча отбрасывает события
type NopSink struct{}

func (NopSink) Trade(TradeEvent)       {}
func (NopSink) Wallet(WalletEvent)     {}
func (NopSink) Guardian(GuardianEvent) {}
