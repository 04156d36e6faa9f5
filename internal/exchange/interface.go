package exchange

import (
	"context"
	"time"

	"fundingarb/internal/models"
)

// Venue - торговая площадка внутри одной биржи
type Venue string

const (
	VenueSpot Venue = "spot" // спотовый рынок
	VenuePerp Venue = "perp" // бессрочные фьючерсы (linear, USDT-margined)
)

// Wallet - кошелёк для внутренних переводов
type Wallet string

const (
	WalletSpot        Wallet = "spot"
	WalletDerivatives Wallet = "derivatives"
)

// Side constants for orders
const (
	SideBuy  = "buy"  // покупка (вход в лонг спот / выход из шорта)
	SideSell = "sell" // продажа (вход в шорт перп / выход из лонга)
)

// Order status constants
const (
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Exchange определяет унифицированный интерфейс биржи
//
// Реализации (Bybit, Binance) возвращают сырые данные как есть.
// Rate limiting, ретраи и таймауты живут уровнем выше, в Gateway:
// реализация не должна молча повторять запросы на запись.
type Exchange interface {
	// Connect проверяет ключи и устанавливает соединение
	Connect(apiKey, secret string) error

	// GetName возвращает имя биржи ("bybit", "binance")
	GetName() string

	// ListPerpInstruments возвращает имена торгуемых USDT-перпетуалов
	ListPerpInstruments(ctx context.Context) ([]string, error)

	// GetFundingRate возвращает текущую ставку финансирования перпетуала
	GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// GetTicker возвращает цены и 24h объём инструмента на площадке
	GetTicker(ctx context.Context, venue Venue, symbol string) (*Ticker, error)

	// GetInstrumentRules возвращает торговые ограничения инструмента
	GetInstrumentRules(ctx context.Context, venue Venue, symbol string) (*InstrumentRules, error)

	// PlaceMarketOrder размещает рыночный ордер c клиентским id
	// clientOrderID обязателен: только он позволяет сверить судьбу
	// ордера когда ответ биржи потерян
	PlaceMarketOrder(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error)

	// GetOrderByClientID ищет ордер по клиентскому id
	// Возвращает ErrOrderNotFound если биржа ордер не знает
	GetOrderByClientID(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error)

	// GetAccountState возвращает сводное состояние счёта
	GetAccountState(ctx context.Context) (*models.AccountState, error)

	// GetPerpPosition возвращает позицию по перпетуалу (nil если позиции нет)
	GetPerpPosition(ctx context.Context, symbol string) (*PerpPosition, error)

	// GetSpotBalance возвращает свободный остаток актива на споте
	GetSpotBalance(ctx context.Context, asset string) (float64, error)

	// Transfer переводит средства между кошельками внутри биржи
	Transfer(ctx context.Context, from, to Wallet, asset string, amount float64) error

	// SubscribeTicker подписывается на обновления цен через WebSocket
	SubscribeTicker(venue Venue, symbol string, callback func(*Ticker)) error

	// Close закрывает соединения с биржей
	Close() error
}

// Ticker содержит цены и объём инструмента
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Venue     Venue     `json:"venue"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	MarkPrice float64   `json:"mark_price"` // только перпетуалы, 0 на споте
	Volume24h float64   `json:"volume_24h"` // оборот за 24ч в валюте котировки
	Timestamp time.Time `json:"timestamp"`
}

// FundingRate - ставка финансирования перпетуала
type FundingRate struct {
	Symbol          string    `json:"symbol"`
	Rate            float64   `json:"rate"` // за интервал начисления, доли
	NextFundingTime time.Time `json:"next_funding_time"`
	ObservedAt      time.Time `json:"observed_at"`
}

// InstrumentRules содержит торговые ограничения инструмента
type InstrumentRules struct {
	Symbol      string  `json:"symbol"`
	Venue       Venue   `json:"venue"`
	MinOrderQty float64 `json:"min_order_qty"`
	MaxOrderQty float64 `json:"max_order_qty"`
	QtyStep     float64 `json:"qty_step"`     // шаг количества (lot size)
	MinNotional float64 `json:"min_notional"` // минимальная сумма сделки в котировке
	PriceStep   float64 `json:"price_step"`   // шаг цены (tick size)
}

// Order представляет размещённый ордер
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Venue         Venue     `json:"venue"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	FilledQty     float64   `json:"filled_qty"`
	AvgFillPrice  float64   `json:"avg_fill_price"`
	Fee           float64   `json:"fee"` // комиссия в валюте котировки
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Filled возвращает true если ордер полностью или частично исполнен
func (o *Order) Filled() bool {
	return o.FilledQty > 0
}

// PerpPosition - открытая позиция по перпетуалу на бирже
type PerpPosition struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" или "short"
	Size          float64   `json:"size"` // в монетах, всегда положительный
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Liquidation   bool      `json:"liquidation"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Side constants for positions
const (
	SideLong  = "long"
	SideShort = "short"
)
