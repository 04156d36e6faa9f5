package exchange

import (
	"context"
	"sync"

	"fundingarb/internal/models"
)

// MockExchange - сценарная реализация Exchange для тестов
//
// Каждый метод делегирует в одноимённое функциональное поле; не
// заданное поле возвращает нулевые значения. Счётчики вызовов
// потокобезопасны: исполнитель дёргает мок из параллельных горутин.
type MockExchange struct {
	NameValue string

	ConnectFn             func(apiKey, secret string) error
	ListPerpInstrumentsFn func(ctx context.Context) ([]string, error)
	GetFundingRateFn      func(ctx context.Context, symbol string) (*FundingRate, error)
	GetTickerFn           func(ctx context.Context, venue Venue, symbol string) (*Ticker, error)
	GetInstrumentRulesFn  func(ctx context.Context, venue Venue, symbol string) (*InstrumentRules, error)
	PlaceMarketOrderFn    func(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error)
	GetOrderByClientIDFn  func(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error)
	GetAccountStateFn     func(ctx context.Context) (*models.AccountState, error)
	GetPerpPositionFn     func(ctx context.Context, symbol string) (*PerpPosition, error)
	GetSpotBalanceFn      func(ctx context.Context, asset string) (float64, error)
	TransferFn            func(ctx context.Context, from, to Wallet, asset string, amount float64) error
	SubscribeTickerFn     func(venue Venue, symbol string, callback func(*Ticker)) error

	mu     sync.Mutex
	calls  map[string]int
	closed bool
}

// NewMockExchange создаёт мок с именем "mock"
func NewMockExchange() *MockExchange {
	return &MockExchange{
		NameValue: "mock",
		calls:     make(map[string]int),
	}
}

func (m *MockExchange) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[method]++
}

// Calls возвращает количество вызовов метода
func (m *MockExchange) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Closed сообщает был ли вызван Close
func (m *MockExchange) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockExchange) Connect(apiKey, secret string) error {
	m.record("Connect")
	if m.ConnectFn != nil {
		return m.ConnectFn(apiKey, secret)
	}
	return nil
}

func (m *MockExchange) GetName() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

func (m *MockExchange) ListPerpInstruments(ctx context.Context) ([]string, error) {
	m.record("ListPerpInstruments")
	if m.ListPerpInstrumentsFn != nil {
		return m.ListPerpInstrumentsFn(ctx)
	}
	return nil, nil
}

func (m *MockExchange) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	m.record("GetFundingRate")
	if m.GetFundingRateFn != nil {
		return m.GetFundingRateFn(ctx, symbol)
	}
	return &FundingRate{Symbol: symbol}, nil
}

func (m *MockExchange) GetTicker(ctx context.Context, venue Venue, symbol string) (*Ticker, error) {
	m.record("GetTicker")
	if m.GetTickerFn != nil {
		return m.GetTickerFn(ctx, venue, symbol)
	}
	return &Ticker{Symbol: symbol, Venue: venue}, nil
}

func (m *MockExchange) GetInstrumentRules(ctx context.Context, venue Venue, symbol string) (*InstrumentRules, error) {
	m.record("GetInstrumentRules")
	if m.GetInstrumentRulesFn != nil {
		return m.GetInstrumentRulesFn(ctx, venue, symbol)
	}
	return &InstrumentRules{Symbol: symbol, Venue: venue, QtyStep: 0.001, MinOrderQty: 0.001, MinNotional: 5}, nil
}

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error) {
	m.record("PlaceMarketOrder")
	if m.PlaceMarketOrderFn != nil {
		return m.PlaceMarketOrderFn(ctx, venue, symbol, side, qty, clientOrderID)
	}
	return &Order{
		ID:            "mock-" + clientOrderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Venue:         venue,
		Side:          side,
		Quantity:      qty,
		FilledQty:     qty,
		Status:        OrderStatusFilled,
	}, nil
}

func (m *MockExchange) GetOrderByClientID(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error) {
	m.record("GetOrderByClientID")
	if m.GetOrderByClientIDFn != nil {
		return m.GetOrderByClientIDFn(ctx, venue, symbol, clientOrderID)
	}
	return nil, ErrOrderNotFound
}

func (m *MockExchange) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	m.record("GetAccountState")
	if m.GetAccountStateFn != nil {
		return m.GetAccountStateFn(ctx)
	}
	return &models.AccountState{}, nil
}

func (m *MockExchange) GetPerpPosition(ctx context.Context, symbol string) (*PerpPosition, error) {
	m.record("GetPerpPosition")
	if m.GetPerpPositionFn != nil {
		return m.GetPerpPositionFn(ctx, symbol)
	}
	return nil, nil
}

func (m *MockExchange) GetSpotBalance(ctx context.Context, asset string) (float64, error) {
	m.record("GetSpotBalance")
	if m.GetSpotBalanceFn != nil {
		return m.GetSpotBalanceFn(ctx, asset)
	}
	return 0, nil
}

func (m *MockExchange) Transfer(ctx context.Context, from, to Wallet, asset string, amount float64) error {
	m.record("Transfer")
	if m.TransferFn != nil {
		return m.TransferFn(ctx, from, to, asset, amount)
	}
	return nil
}

func (m *MockExchange) SubscribeTicker(venue Venue, symbol string, callback func(*Ticker)) error {
	m.record("SubscribeTicker")
	if m.SubscribeTickerFn != nil {
		return m.SubscribeTickerFn(venue, symbol, callback)
	}
	return nil
}

func (m *MockExchange) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
