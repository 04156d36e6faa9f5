package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"fundingarb/pkg/retry"
)

// testGateway собирает шлюз с быстрыми ретраями и свободным лимитом
func testGateway(ex Exchange) *Gateway {
	g := NewGateway(ex, GatewayConfig{
		QueryTimeout: time.Second,
		WriteTimeout: time.Second,
		RateLimit:    1000,
		RateBurst:    1000,
	})
	return g.WithRetryConfig(retry.Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	})
}

func TestGateway_QueryRetriesTransient(t *testing.T) {
	mock := NewMockExchange()
	attempts := 0
	mock.GetTickerFn = func(ctx context.Context, venue Venue, symbol string) (*Ticker, error) {
		attempts++
		if attempts < 3 {
			return nil, NewError("mock", KindTransient, "429", "rate limited")
		}
		return &Ticker{Symbol: symbol, Venue: venue, LastPrice: 100}, nil
	}

	gw := testGateway(mock)
	ticker, err := gw.FetchTicker(context.Background(), VenuePerp, "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchTicker error: %v", err)
	}
	if ticker.LastPrice != 100 {
		t.Errorf("LastPrice = %v, want 100", ticker.LastPrice)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestGateway_QueryDoesNotRetryValidation(t *testing.T) {
	mock := NewMockExchange()
	mock.GetTickerFn = func(ctx context.Context, venue Venue, symbol string) (*Ticker, error) {
		return nil, NewError("mock", KindValidation, "-1121", "invalid symbol")
	}

	gw := testGateway(mock)
	_, err := gw.FetchTicker(context.Background(), VenuePerp, "NOPEUSDT")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsKind(err, KindValidation) {
		t.Errorf("error kind = %v, want VALIDATION", KindOf(err))
	}
	if got := mock.Calls("GetTicker"); got != 1 {
		t.Errorf("GetTicker calls = %d, want 1 (no retry)", got)
	}
}

func TestGateway_PlaceMarketOrder_StepValidation(t *testing.T) {
	rules := &InstrumentRules{Symbol: "BTCUSDT", Venue: VenueSpot, QtyStep: 0.001, MinOrderQty: 0.001}

	tests := []struct {
		name    string
		qty     float64
		wantErr bool
	}{
		{"conforming", 0.002, false},
		{"off step", 0.0015, true},
		{"below minimum", 0.0002, true},
		{"zero", 0, true},
		{"negative", -0.001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockExchange()
			gw := testGateway(mock)

			_, err := gw.PlaceMarketOrder(context.Background(), VenueSpot, "BTCUSDT", SideBuy, tt.qty, rules, "cid-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var ee *ExchangeError
				if !errors.As(err, &ee) || ee.Kind != KindValidation || ee.Code != CodeInvalidQuantity {
					t.Errorf("want VALIDATION/INVALID_QUANTITY, got %v", err)
				}
				// Некондиционный объём не должен дойти до биржи
				if mock.Calls("PlaceMarketOrder") != 0 {
					t.Error("order must be rejected before reaching the exchange")
				}
			}
		})
	}
}

func TestGateway_PlaceMarketOrder_TransportBecomesAmbiguous(t *testing.T) {
	mock := NewMockExchange()
	mock.PlaceMarketOrderFn = func(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error) {
		return nil, WrapError("mock", KindTransient, errors.New("connection reset by peer"))
	}

	gw := testGateway(mock)
	_, err := gw.PlaceMarketOrder(context.Background(), VenuePerp, "BTCUSDT", SideSell, 0.4, nil, "cid-2")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAmbiguous(err) {
		t.Errorf("transport failure on write must be AMBIGUOUS_WRITE, got %v", KindOf(err))
	}
	// Записи не ретраятся никогда
	if got := mock.Calls("PlaceMarketOrder"); got != 1 {
		t.Errorf("PlaceMarketOrder calls = %d, want 1", got)
	}
}

func TestGateway_PlaceMarketOrder_RejectionPassesThrough(t *testing.T) {
	mock := NewMockExchange()
	mock.PlaceMarketOrderFn = func(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error) {
		return nil, NewError("mock", KindRejectedPrePlace, "110007", "insufficient balance")
	}

	gw := testGateway(mock)
	_, err := gw.PlaceMarketOrder(context.Background(), VenuePerp, "BTCUSDT", SideSell, 0.4, nil, "cid-3")
	if !IsRejectedPrePlace(err) {
		t.Errorf("definitive rejection must stay REJECTED_PRE_PLACE, got %v", err)
	}
	if IsAmbiguous(err) {
		t.Error("definitive rejection must not be reclassified as ambiguous")
	}
}

func TestGateway_FetchOrderByClientID_NotFoundNotRetried(t *testing.T) {
	mock := NewMockExchange() // дефолтный мок отвечает ErrOrderNotFound

	gw := testGateway(mock)
	_, err := gw.FetchOrderByClientID(context.Background(), VenueSpot, "BTCUSDT", "missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("want ErrOrderNotFound, got %v", err)
	}
	if got := mock.Calls("GetOrderByClientID"); got != 1 {
		t.Errorf("GetOrderByClientID calls = %d, want 1", got)
	}
}

func TestGateway_FetchOrderByClientID_Found(t *testing.T) {
	mock := NewMockExchange()
	mock.GetOrderByClientIDFn = func(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error) {
		return &Order{ClientOrderID: clientOrderID, FilledQty: 0.4, AvgFillPrice: 50000, Status: OrderStatusFilled}, nil
	}

	gw := testGateway(mock)
	order, err := gw.FetchOrderByClientID(context.Background(), VenuePerp, "BTCUSDT", "cid-4")
	if err != nil {
		t.Fatalf("FetchOrderByClientID error: %v", err)
	}
	if order.FilledQty != 0.4 || !order.Filled() {
		t.Errorf("unexpected order: %+v", order)
	}
}

func TestGateway_Transfer_Validation(t *testing.T) {
	mock := NewMockExchange()
	gw := testGateway(mock)

	if err := gw.Transfer(context.Background(), WalletSpot, WalletDerivatives, "USDT", 0); err == nil {
		t.Error("zero amount must be rejected")
	}
	if mock.Calls("Transfer") != 0 {
		t.Error("invalid transfer must not reach the exchange")
	}

	if err := gw.Transfer(context.Background(), WalletSpot, WalletDerivatives, "USDT", 250); err != nil {
		t.Errorf("valid transfer failed: %v", err)
	}
	if mock.Calls("Transfer") != 1 {
		t.Error("valid transfer must reach the exchange once")
	}
}

func TestGateway_QueryCancelledContext(t *testing.T) {
	mock := NewMockExchange()
	mock.GetFundingRateFn = func(ctx context.Context, symbol string) (*FundingRate, error) {
		return nil, NewError("mock", KindTransient, "", "still failing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gw := testGateway(mock)
	_, err := gw.FetchFundingRate(ctx, "BTCUSDT")
	if err == nil {
		t.Fatal("cancelled context must produce an error")
	}
}
