package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// Binance реализует интерфейс Exchange поверх официального SDK
//
// Спот и USDT-M фьючерсы у Binance - отдельные API с отдельными
// клиентами и отдельными кошельками, поэтому Transfer здесь не
// формальность: маржа фьючерсов пополняется только переводом со спота.
type Binance struct {
	spot *binance.Client
	futs *futures.Client
	log  *utils.Logger

	// stop-каналы активных WS подписок SDK
	wsStops   []chan struct{}
	wsStopsMu sync.Mutex

	connected bool
}

// NewBinance создаёт экземпляр Binance
func NewBinance() *Binance {
	return &Binance{
		log: utils.L().WithExchange("binance"),
	}
}

// binanceClassify переводит код ошибки Binance в класс
func binanceClassify(code int64) ErrorKind {
	switch code {
	case -1003, -1015, -1021:
		// rate limit, слишком много ордеров, рассинхрон времени
		return KindTransient
	case -2014, -2015, -1022:
		// битые ключи, нет прав, неверная подпись
		return KindFatal
	case -1013, -1111, -1121, -4164:
		// фильтры количества/цены, неизвестный символ, мин. номинал
		return KindValidation
	case -2010, -2018, -2019:
		// нехватка баланса или маржи - ордер отклонён до постановки
		return KindRejectedPrePlace
	default:
		return KindTransient
	}
}

// wrapBinanceErr классифицирует ошибку SDK
func wrapBinanceErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// -2013: Order does not exist
		if apiErr.Code == -2013 {
			return fmt.Errorf("binance: %w", ErrOrderNotFound)
		}
		return &ExchangeError{
			Exchange: "binance",
			Kind:     binanceClassify(apiErr.Code),
			Code:     strconv.FormatInt(apiErr.Code, 10),
			Message:  apiErr.Message,
			Original: err,
		}
	}

	// Ошибка транспорта без ответа биржи
	return WrapError("binance", KindTransient, err)
}

// Connect проверяет ключи запросом баланса фьючерсного счёта
func (e *Binance) Connect(apiKey, secret string) error {
	if err := utils.ValidateAPIKey(apiKey); err != nil {
		return WrapError("binance", KindFatal, err)
	}
	if err := utils.ValidateAPISecret(secret); err != nil {
		return WrapError("binance", KindFatal, err)
	}

	e.spot = binance.NewClient(apiKey, secret)
	e.futs = binance.NewFuturesClient(apiKey, secret)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.GetAccountState(ctx); err != nil {
		return fmt.Errorf("binance connect: %w", err)
	}

	e.connected = true
	return nil
}

func (e *Binance) GetName() string {
	return "binance"
}

// ListPerpInstruments возвращает торгуемые USDT-перпетуалы
func (e *Binance) ListPerpInstruments(ctx context.Context) ([]string, error) {
	info, err := e.futs.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" || s.Status != "TRADING" {
			continue
		}
		if s.ContractType != futures.ContractTypePerpetual {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	return symbols, nil
}

// GetFundingRate возвращает текущую ставку финансирования перпетуала
func (e *Binance) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	indexes, err := e.futs.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	if len(indexes) == 0 {
		return nil, fmt.Errorf("binance: %q: %w", symbol, ErrInstrumentNotFound)
	}

	idx := indexes[0]
	rate, _ := strconv.ParseFloat(idx.LastFundingRate, 64)

	return &FundingRate{
		Symbol:          idx.Symbol,
		Rate:            rate,
		NextFundingTime: utils.FromUnixMillis(idx.NextFundingTime),
		ObservedAt:      time.Now().UTC(),
	}, nil
}

// GetTicker возвращает цены и 24h оборот инструмента
func (e *Binance) GetTicker(ctx context.Context, venue Venue, symbol string) (*Ticker, error) {
	if venue == VenueSpot {
		return e.spotTicker(ctx, symbol)
	}
	return e.perpTicker(ctx, symbol)
}

func (e *Binance) spotTicker(ctx context.Context, symbol string) (*Ticker, error) {
	// 24h статистика спота несёт и bid/ask, и оборот - один запрос
	stats, err := e.spot.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("binance: %q: %w", symbol, ErrInstrumentNotFound)
	}

	s := stats[0]
	bid, _ := strconv.ParseFloat(s.BidPrice, 64)
	ask, _ := strconv.ParseFloat(s.AskPrice, 64)
	last, _ := strconv.ParseFloat(s.LastPrice, 64)
	quoteVolume, _ := strconv.ParseFloat(s.QuoteVolume, 64)

	return &Ticker{
		Symbol:    s.Symbol,
		Venue:     VenueSpot,
		BidPrice:  bid,
		AskPrice:  ask,
		LastPrice: last,
		Volume24h: quoteVolume,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (e *Binance) perpTicker(ctx context.Context, symbol string) (*Ticker, error) {
	// 24h статистика фьючерсов не несёт bid/ask - добираем book ticker
	// и mark price отдельными запросами
	stats, err := e.futs.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("binance: %q: %w", symbol, ErrInstrumentNotFound)
	}

	s := stats[0]
	last, _ := strconv.ParseFloat(s.LastPrice, 64)
	quoteVolume, _ := strconv.ParseFloat(s.QuoteVolume, 64)

	ticker := &Ticker{
		Symbol:    s.Symbol,
		Venue:     VenuePerp,
		LastPrice: last,
		Volume24h: quoteVolume,
		Timestamp: time.Now().UTC(),
	}

	books, err := e.futs.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err == nil && len(books) > 0 {
		ticker.BidPrice, _ = strconv.ParseFloat(books[0].BidPrice, 64)
		ticker.AskPrice, _ = strconv.ParseFloat(books[0].AskPrice, 64)
	}

	indexes, err := e.futs.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err == nil && len(indexes) > 0 {
		ticker.MarkPrice, _ = strconv.ParseFloat(indexes[0].MarkPrice, 64)
	}

	return ticker, nil
}

// GetInstrumentRules возвращает торговые ограничения инструмента
func (e *Binance) GetInstrumentRules(ctx context.Context, venue Venue, symbol string) (*InstrumentRules, error) {
	rules := &InstrumentRules{
		Symbol: symbol,
		Venue:  venue,
		// Binance местами не сообщает мин. номинал - берём консервативный
		MinNotional: 5.0,
	}

	if venue == VenueSpot {
		info, err := e.spot.NewExchangeInfoService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, wrapBinanceErr(err)
		}
		if len(info.Symbols) == 0 {
			return nil, fmt.Errorf("binance: %q: %w", symbol, ErrInstrumentNotFound)
		}

		s := info.Symbols[0]
		if f := s.LotSizeFilter(); f != nil {
			rules.MinOrderQty, _ = strconv.ParseFloat(f.MinQuantity, 64)
			rules.MaxOrderQty, _ = strconv.ParseFloat(f.MaxQuantity, 64)
			rules.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := s.PriceFilter(); f != nil {
			rules.PriceStep, _ = strconv.ParseFloat(f.TickSize, 64)
		}
		return rules, nil
	}

	info, err := e.futs.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if f := s.LotSizeFilter(); f != nil {
			rules.MinOrderQty, _ = strconv.ParseFloat(f.MinQuantity, 64)
			rules.MaxOrderQty, _ = strconv.ParseFloat(f.MaxQuantity, 64)
			rules.QtyStep, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := s.PriceFilter(); f != nil {
			rules.PriceStep, _ = strconv.ParseFloat(f.TickSize, 64)
		}
		return rules, nil
	}
	return nil, fmt.Errorf("binance: %q: %w", symbol, ErrInstrumentNotFound)
}

// PlaceMarketOrder размещает рыночный ордер с клиентским id
func (e *Binance) PlaceMarketOrder(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error) {
	qtyStr := strconv.FormatFloat(qty, 'f', -1, 64)
	now := time.Now().UTC()

	if venue == VenueSpot {
		resp, err := e.spot.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideType(strings.ToUpper(side))).
			Type(binance.OrderTypeMarket).
			Quantity(qtyStr).
			NewClientOrderID(clientOrderID).
			Do(ctx)
		if err != nil {
			return nil, wrapBinanceErr(err)
		}

		filledQty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
		quoteQty, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)

		order := &Order{
			ID:            strconv.FormatInt(resp.OrderID, 10),
			ClientOrderID: clientOrderID,
			Symbol:        symbol,
			Venue:         VenueSpot,
			Side:          side,
			Quantity:      qty,
			FilledQty:     filledQty,
			Status:        binanceOrderStatus(string(resp.Status)),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if filledQty > 0 {
			order.AvgFillPrice = quoteQty / filledQty
		}
		for _, fill := range resp.Fills {
			fee, _ := strconv.ParseFloat(fill.Commission, 64)
			order.Fee += fee
		}
		return order, nil
	}

	resp, err := e.futs.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(strings.ToUpper(side))).
		Type(futures.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(clientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	filledQty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	return &Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Venue:         VenuePerp,
		Side:          side,
		Quantity:      qty,
		FilledQty:     filledQty,
		AvgFillPrice:  avgPrice,
		Status:        binanceOrderStatus(string(resp.Status)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func binanceOrderStatus(status string) string {
	switch status {
	case "FILLED":
		return OrderStatusFilled
	case "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "CANCELED", "EXPIRED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusPartial
	}
}

// GetOrderByClientID ищет ордер по клиентскому id
func (e *Binance) GetOrderByClientID(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error) {
	if venue == VenueSpot {
		o, err := e.spot.NewGetOrderService().
			Symbol(symbol).
			OrigClientOrderID(clientOrderID).
			Do(ctx)
		if err != nil {
			return nil, wrapBinanceErr(err)
		}

		filledQty, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
		quoteQty, _ := strconv.ParseFloat(o.CummulativeQuoteQuantity, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)

		order := &Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: clientOrderID,
			Symbol:        symbol,
			Venue:         VenueSpot,
			Side:          strings.ToLower(string(o.Side)),
			Quantity:      qty,
			FilledQty:     filledQty,
			Status:        binanceOrderStatus(string(o.Status)),
			CreatedAt:     utils.FromUnixMillis(o.Time),
			UpdatedAt:     utils.FromUnixMillis(o.UpdateTime),
		}
		if filledQty > 0 {
			order.AvgFillPrice = quoteQty / filledQty
		}
		return order, nil
	}

	o, err := e.futs.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	filledQty, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)

	return &Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Venue:         VenuePerp,
		Side:          strings.ToLower(string(o.Side)),
		Quantity:      qty,
		FilledQty:     filledQty,
		AvgFillPrice:  avgPrice,
		Status:        binanceOrderStatus(string(o.Status)),
		CreatedAt:     utils.FromUnixMillis(o.Time),
		UpdatedAt:     utils.FromUnixMillis(o.UpdateTime),
	}, nil
}

// GetAccountState собирает сводку из фьючерсного и спотового счетов
func (e *Binance) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	acc, err := e.futs.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	state := &models.AccountState{ObservedAt: time.Now().UTC()}
	marginBalance, _ := strconv.ParseFloat(acc.TotalMarginBalance, 64)
	state.MarginUsed, _ = strconv.ParseFloat(acc.TotalInitialMargin, 64)
	state.PerpAvailable, _ = strconv.ParseFloat(acc.AvailableBalance, 64)
	state.UnrealizedPNL, _ = strconv.ParseFloat(acc.TotalUnrealizedProfit, 64)

	spotAcc, err := e.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}
	var spotUSDT float64
	for _, bal := range spotAcc.Balances {
		if bal.Asset == "USDT" {
			spotUSDT, _ = strconv.ParseFloat(bal.Free, 64)
		}
	}
	state.SpotAvailable = spotUSDT

	// Кошельки раздельные: общая стоимость = маржинальный баланс
	// фьючерсов + свободный квот спота. Стоимость монет спота в ногах
	// хеджируется шортом и в margin usage не участвует.
	state.Equity = marginBalance + spotUSDT

	return state, nil
}

// GetPerpPosition возвращает позицию по перпетуалу (nil если позиции нет)
func (e *Binance) GetPerpPosition(ctx context.Context, symbol string) (*PerpPosition, error) {
	risks, err := e.futs.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, wrapBinanceErr(err)
	}

	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(r.EntryPrice, 64)
		markPrice, _ := strconv.ParseFloat(r.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)

		side := SideLong
		if amt < 0 {
			side = SideShort
			amt = -amt
		}

		return &PerpPosition{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			UnrealizedPnl: pnl,
			UpdatedAt:     time.Now().UTC(),
		}, nil
	}
	return nil, nil
}

// GetSpotBalance возвращает свободный остаток актива на споте
func (e *Binance) GetSpotBalance(ctx context.Context, asset string) (float64, error) {
	acc, err := e.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, wrapBinanceErr(err)
	}

	for _, bal := range acc.Balances {
		if bal.Asset == asset {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			return free, nil
		}
	}
	return 0, nil
}

// Transfer переводит средства между спотом и фьючерсным кошельком
func (e *Binance) Transfer(ctx context.Context, from, to Wallet, asset string, amount float64) error {
	var transferType int
	switch {
	case from == WalletSpot && to == WalletDerivatives:
		transferType = 1 // spot -> USDT-M futures
	case from == WalletDerivatives && to == WalletSpot:
		transferType = 2 // USDT-M futures -> spot
	default:
		return NewError("binance", KindValidation, "",
			fmt.Sprintf("unsupported transfer %s -> %s", from, to))
	}

	_, err := e.spot.NewFuturesTransferService().
		Asset(asset).
		Amount(strconv.FormatFloat(amount, 'f', -1, 64)).
		Type(binance.FuturesTransferType(transferType)).
		Do(ctx)
	return wrapBinanceErr(err)
}

// SubscribeTicker подписывается на book ticker через WS SDK
func (e *Binance) SubscribeTicker(venue Venue, symbol string, callback func(*Ticker)) error {
	errHandler := func(err error) {
		e.log.Warn("ticker stream error", utils.Symbol(symbol), utils.Err(err))
	}

	if venue == VenueSpot {
		_, stopC, err := binance.WsBookTickerServe(symbol, func(ev *binance.WsBookTickerEvent) {
			bid, _ := strconv.ParseFloat(ev.BestBidPrice, 64)
			ask, _ := strconv.ParseFloat(ev.BestAskPrice, 64)
			callback(&Ticker{
				Symbol:    ev.Symbol,
				Venue:     VenueSpot,
				BidPrice:  bid,
				AskPrice:  ask,
				Timestamp: time.Now().UTC(),
			})
		}, errHandler)
		if err != nil {
			return wrapBinanceErr(err)
		}
		e.trackStop(stopC)
		return nil
	}

	_, stopC, err := futures.WsBookTickerServe(symbol, func(ev *futures.WsBookTickerEvent) {
		bid, _ := strconv.ParseFloat(ev.BestBidPrice, 64)
		ask, _ := strconv.ParseFloat(ev.BestAskPrice, 64)
		callback(&Ticker{
			Symbol:    ev.Symbol,
			Venue:     VenuePerp,
			BidPrice:  bid,
			AskPrice:  ask,
			Timestamp: time.Now().UTC(),
		})
	}, errHandler)
	if err != nil {
		return wrapBinanceErr(err)
	}
	e.trackStop(stopC)
	return nil
}

func (e *Binance) trackStop(stopC chan struct{}) {
	e.wsStopsMu.Lock()
	e.wsStops = append(e.wsStops, stopC)
	e.wsStopsMu.Unlock()
}

// Close останавливает WS подписки
func (e *Binance) Close() error {
	e.wsStopsMu.Lock()
	defer e.wsStopsMu.Unlock()

	for _, stopC := range e.wsStops {
		select {
		case stopC <- struct{}{}:
		default:
		}
	}
	e.wsStops = nil
	e.connected = false
	return nil
}
