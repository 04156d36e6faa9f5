package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"fundingarb/internal/models"
	"fundingarb/pkg/crypto"
	"fundingarb/pkg/utils"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitWSSpot     = "wss://stream.bybit.com/v5/public/spot"
	bybitWSLinear   = "wss://stream.bybit.com/v5/public/linear"
	bybitRecvWindow = "5000"

	// Минимальный номинал ордера, если биржа его не сообщила
	bybitDefaultMinNotional = 5.0
)

var bybitJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Bybit реализует интерфейс Exchange для Bybit API v5
//
// Обе площадки (спот и linear-перпетуалы) живут под одним REST хостом
// и различаются параметром category.
type Bybit struct {
	apiKey    string
	secretKey string

	httpClient *http.Client
	log        *utils.Logger

	// Публичные WS потоки, по одному на площадку
	spotStream   *Stream
	linearStream *Stream
	streamMu     sync.Mutex

	tickerCallbacks map[string]func(*Ticker) // ключ: venue+symbol
	callbackMu      sync.RWMutex

	connected bool
}

// NewBybit создаёт экземпляр Bybit на общем HTTP пуле процесса
func NewBybit() *Bybit {
	return &Bybit{
		httpClient:      GetGlobalHTTPClient().GetClient(),
		log:             utils.L().WithExchange("bybit"),
		tickerCallbacks: make(map[string]func(*Ticker)),
	}
}

// category переводит площадку в термин Bybit v5
func bybitCategory(venue Venue) string {
	if venue == VenueSpot {
		return "spot"
	}
	return "linear"
}

// bybitClassify переводит retCode Bybit в класс ошибки
func bybitClassify(retCode int) ErrorKind {
	switch retCode {
	case 10002, 10006, 10016, 10429:
		// рассинхрон времени, rate limit, внутренняя ошибка
		return KindTransient
	case 10003, 10004, 10005, 33004:
		// битые ключи, неверная подпись, нет прав, ключи истекли
		return KindFatal
	case 10001, 110009, 170140:
		// ошибка параметров запроса
		return KindValidation
	case 110007, 110012, 110052, 170131:
		// нехватка баланса или маржи
		return KindRejectedPrePlace
	default:
		return KindTransient
	}
}

// doRequest выполняет запрос к Bybit API v5
//
// GET: параметры в query string, подпись по query string.
// POST: параметры JSON body, подпись по body.
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var reqBody string
	var reqURL string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqBody = query.Encode()
		reqURL = bybitBaseURL + endpoint
		if reqBody != "" {
			reqURL += "?" + reqBody
		}
	} else {
		reqURL = bybitBaseURL + endpoint
		if len(params) > 0 {
			jsonBytes, err := bybitJSON.Marshal(params)
			if err != nil {
				return nil, err
			}
			reqBody = string(jsonBytes)
		}
	}

	var bodyReader io.Reader
	if method != http.MethodGet {
		bodyReader = strings.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signature, err := crypto.SignHMAC(timestamp+b.apiKey+bybitRecvWindow+reqBody, b.secretKey)
		if err != nil {
			return nil, WrapError("bybit", KindFatal, err)
		}

		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, NewError("bybit", KindTransient, strconv.Itoa(resp.StatusCode), http.StatusText(resp.StatusCode))
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := bybitJSON.Unmarshal(body, &baseResp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	if baseResp.RetCode != 0 {
		return nil, NewError("bybit", bybitClassify(baseResp.RetCode),
			strconv.Itoa(baseResp.RetCode), baseResp.RetMsg)
	}

	return body, nil
}

// Connect проверяет ключи запросом баланса
func (b *Bybit) Connect(apiKey, secret string) error {
	if err := utils.ValidateAPIKey(apiKey); err != nil {
		return WrapError("bybit", KindFatal, err)
	}
	if err := utils.ValidateAPISecret(secret); err != nil {
		return WrapError("bybit", KindFatal, err)
	}

	b.apiKey = apiKey
	b.secretKey = secret

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.GetAccountState(ctx); err != nil {
		return fmt.Errorf("bybit connect: %w", err)
	}

	b.connected = true
	return nil
}

func (b *Bybit) GetName() string {
	return "bybit"
}

// ListPerpInstruments возвращает торгуемые USDT-перпетуалы
func (b *Bybit) ListPerpInstruments(ctx context.Context) ([]string, error) {
	params := map[string]string{
		"category": "linear",
		"status":   "Trading",
		"limit":    "1000",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol       string `json:"symbol"`
				QuoteCoin    string `json:"quoteCoin"`
				ContractType string `json:"contractType"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	symbols := make([]string, 0, len(resp.Result.List))
	for _, item := range resp.Result.List {
		if item.QuoteCoin != "USDT" || item.ContractType != "LinearPerpetual" {
			continue
		}
		symbols = append(symbols, item.Symbol)
	}
	return symbols, nil
}

// GetFundingRate возвращает текущую ставку финансирования перпетуала
func (b *Bybit) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol          string `json:"symbol"`
				FundingRate     string `json:"fundingRate"`
				NextFundingTime string `json:"nextFundingTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: %q: %w", symbol, ErrInstrumentNotFound)
	}

	t := resp.Result.List[0]
	rate, _ := strconv.ParseFloat(t.FundingRate, 64)
	nextMillis, _ := strconv.ParseInt(t.NextFundingTime, 10, 64)

	return &FundingRate{
		Symbol:          t.Symbol,
		Rate:            rate,
		NextFundingTime: utils.FromUnixMillis(nextMillis),
		ObservedAt:      time.Now().UTC(),
	}, nil
}

// GetTicker возвращает цены и 24h оборот инструмента
func (b *Bybit) GetTicker(ctx context.Context, venue Venue, symbol string) (*Ticker, error) {
	params := map[string]string{
		"category": bybitCategory(venue),
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol     string `json:"symbol"`
				Bid1Price  string `json:"bid1Price"`
				Ask1Price  string `json:"ask1Price"`
				LastPrice  string `json:"lastPrice"`
				MarkPrice  string `json:"markPrice"`
				Turnover24 string `json:"turnover24h"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: %q: %w", symbol, ErrInstrumentNotFound)
	}

	t := resp.Result.List[0]
	bid, _ := strconv.ParseFloat(t.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(t.Ask1Price, 64)
	last, _ := strconv.ParseFloat(t.LastPrice, 64)
	mark, _ := strconv.ParseFloat(t.MarkPrice, 64)
	turnover, _ := strconv.ParseFloat(t.Turnover24, 64)

	return &Ticker{
		Symbol:    t.Symbol,
		Venue:     venue,
		BidPrice:  bid,
		AskPrice:  ask,
		LastPrice: last,
		MarkPrice: mark,
		Volume24h: turnover,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetInstrumentRules возвращает торговые ограничения инструмента
func (b *Bybit) GetInstrumentRules(ctx context.Context, venue Venue, symbol string) (*InstrumentRules, error) {
	params := map[string]string{
		"category": bybitCategory(venue),
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					MinOrderQty   string `json:"minOrderQty"`
					MaxOrderQty   string `json:"maxOrderQty"`
					QtyStep       string `json:"qtyStep"`       // linear
					BasePrecision string `json:"basePrecision"` // spot
					MinOrderAmt   string `json:"minOrderAmt"`   // spot, в котировке
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("bybit: %q: %w", symbol, ErrInstrumentNotFound)
	}

	info := resp.Result.List[0]
	minQty, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderQty, 64)
	maxQty, _ := strconv.ParseFloat(info.LotSizeFilter.MaxOrderQty, 64)
	tickSize, _ := strconv.ParseFloat(info.PriceFilter.TickSize, 64)

	// Спот сообщает шаг как basePrecision, перпетуалы как qtyStep
	qtyStep, _ := strconv.ParseFloat(info.LotSizeFilter.QtyStep, 64)
	if qtyStep == 0 {
		qtyStep, _ = strconv.ParseFloat(info.LotSizeFilter.BasePrecision, 64)
	}

	minNotional, _ := strconv.ParseFloat(info.LotSizeFilter.MinOrderAmt, 64)
	if minNotional == 0 {
		minNotional = bybitDefaultMinNotional
	}

	return &InstrumentRules{
		Symbol:      info.Symbol,
		Venue:       venue,
		MinOrderQty: minQty,
		MaxOrderQty: maxQty,
		QtyStep:     qtyStep,
		MinNotional: minNotional,
		PriceStep:   tickSize,
	}, nil
}

// PlaceMarketOrder размещает рыночный IOC ордер
func (b *Bybit) PlaceMarketOrder(ctx context.Context, venue Venue, symbol, side string, qty float64, clientOrderID string) (*Order, error) {
	bybitSide := "Buy"
	if side == SideSell {
		bybitSide = "Sell"
	}

	params := map[string]string{
		"category":    bybitCategory(venue),
		"symbol":      symbol,
		"side":        bybitSide,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"timeInForce": "IOC",
		"orderLinkId": clientOrderID,
	}
	if venue == VenueSpot {
		// Без marketUnit спотовый рыночный Buy трактует qty как котировку
		params["marketUnit"] = "baseCoin"
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		// Биржа ответила отказом - ордер точно не размещён
		if ee, ok := err.(*ExchangeError); ok && ee.Kind == KindTransient && ee.Original == nil {
			ee.Kind = KindRejectedPrePlace
		}
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindAmbiguousWrite, err)
	}

	order := &Order{
		ID:            resp.Result.OrderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Venue:         venue,
		Side:          side,
		Quantity:      qty,
		Status:        OrderStatusFilled,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	// Детали исполнения: средняя цена, фактический объём, комиссия
	filled, err := b.queryOrder(ctx, venue, symbol, clientOrderID)
	if err == nil && filled != nil {
		order.FilledQty = filled.FilledQty
		order.AvgFillPrice = filled.AvgFillPrice
		order.Fee = filled.Fee
		order.Status = filled.Status
	} else {
		order.FilledQty = qty
	}

	return order, nil
}

// GetOrderByClientID ищет ордер по orderLinkId
//
// Сначала открытые/недавние (realtime), затем история. Пустой ответ
// обоих означает что ордер до биржи не дошёл.
func (b *Bybit) GetOrderByClientID(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error) {
	order, err := b.queryOrder(ctx, venue, symbol, clientOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("bybit: %q: %w", clientOrderID, ErrOrderNotFound)
	}
	return order, nil
}

func (b *Bybit) queryOrder(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error) {
	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := map[string]string{
			"category":    bybitCategory(venue),
			"symbol":      symbol,
			"orderLinkId": clientOrderID,
		}

		body, err := b.doRequest(ctx, http.MethodGet, endpoint, params, true)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Result struct {
				List []struct {
					OrderID     string `json:"orderId"`
					Side        string `json:"side"`
					Qty         string `json:"qty"`
					CumExecQty  string `json:"cumExecQty"`
					CumExecFee  string `json:"cumExecFee"`
					AvgPrice    string `json:"avgPrice"`
					OrderStatus string `json:"orderStatus"`
					CreatedTime string `json:"createdTime"`
					UpdatedTime string `json:"updatedTime"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := bybitJSON.Unmarshal(body, &resp); err != nil {
			return nil, WrapError("bybit", KindTransient, err)
		}

		if len(resp.Result.List) == 0 {
			continue
		}

		o := resp.Result.List[0]
		qty, _ := strconv.ParseFloat(o.Qty, 64)
		filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
		fee, _ := strconv.ParseFloat(o.CumExecFee, 64)
		avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)
		createdMillis, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		updatedMillis, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

		side := SideBuy
		if o.Side == "Sell" {
			side = SideSell
		}

		return &Order{
			ID:            o.OrderID,
			ClientOrderID: clientOrderID,
			Symbol:        symbol,
			Venue:         venue,
			Side:          side,
			Quantity:      qty,
			FilledQty:     filledQty,
			AvgFillPrice:  avgPrice,
			Fee:           fee,
			Status:        bybitOrderStatus(o.OrderStatus, filledQty, qty),
			CreatedAt:     utils.FromUnixMillis(createdMillis),
			UpdatedAt:     utils.FromUnixMillis(updatedMillis),
		}, nil
	}

	return nil, nil
}

func bybitOrderStatus(status string, filled, qty float64) string {
	switch status {
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled", "PartiallyFilledCanceled":
		return OrderStatusPartial
	case "Cancelled", "Deactivated":
		if filled > 0 && filled < qty {
			return OrderStatusPartial
		}
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		if filled >= qty && qty > 0 {
			return OrderStatusFilled
		}
		return OrderStatusPartial
	}
}

// GetAccountState возвращает сводку UNIFIED аккаунта
func (b *Bybit) GetAccountState(ctx context.Context) (*models.AccountState, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				TotalEquity            string `json:"totalEquity"`
				TotalInitialMargin     string `json:"totalInitialMargin"`
				TotalAvailableBalance  string `json:"totalAvailableBalance"`
				TotalPerpUPL           string `json:"totalPerpUPL"`
				Coin                   []struct {
					Coin                string `json:"coin"`
					WalletBalance       string `json:"walletBalance"`
					AvailableToWithdraw string `json:"availableToWithdraw"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	state := &models.AccountState{ObservedAt: time.Now().UTC()}

	if len(resp.Result.List) > 0 {
		acc := resp.Result.List[0]
		state.Equity, _ = strconv.ParseFloat(acc.TotalEquity, 64)
		state.MarginUsed, _ = strconv.ParseFloat(acc.TotalInitialMargin, 64)
		state.PerpAvailable, _ = strconv.ParseFloat(acc.TotalAvailableBalance, 64)
		state.UnrealizedPNL, _ = strconv.ParseFloat(acc.TotalPerpUPL, 64)

		for _, coin := range acc.Coin {
			if coin.Coin == "USDT" {
				state.SpotAvailable, _ = strconv.ParseFloat(coin.AvailableToWithdraw, 64)
			}
		}
	}

	return state, nil
}

// GetPerpPosition возвращает позицию по перпетуалу (nil если позиции нет)
func (b *Bybit) GetPerpPosition(ctx context.Context, symbol string) (*PerpPosition, error) {
	params := map[string]string{
		"category": "linear",
		"symbol":   symbol,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/position/list", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol         string `json:"symbol"`
				Side           string `json:"side"`
				Size           string `json:"size"`
				AvgPrice       string `json:"avgPrice"`
				MarkPrice      string `json:"markPrice"`
				UnrealisedPnl  string `json:"unrealisedPnl"`
				PositionStatus string `json:"positionStatus"`
				UpdatedTime    string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return nil, WrapError("bybit", KindTransient, err)
	}

	for _, p := range resp.Result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(p.AvgPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		updatedMillis, _ := strconv.ParseInt(p.UpdatedTime, 10, 64)

		side := SideLong
		if p.Side == "Sell" {
			side = SideShort
		}

		return &PerpPosition{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          size,
			EntryPrice:    entryPrice,
			MarkPrice:     markPrice,
			UnrealizedPnl: pnl,
			Liquidation:   p.PositionStatus == "Liq",
			UpdatedAt:     utils.FromUnixMillis(updatedMillis),
		}, nil
	}

	return nil, nil
}

// GetSpotBalance возвращает остаток актива
func (b *Bybit) GetSpotBalance(ctx context.Context, asset string) (float64, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        asset,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := bybitJSON.Unmarshal(body, &resp); err != nil {
		return 0, WrapError("bybit", KindTransient, err)
	}

	if len(resp.Result.List) > 0 {
		for _, coin := range resp.Result.List[0].Coin {
			if coin.Coin == asset {
				balance, _ := strconv.ParseFloat(coin.WalletBalance, 64)
				return balance, nil
			}
		}
	}
	return 0, nil
}

// Transfer переводит средства между кошельками
func (b *Bybit) Transfer(ctx context.Context, from, to Wallet, asset string, amount float64) error {
	walletType := func(w Wallet) string {
		if w == WalletSpot {
			return "SPOT"
		}
		return "CONTRACT"
	}

	params := map[string]string{
		"transferId":      uuid.NewString(),
		"coin":            asset,
		"amount":          strconv.FormatFloat(amount, 'f', -1, 64),
		"fromAccountType": walletType(from),
		"toAccountType":   walletType(to),
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/asset/transfer/inter-transfer", params, true)
	return err
}

// SubscribeTicker подписывается на тикеры площадки через WebSocket
func (b *Bybit) SubscribeTicker(venue Venue, symbol string, callback func(*Ticker)) error {
	b.callbackMu.Lock()
	b.tickerCallbacks[string(venue)+":"+symbol] = callback
	b.callbackMu.Unlock()

	stream, err := b.streamFor(venue)
	if err != nil {
		return err
	}

	return stream.Subscribe(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"tickers." + symbol},
	})
}

// streamFor лениво создаёт публичный поток площадки
func (b *Bybit) streamFor(venue Venue) (*Stream, error) {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()

	if venue == VenueSpot {
		if b.spotStream == nil {
			s := NewStream("bybit-spot", bybitWSSpot, DefaultStreamConfig())
			s.SetOnMessage(func(msg []byte) { b.handleTickerMessage(VenueSpot, msg) })
			if err := s.Connect(); err != nil {
				return nil, err
			}
			b.spotStream = s
		}
		return b.spotStream, nil
	}

	if b.linearStream == nil {
		s := NewStream("bybit-linear", bybitWSLinear, DefaultStreamConfig())
		s.SetOnMessage(func(msg []byte) { b.handleTickerMessage(VenuePerp, msg) })
		if err := s.Connect(); err != nil {
			return nil, err
		}
		b.linearStream = s
	}
	return b.linearStream, nil
}

// handleTickerMessage разбирает один пуш тикера
//
// Пуши linear приходят дельтами: отсутствующие поля парсятся в 0,
// подписчик обязан игнорировать нулевые цены.
func (b *Bybit) handleTickerMessage(venue Venue, message []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Symbol     string `json:"symbol"`
			Bid1Price  string `json:"bid1Price"`
			Ask1Price  string `json:"ask1Price"`
			LastPrice  string `json:"lastPrice"`
			MarkPrice  string `json:"markPrice"`
			Turnover24 string `json:"turnover24h"`
		} `json:"data"`
	}

	if err := bybitJSON.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}

	b.callbackMu.RLock()
	callback, ok := b.tickerCallbacks[string(venue)+":"+msg.Data.Symbol]
	b.callbackMu.RUnlock()

	if !ok || callback == nil {
		return
	}

	bid, _ := strconv.ParseFloat(msg.Data.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(msg.Data.Ask1Price, 64)
	last, _ := strconv.ParseFloat(msg.Data.LastPrice, 64)
	mark, _ := strconv.ParseFloat(msg.Data.MarkPrice, 64)
	turnover, _ := strconv.ParseFloat(msg.Data.Turnover24, 64)

	callback(&Ticker{
		Symbol:    msg.Data.Symbol,
		Venue:     venue,
		BidPrice:  bid,
		AskPrice:  ask,
		LastPrice: last,
		MarkPrice: mark,
		Volume24h: turnover,
		Timestamp: time.Now().UTC(),
	})
}

// Close закрывает WS потоки
func (b *Bybit) Close() error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()

	if b.spotStream != nil {
		b.spotStream.Close()
		b.spotStream = nil
	}
	if b.linearStream != nil {
		b.linearStream.Close()
		b.linearStream = nil
	}

	b.connected = false
	return nil
}
