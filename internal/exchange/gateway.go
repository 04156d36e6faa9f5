package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fundingarb/internal/models"
	"fundingarb/pkg/ratelimit"
	"fundingarb/pkg/retry"
	"fundingarb/pkg/utils"
)

// gateway.go - единая точка выхода на биржу
//
// Все REST вызовы проходят через Gateway:
//   - одно token bucket ведро на процесс (пул делят сканер,
//     исполнитель и guardian'ы);
//   - чтения ретраятся с exponential backoff, записи не ретраятся
//     никогда - потерянный ответ на запись сверяется по clientOrderID;
//   - количество в ордерах проверяется на кратность шагу инструмента
//     до отправки.

// RateLimitWaitSeconds - время ожидания токена перед запросом
var RateLimitWaitSeconds = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "gateway",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for a rate limiter token",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
)

// GatewayConfig - параметры шлюза
type GatewayConfig struct {
	QueryTimeout time.Duration // потолок одного чтения
	WriteTimeout time.Duration // потолок одной записи
	RateLimit    float64       // запросов в секунду
	RateBurst    float64
}

// DefaultGatewayConfig возвращает параметры по умолчанию
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		QueryTimeout: 5 * time.Second,
		WriteTimeout: 10 * time.Second,
		RateLimit:    10,
		RateBurst:    20,
	}
}

// Gateway оборачивает Exchange ограничением частоты, ретраями и таймаутами
type Gateway struct {
	ex       Exchange
	limiter  *ratelimit.RateLimiter
	cfg      GatewayConfig
	retryCfg retry.Config
	log      *utils.Logger
}

// NewGateway создаёт шлюз поверх биржевой реализации
func NewGateway(ex Exchange, cfg GatewayConfig) *Gateway {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	retryCfg := retry.GatewayConfig()
	retryCfg.RetryIf = retry.IsRetryable

	g := &Gateway{
		ex:       ex,
		limiter:  ratelimit.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		cfg:      cfg,
		retryCfg: retryCfg,
		log:      utils.L().WithComponent("gateway").WithExchange(ex.GetName()),
	}
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.log.Warn("query retry",
			utils.Int("attempt", attempt),
			utils.String("delay", delay.String()),
			utils.Err(err))
	}
	g.retryCfg = retryCfg
	return g
}

// WithRetryConfig заменяет профиль ретраев чтений
// Используется тестами и биржами с нестандартными квотами
func (g *Gateway) WithRetryConfig(cfg retry.Config) *Gateway {
	if cfg.RetryIf == nil {
		cfg.RetryIf = retry.IsRetryable
	}
	g.retryCfg = cfg
	return g
}

// Name возвращает имя биржи под шлюзом
func (g *Gateway) Name() string {
	return g.ex.GetName()
}

// Limiter отдаёт ведро для метрик заполненности
func (g *Gateway) Limiter() *ratelimit.RateLimiter {
	return g.limiter
}

// waitTurn ждёт токен в ведре и учитывает длительность ожидания
func (g *Gateway) waitTurn(ctx context.Context) error {
	started := time.Now()
	err := g.limiter.Wait(ctx)
	RateLimitWaitSeconds.Observe(time.Since(started).Seconds())
	return err
}

// query выполняет одно чтение: токен, таймаут, классификация таймаута
func query[T any](ctx context.Context, g *Gateway, op func(context.Context) (T, error)) (T, error) {
	return retry.DoWithResult(ctx, func() (T, error) {
		var zero T

		if err := g.waitTurn(ctx); err != nil {
			return zero, err
		}

		qctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
		defer cancel()

		result, err := op(qctx)
		if err != nil && qctx.Err() != nil && ctx.Err() == nil {
			// Истёк таймаут попытки, а не внешний контекст - это
			// временный сбой, ретрай допустим
			return zero, &ExchangeError{
				Exchange: g.ex.GetName(),
				Kind:     KindTransient,
				Code:     CodeTimeout,
				Message:  fmt.Sprintf("query timed out after %s", g.cfg.QueryTimeout),
				Original: err,
			}
		}
		return result, err
	}, g.retryCfg)
}

// ============================================================
// Чтения (идемпотентные, ретраятся)
// ============================================================

// FetchPerpInstruments возвращает торгуемые USDT-перпетуалы
func (g *Gateway) FetchPerpInstruments(ctx context.Context) ([]string, error) {
	return query(ctx, g, func(ctx context.Context) ([]string, error) {
		return g.ex.ListPerpInstruments(ctx)
	})
}

// FetchFundingRate возвращает ставку финансирования перпетуала
func (g *Gateway) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	return query(ctx, g, func(ctx context.Context) (*FundingRate, error) {
		return g.ex.GetFundingRate(ctx, symbol)
	})
}

// FetchTicker возвращает цены и 24h оборот инструмента
func (g *Gateway) FetchTicker(ctx context.Context, venue Venue, symbol string) (*Ticker, error) {
	return query(ctx, g, func(ctx context.Context) (*Ticker, error) {
		return g.ex.GetTicker(ctx, venue, symbol)
	})
}

// FetchInstrumentRules возвращает торговые ограничения инструмента
func (g *Gateway) FetchInstrumentRules(ctx context.Context, venue Venue, symbol string) (*InstrumentRules, error) {
	return query(ctx, g, func(ctx context.Context) (*InstrumentRules, error) {
		return g.ex.GetInstrumentRules(ctx, venue, symbol)
	})
}

// FetchAccountState возвращает сводное состояние счёта
func (g *Gateway) FetchAccountState(ctx context.Context) (*models.AccountState, error) {
	return query(ctx, g, func(ctx context.Context) (*models.AccountState, error) {
		return g.ex.GetAccountState(ctx)
	})
}

// FetchPerpPosition возвращает позицию по перпетуалу (nil если нет)
func (g *Gateway) FetchPerpPosition(ctx context.Context, symbol string) (*PerpPosition, error) {
	return query(ctx, g, func(ctx context.Context) (*PerpPosition, error) {
		return g.ex.GetPerpPosition(ctx, symbol)
	})
}

// FetchSpotBalance возвращает свободный остаток актива на споте
func (g *Gateway) FetchSpotBalance(ctx context.Context, asset string) (float64, error) {
	return query(ctx, g, func(ctx context.Context) (float64, error) {
		return g.ex.GetSpotBalance(ctx, asset)
	})
}

// FetchOrderByClientID ищет ордер по клиентскому id
//
// Используется при сверке ambiguous-записи. ErrOrderNotFound не
// ретраится здесь: семантику "ещё не виден или не существует"
// различает опрашивающий цикл исполнителя.
func (g *Gateway) FetchOrderByClientID(ctx context.Context, venue Venue, symbol, clientOrderID string) (*Order, error) {
	order, err := query(ctx, g, func(ctx context.Context) (*Order, error) {
		o, err := g.ex.GetOrderByClientID(ctx, venue, symbol, clientOrderID)
		if errors.Is(err, ErrOrderNotFound) {
			return nil, retry.Permanent(err)
		}
		return o, err
	})
	if err != nil {
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return order, nil
}

// ============================================================
// Записи (не ретраятся)
// ============================================================

// PlaceMarketOrder размещает рыночный ордер
//
// До отправки количество проверяется на кратность шагу инструмента:
// некондиционный объём не должен покинуть процесс. Потеря ответа
// после отправки классифицируется как AMBIGUOUS_WRITE - судьбу ордера
// устанавливает только сверка по clientOrderID.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, venue Venue, symbol, side string, qty float64, rules *InstrumentRules, clientOrderID string) (*Order, error) {
	if qty <= 0 {
		return nil, NewError(g.ex.GetName(), KindValidation, CodeInvalidQuantity,
			fmt.Sprintf("quantity must be positive, got %v", qty))
	}
	if rules != nil {
		if rules.QtyStep > 0 && !utils.ConformsToStep(qty, rules.QtyStep) {
			return nil, NewError(g.ex.GetName(), KindValidation, CodeInvalidQuantity,
				fmt.Sprintf("quantity %v does not conform to step %v of %s", qty, rules.QtyStep, symbol))
		}
		if rules.MinOrderQty > 0 && qty < rules.MinOrderQty {
			return nil, NewError(g.ex.GetName(), KindValidation, CodeInvalidQuantity,
				fmt.Sprintf("quantity %v below minimum %v of %s", qty, rules.MinOrderQty, symbol))
		}
	}

	if err := g.waitTurn(ctx); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()

	order, err := g.ex.PlaceMarketOrder(wctx, venue, symbol, side, qty, clientOrderID)
	if err != nil {
		return nil, g.classifyWriteError(err)
	}
	return order, nil
}

// Transfer переводит средства между кошельками
func (g *Gateway) Transfer(ctx context.Context, from, to Wallet, asset string, amount float64) error {
	if amount <= 0 {
		return NewError(g.ex.GetName(), KindValidation, "",
			fmt.Sprintf("transfer amount must be positive, got %v", amount))
	}

	if err := g.waitTurn(ctx); err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()

	if err := g.ex.Transfer(wctx, from, to, asset, amount); err != nil {
		return g.classifyWriteError(err)
	}
	return nil
}

// classifyWriteError разделяет определённые отказы и потерянные ответы
//
// Биржа ответила отказом - ордера/перевода точно нет, ошибка уходит
// наверх как есть. Ответа нет (сеть, таймаут) - исход неизвестен.
func (g *Gateway) classifyWriteError(err error) error {
	var ee *ExchangeError
	if errors.As(err, &ee) && ee.Kind != KindTransient {
		return err
	}
	return &ExchangeError{
		Exchange: g.ex.GetName(),
		Kind:     KindAmbiguousWrite,
		Message:  "write outcome unknown: " + err.Error(),
		Original: err,
	}
}

// ============================================================
// Passthrough
// ============================================================

// SubscribeTicker подписывается на обновления цен
func (g *Gateway) SubscribeTicker(venue Venue, symbol string, callback func(*Ticker)) error {
	return g.ex.SubscribeTicker(venue, symbol, callback)
}

// Close закрывает соединения с биржей
func (g *Gateway) Close() error {
	return g.ex.Close()
}
