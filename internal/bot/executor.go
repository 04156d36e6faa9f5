package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/internal/telemetry"
	"fundingarb/pkg/retry"
	"fundingarb/pkg/utils"
)

// OrderManager - атомарный исполнитель двухногих операций
//
// Вход: одновременная покупка спота и продажа перпетуала одного
// символа. Ноги отправляются параллельно и ждутся совместно; после
// отправки операция не прерывается - частичная отмена сломала бы
// дельта-нейтральность. Потерянный ответ сверяется по clientOrderID,
// исполненная в одиночку нога разворачивается, остаточный дисбаланс
// срезается до захеджированного объёма.

// ErrInsufficientNotional - заданный notional после приведения к шагу
// не дотягивает до минимумов инструмента, входа не будет
var ErrInsufficientNotional = errors.New("insufficient notional")

// ExecutorConfig - параметры исполнителя
type ExecutorConfig struct {
	ReconcilePollInterval time.Duration // период опроса при сверке
	ReconcileQuickWindow  time.Duration // окно "ордер так и не появился"
	ReconcileMaxWindow    time.Duration // потолок сверки, дальше оператор
}

// DefaultExecutorConfig возвращает параметры по умолчанию
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ReconcilePollInterval: 500 * time.Millisecond,
		ReconcileQuickWindow:  5 * time.Second,
		ReconcileMaxWindow:    30 * time.Second,
	}
}

// OrderManager - исполнитель
type OrderManager struct {
	gw   *exchange.Gateway
	cfg  ExecutorConfig
	sink telemetry.Sink
	log  *utils.Logger

	// По символу одновременно идёт максимум одна операция
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewOrderManager создаёт исполнитель
func NewOrderManager(gw *exchange.Gateway, cfg ExecutorConfig, sink telemetry.Sink) *OrderManager {
	if cfg.ReconcilePollInterval <= 0 {
		cfg = DefaultExecutorConfig()
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &OrderManager{
		gw:    gw,
		cfg:   cfg,
		sink:  sink,
		log:   utils.L().WithComponent("executor"),
		locks: make(map[string]*sync.Mutex),
	}
}

// symbolLock возвращает мьютекс символа
func (m *OrderManager) symbolLock(symbol string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

// legResult - результат одной ноги
type legResult struct {
	venue exchange.Venue
	side  string
	cid   string
	order *exchange.Order
	err   error
}

// resolvedLeg - нога после сверки
type resolvedLeg struct {
	venue     exchange.Venue
	filled    float64
	avgPrice  float64
	fee       float64
	notPlaced bool  // биржа ордер точно не приняла
	err       error // сверка не дала ответа
}

// ============================================================
// Вход
// ============================================================

// ExecuteEntry открывает carry-позицию: лонг спот + шорт перп
//
// notional - размер входа в валюте котировки.
func (m *OrderManager) ExecuteEntry(ctx context.Context, cand models.TargetCandidate, notional float64) *models.ExecutionOutcome {
	if err := ctx.Err(); err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}

	lock := m.symbolLock(cand.Symbol.Key())
	lock.Lock()
	defer lock.Unlock()

	log := m.log.WithSymbol(cand.Symbol.Key())

	spotRules, err := m.gw.FetchInstrumentRules(ctx, exchange.VenueSpot, cand.Symbol.Spot)
	if err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}
	perpRules, err := m.gw.FetchInstrumentRules(ctx, exchange.VenuePerp, cand.Symbol.Perp)
	if err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}

	qty, err := entryQuantity(notional, cand.SpotPrice, spotRules, perpRules)
	if err != nil {
		log.Warn("entry sizing failed", utils.Err(err))
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}

	log.Info("dispatching entry legs",
		utils.Qty(qty),
		utils.Float64("notional", notional),
		utils.Spread(cand.Spread),
		utils.FundingRate(cand.FundingRate))

	spot, perp := m.dispatchPair(ctx,
		legOrder{exchange.VenueSpot, cand.Symbol.Spot, exchange.SideBuy, qty, spotRules},
		legOrder{exchange.VenuePerp, cand.Symbol.Perp, exchange.SideSell, qty, perpRules})

	outcome := m.settleEntry(ctx, cand, spot, perp, spotRules, perpRules)
	RecordEntry(outcome.Outcome)

	if outcome.Outcome == models.OutcomeFilled && outcome.Position != nil {
		size := outcome.Position.HedgeQty()
		vwap := pairVWAP(outcome)
		m.sink.Trade(telemetry.NewEntryTrade(cand.Symbol.Key(), vwap, size, size*vwap))
	}
	return outcome
}

// settleEntry сводит результаты ног входа к единому исходу
func (m *OrderManager) settleEntry(ctx context.Context, cand models.TargetCandidate, spot, perp legResult, spotRules, perpRules *exchange.InstrumentRules) *models.ExecutionOutcome {
	log := m.log.WithSymbol(cand.Symbol.Key())

	rSpot := m.resolveLeg(ctx, cand.Symbol.Spot, spot)
	rPerp := m.resolveLeg(ctx, cand.Symbol.Perp, perp)

	// Сверка не дала ответа - состояние ног неизвестно, автоматика
	// дальше не идёт
	if rSpot.err != nil || rPerp.err != nil {
		log.Error("entry state unresolved",
			utils.Err(firstErr(rSpot.err, rPerp.err)))
		return &models.ExecutionOutcome{
			Outcome: models.OutcomeManualIntervention,
			Err:     firstErr(rSpot.err, rPerp.err),
		}
	}

	switch {
	case rSpot.filled > 0 && rPerp.filled > 0:
		return m.finishEntry(ctx, cand, rSpot, rPerp, spotRules, perpRules)

	case rSpot.filled == 0 && rPerp.filled == 0:
		// Ни одна нога не прошла - входа не было
		log.Warn("entry aborted, no legs placed",
			utils.Err(firstErr(spot.err, perp.err)))
		return &models.ExecutionOutcome{
			Outcome: models.OutcomeAborted,
			Err:     firstErr(spot.err, perp.err),
		}

	case rSpot.filled > 0:
		// Спот прошёл, перп нет - разворачиваем спот
		return m.recoverLeg(ctx, cand.Symbol.Spot, exchange.VenueSpot, exchange.SideSell,
			rSpot.filled, spotRules, firstErr(perp.err))

	default:
		// Перп прошёл, спот нет - выкупаем шорт
		return m.recoverLeg(ctx, cand.Symbol.Perp, exchange.VenuePerp, exchange.SideBuy,
			rPerp.filled, perpRules, firstErr(spot.err))
	}
}

// finishEntry срезает дисбаланс и собирает позицию
func (m *OrderManager) finishEntry(ctx context.Context, cand models.TargetCandidate, rSpot, rPerp resolvedLeg, spotRules, perpRules *exchange.InstrumentRules) *models.ExecutionOutcome {
	log := m.log.WithSymbol(cand.Symbol.Key())

	spotQty := rSpot.filled
	perpQty := rPerp.filled
	fees := rSpot.fee + rPerp.fee

	step := coarserStep(spotRules, perpRules)
	if utils.Abs(spotQty-perpQty) > step {
		trimmed, err := m.trimExcess(ctx, cand.Symbol, spotQty, perpQty, spotRules, perpRules)
		if err != nil {
			log.Error("leg imbalance trim failed", utils.Err(err))
			return &models.ExecutionOutcome{
				Outcome: models.OutcomeManualIntervention,
				Err:     err,
			}
		}
		LegImbalancesTrimmed.Inc()
		spotQty, perpQty = trimmed.spot, trimmed.perp
	}

	pos, err := models.NewActivePosition(cand.Symbol.Key(), spotQty, perpQty, cand.Spread, fees)
	if err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeManualIntervention, Err: err}
	}

	log.Info("entry filled",
		utils.PositionID(pos.ID),
		utils.Float64("spot_qty", spotQty),
		utils.Float64("perp_qty", perpQty),
		utils.Float64("fees", fees))

	return &models.ExecutionOutcome{
		Outcome:      models.OutcomeFilled,
		Position:     pos,
		SpotFilled:   spotQty,
		SpotAvgPrice: rSpot.avgPrice,
		PerpFilled:   perpQty,
		PerpAvgPrice: rPerp.avgPrice,
		Fees:         fees,
	}
}

// recoverLeg разворачивает одиноко исполненную ногу
func (m *OrderManager) recoverLeg(ctx context.Context, symbol string, venue exchange.Venue, side string, qty float64, rules *exchange.InstrumentRules, cause error) *models.ExecutionOutcome {
	log := m.log.WithSymbol(symbol)
	log.Warn("recovering lone leg",
		utils.String("venue", string(venue)),
		utils.Side(side),
		utils.Qty(qty),
		utils.Err(cause))

	if err := m.reverse(ctx, venue, symbol, side, qty, rules); err != nil {
		return &models.ExecutionOutcome{
			Outcome: models.OutcomeManualIntervention,
			Err:     fmt.Errorf("leg recovery failed: %w", err),
		}
	}

	return &models.ExecutionOutcome{
		Outcome: models.OutcomeRecovered,
		Err:     cause,
	}
}

// ============================================================
// Выход
// ============================================================

// ExecuteExit закрывает обе ноги позиции зеркально входу
//
// exitType - full или rebalance, уходит в телеметрию.
func (m *OrderManager) ExecuteExit(ctx context.Context, p *models.ActivePosition, exitType string) *models.ExecutionOutcome {
	outcome := m.reduce(ctx, p, p.SpotQty, p.PerpQty, exitType)
	RecordExit(outcome.Outcome, exitType)
	return outcome
}

// ExecuteReduce закрывает часть обеих ног (ребалансировка маржи)
func (m *OrderManager) ExecuteReduce(ctx context.Context, p *models.ActivePosition, reduceQty float64) *models.ExecutionOutcome {
	outcome := m.reduce(ctx, p, reduceQty, reduceQty, telemetry.ExitTypeRebalance)
	RecordExit(outcome.Outcome, telemetry.ExitTypeRebalance)
	return outcome
}

// reduce снимает заданные объёмы с обеих ног одновременно
func (m *OrderManager) reduce(ctx context.Context, p *models.ActivePosition, spotQty, perpQty float64, exitType string) *models.ExecutionOutcome {
	if err := ctx.Err(); err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}

	lock := m.symbolLock(p.Symbol)
	lock.Lock()
	defer lock.Unlock()

	sym, err := models.NewSymbol(p.Symbol)
	if err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}
	log := m.log.WithSymbol(p.Symbol).WithPositionID(p.ID)

	spotRules, err := m.gw.FetchInstrumentRules(ctx, exchange.VenueSpot, sym.Spot)
	if err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}
	perpRules, err := m.gw.FetchInstrumentRules(ctx, exchange.VenuePerp, sym.Perp)
	if err != nil {
		return &models.ExecutionOutcome{Outcome: models.OutcomeAborted, Err: err}
	}

	spotQty = utils.FloorToStep(spotQty, spotRules.QtyStep)
	perpQty = utils.FloorToStep(perpQty, perpRules.QtyStep)
	if spotQty <= 0 || perpQty <= 0 {
		return &models.ExecutionOutcome{
			Outcome: models.OutcomeAborted,
			Err:     fmt.Errorf("reduce quantity below step: spot=%v perp=%v", spotQty, perpQty),
		}
	}

	log.Info("dispatching exit legs",
		utils.Float64("spot_qty", spotQty),
		utils.Float64("perp_qty", perpQty),
		utils.String("exit_type", exitType))

	spot, perp := m.dispatchPair(ctx,
		legOrder{exchange.VenueSpot, sym.Spot, exchange.SideSell, spotQty, spotRules},
		legOrder{exchange.VenuePerp, sym.Perp, exchange.SideBuy, perpQty, perpRules})

	rSpot := m.resolveLeg(ctx, sym.Spot, spot)
	rPerp := m.resolveLeg(ctx, sym.Perp, perp)

	if rSpot.err != nil || rPerp.err != nil {
		return &models.ExecutionOutcome{
			Outcome: models.OutcomeManualIntervention,
			Err:     firstErr(rSpot.err, rPerp.err),
		}
	}

	// Непрошедшая нога доотправляется с упорством профиля закрытия:
	// наполовину закрытая позиция хуже, чем полностью открытая
	if rSpot.filled == 0 && rPerp.filled == 0 {
		return &models.ExecutionOutcome{
			Outcome: models.OutcomeAborted,
			Err:     firstErr(spot.err, perp.err),
		}
	}

	if rSpot.filled == 0 {
		if err := m.reverse(ctx, exchange.VenueSpot, sym.Spot, exchange.SideSell, spotQty, spotRules); err != nil {
			return &models.ExecutionOutcome{Outcome: models.OutcomeManualIntervention, Err: err}
		}
		rSpot.filled = spotQty
	}
	if rPerp.filled == 0 {
		if err := m.reverse(ctx, exchange.VenuePerp, sym.Perp, exchange.SideBuy, perpQty, perpRules); err != nil {
			return &models.ExecutionOutcome{Outcome: models.OutcomeManualIntervention, Err: err}
		}
		rPerp.filled = perpQty
	}

	fees := rSpot.fee + rPerp.fee
	log.Info("exit legs filled",
		utils.Float64("spot_filled", rSpot.filled),
		utils.Float64("perp_filled", rPerp.filled),
		utils.Float64("fees", fees))

	size := rSpot.filled
	vwap := rSpot.avgPrice
	if vwap <= 0 {
		vwap = rPerp.avgPrice
	}
	m.sink.Trade(telemetry.NewExitTrade(p.Symbol, vwap, size, size*vwap, exitType))

	return &models.ExecutionOutcome{
		Outcome:      models.OutcomeFilled,
		SpotFilled:   rSpot.filled,
		SpotAvgPrice: rSpot.avgPrice,
		PerpFilled:   rPerp.filled,
		PerpAvgPrice: rPerp.avgPrice,
		Fees:         fees,
	}
}

// ============================================================
// Механика ног
// ============================================================

// legOrder - задание на одну ногу
type legOrder struct {
	venue  exchange.Venue
	symbol string
	side   string
	qty    float64
	rules  *exchange.InstrumentRules
}

// dispatchPair отправляет обе ноги параллельно и ждёт обе
//
// Ожидание не прерывается внешним контекстом: после отправки исход
// обеих ног должен быть установлен. Каждую ногу ограничивает
// таймаут записи шлюза.
func (m *OrderManager) dispatchPair(ctx context.Context, a, b legOrder) (legResult, legResult) {
	detached := context.WithoutCancel(ctx)

	chA := make(chan legResult, 1)
	chB := make(chan legResult, 1)

	go func() { chA <- m.placeLeg(detached, a) }()
	go func() { chB <- m.placeLeg(detached, b) }()

	resA := <-chA
	resB := <-chB
	return resA, resB
}

// placeLeg размещает одну ногу
func (m *OrderManager) placeLeg(ctx context.Context, leg legOrder) legResult {
	cid := uuid.NewString()
	started := time.Now()

	order, err := m.gw.PlaceMarketOrder(ctx, leg.venue, leg.symbol, leg.side, leg.qty, leg.rules, cid)
	RecordLegLatency(string(leg.venue), leg.side, float64(time.Since(started).Milliseconds()))

	return legResult{
		venue: leg.venue,
		side:  leg.side,
		cid:   cid,
		order: order,
		err:   err,
	}
}

// resolveLeg устанавливает фактический исход ноги
//
// Определённый отказ - ноги нет. Потерянный ответ - судьбу ордера
// устанавливает опрос по clientOrderID.
func (m *OrderManager) resolveLeg(ctx context.Context, symbol string, res legResult) resolvedLeg {
	if res.err == nil && res.order != nil {
		return resolvedLeg{
			venue:    res.venue,
			filled:   res.order.FilledQty,
			avgPrice: res.order.AvgFillPrice,
			fee:      res.order.Fee,
		}
	}

	if exchange.IsAmbiguous(res.err) {
		return m.reconcile(ctx, res.venue, symbol, res.cid)
	}

	// REJECTED_PRE_PLACE, VALIDATION, исчерпанные ретраи - ордера нет
	return resolvedLeg{venue: res.venue, notPlaced: true}
}

// reconcile опрашивает биржу по clientOrderID
//
// Ордер найден - исход известен. Стабильное "не найден" после
// короткого окна - ордер до движка не дошёл. Опрос, не давший
// ответа за потолок времени, отдаётся оператору.
func (m *OrderManager) reconcile(ctx context.Context, venue exchange.Venue, symbol, cid string) resolvedLeg {
	detached := context.WithoutCancel(ctx)
	log := m.log.WithSymbol(symbol)
	log.Warn("write outcome unknown, reconciling",
		utils.String("venue", string(venue)),
		utils.OrderID(cid))

	started := time.Now()
	ticker := time.NewTicker(m.cfg.ReconcilePollInterval)
	defer ticker.Stop()

	for {
		order, err := m.gw.FetchOrderByClientID(detached, venue, symbol, cid)
		elapsed := time.Since(started)

		if err == nil {
			log.Info("ambiguous write resolved",
				utils.OrderID(cid),
				utils.Qty(order.FilledQty),
				utils.String("status", order.Status))
			if order.FilledQty == 0 &&
				(order.Status == exchange.OrderStatusRejected || order.Status == exchange.OrderStatusCancelled) {
				AmbiguousReconciliations.WithLabelValues("not_placed").Inc()
				return resolvedLeg{venue: venue, notPlaced: true}
			}
			AmbiguousReconciliations.WithLabelValues("filled").Inc()
			return resolvedLeg{
				venue:    venue,
				filled:   order.FilledQty,
				avgPrice: order.AvgFillPrice,
				fee:      order.Fee,
			}
		}

		if errors.Is(err, exchange.ErrOrderNotFound) && elapsed >= m.cfg.ReconcileQuickWindow {
			// Стабильно не найден - до движка не дошёл
			AmbiguousReconciliations.WithLabelValues("not_placed").Inc()
			log.Info("ambiguous write resolved as not placed", utils.OrderID(cid))
			return resolvedLeg{venue: venue, notPlaced: true}
		}

		if elapsed >= m.cfg.ReconcileMaxWindow {
			AmbiguousReconciliations.WithLabelValues("unresolved").Inc()
			log.Error("reconciliation window exhausted", utils.OrderID(cid), utils.Err(err))
			return resolvedLeg{
				venue: venue,
				err:   fmt.Errorf("order %s on %s unresolved after %s: %w", cid, venue, m.cfg.ReconcileMaxWindow, err),
			}
		}

		<-ticker.C
	}
}

// reverse закрывает объём рыночным ордером с упорством профиля закрытия
func (m *OrderManager) reverse(ctx context.Context, venue exchange.Venue, symbol, side string, qty float64, rules *exchange.InstrumentRules) error {
	qty = utils.FloorToStep(qty, rules.QtyStep)
	if qty <= 0 {
		return nil
	}

	detached := context.WithoutCancel(ctx)
	cfg := retry.CloseConfig()
	cfg.RetryIf = func(err error) bool {
		// Потерянный ответ здесь не пере-отправляется вслепую
		return !exchange.IsAmbiguous(err) && retry.RetryIfNotContext(err)
	}

	return retry.Do(detached, func() error {
		cid := uuid.NewString()
		order, err := m.gw.PlaceMarketOrder(detached, venue, symbol, side, qty, rules, cid)
		if err != nil {
			if exchange.IsAmbiguous(err) {
				r := m.reconcile(detached, venue, symbol, cid)
				if r.err != nil {
					return retry.Permanent(r.err)
				}
				if r.notPlaced {
					return fmt.Errorf("reversal order not placed")
				}
				qty -= r.filled
				qty = utils.FloorToStep(qty, rules.QtyStep)
				if qty <= 0 {
					return nil
				}
				return fmt.Errorf("reversal partially filled, %v remaining", qty)
			}
			return err
		}

		qty -= order.FilledQty
		qty = utils.FloorToStep(qty, rules.QtyStep)
		if qty > 0 {
			return fmt.Errorf("reversal partially filled, %v remaining", qty)
		}
		return nil
	}, cfg)
}

// trimResult - объёмы ног после среза дисбаланса
type trimResult struct {
	spot float64
	perp float64
}

// trimExcess срезает лишний объём большей ноги до захеджированного
func (m *OrderManager) trimExcess(ctx context.Context, sym models.Symbol, spotQty, perpQty float64, spotRules, perpRules *exchange.InstrumentRules) (trimResult, error) {
	hedge := spotQty
	if perpQty < hedge {
		hedge = perpQty
	}

	if spotQty > perpQty {
		excess := utils.FloorToStep(spotQty-hedge, spotRules.QtyStep)
		if excess > 0 {
			if err := m.reverse(ctx, exchange.VenueSpot, sym.Spot, exchange.SideSell, excess, spotRules); err != nil {
				return trimResult{}, err
			}
			spotQty -= excess
		}
	} else {
		excess := utils.FloorToStep(perpQty-hedge, perpRules.QtyStep)
		if excess > 0 {
			if err := m.reverse(ctx, exchange.VenuePerp, sym.Perp, exchange.SideBuy, excess, perpRules); err != nil {
				return trimResult{}, err
			}
			perpQty -= excess
		}
	}

	return trimResult{spot: spotQty, perp: perpQty}, nil
}

// ============================================================
// Вспомогательные
// ============================================================

// entryQuantity считает объём входа с учётом шагов обоих инструментов
//
// Опорная цена - текущий спот: объём покупается на спотовой ноге.
func entryQuantity(notional, refPrice float64, spotRules, perpRules *exchange.InstrumentRules) (float64, error) {
	if refPrice <= 0 {
		return 0, fmt.Errorf("invalid reference price %v", refPrice)
	}

	step := coarserStep(spotRules, perpRules)
	qty := utils.FloorToStep(notional/refPrice, step)
	if qty <= 0 {
		return 0, fmt.Errorf("%w: %v rounds to zero at step %v, price %v", ErrInsufficientNotional, notional, step, refPrice)
	}

	if qty < spotRules.MinOrderQty || qty < perpRules.MinOrderQty {
		return 0, fmt.Errorf("%w: quantity %v below instrument minimum", ErrInsufficientNotional, qty)
	}
	if spotRules.MinNotional > 0 && qty*refPrice < spotRules.MinNotional {
		return 0, fmt.Errorf("%w: %v below spot minimum %v", ErrInsufficientNotional, qty*refPrice, spotRules.MinNotional)
	}
	if perpRules.MinNotional > 0 && qty*refPrice < perpRules.MinNotional {
		return 0, fmt.Errorf("%w: %v below perp minimum %v", ErrInsufficientNotional, qty*refPrice, perpRules.MinNotional)
	}

	return qty, nil
}

// coarserStep возвращает больший из шагов двух инструментов
func coarserStep(spotRules, perpRules *exchange.InstrumentRules) float64 {
	step := spotRules.QtyStep
	if perpRules.QtyStep > step {
		step = perpRules.QtyStep
	}
	if step <= 0 {
		step = 1e-8
	}
	return step
}

// pairVWAP - средневзвешенная цена входа по обеим ногам
func pairVWAP(o *models.ExecutionOutcome) float64 {
	return utils.CalculateWeightedAverage(
		[]float64{o.SpotAvgPrice, o.PerpAvgPrice},
		[]float64{o.SpotFilled, o.PerpFilled},
	)
}

// firstErr возвращает первую ненулевую ошибку
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
