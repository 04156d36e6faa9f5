package bot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/internal/telemetry"
	"fundingarb/pkg/utils"
)

// PositionGuardian - надзор за одной открытой позицией
//
// Каждый тик guardian перечитывает ставку финансирования, базис и
// состояние счёта, начисляет funding на границах расчётных периодов
// и решает, пора ли выходить. Триггеры проверяются по порядку,
// срабатывает первый:
//   - ставка деградировала ниже порога N тиков подряд - выход;
//   - базис ушёл в бэквордацию глубже порога - выход по одному замеру;
//   - маржа перегружена - сперва перевод свободного квота на
//     деривативы, иначе пропорциональное сокращение обеих ног.
// Выход всегда приоритетнее ребалансировки.

// PositionStore - персистентность позиций, нужная торговому ядру
type PositionStore interface {
	Create(p *models.ActivePosition) error
	GetLive() ([]*models.ActivePosition, error)
	UpdateStatus(id, status string) error
	UpdateQuantities(id string, spotQty, perpQty float64) error
	AddFees(id string, fees float64) error
	AccrueFunding(id string, amount float64) error
}

// maxExitAttempts - потолок сорвавшихся попыток одного выхода.
// Дальше позицию закрывает оператор: биржа стабильно не даёт выйти.
const maxExitAttempts = 3

// Исходы guardian'а, уходящие супервизору
const (
	ReportClosed  = "CLOSED"
	ReportManual  = "MANUAL_INTERVENTION"
	ReportStopped = "STOPPED"
)

// GuardianReport - сообщение guardian'а супервизору
//
// Реестром владеет супервизор; guardian только просит убрать из
// него свою позицию.
type GuardianReport struct {
	PositionID string
	Symbol     string
	Outcome    string
	Err        error
}

// GuardianConfig - пороги выхода и ребалансировки
type GuardianConfig struct {
	QuoteCurrency      string
	ExitFundingRate    float64
	ExitSpread         float64
	NegativeFRDebounce int
	MarginUsageHigh    float64
	MarginUsageTarget  float64
	Period             time.Duration
	TickBudget         time.Duration
}

// PositionGuardian - страж позиции
type PositionGuardian struct {
	pos     *models.ActivePosition
	gw      *exchange.Gateway
	manager *OrderManager
	store   PositionStore
	cfg     GuardianConfig
	sink    telemetry.Sink
	reports chan<- GuardianReport
	log     *utils.Logger

	degradedFRCount int
	lastAccrual     time.Time
	pendingExit     string // триггер незавершённого выхода
	exitAttempts    int    // сорвавшиеся попытки текущего выхода

	// Сигнал супервизора "закрыть позицию" (аварийный стоп)
	exitRequests chan struct{}

	// Интервал между повторами жалобы на заблокированный канал итогов
	reportWarnEvery time.Duration

	// Последний тикер из WebSocket потока, запасной источник цены
	// когда REST опрос не прошёл
	streamMu     sync.Mutex
	streamTicker *exchange.Ticker
}

// NewPositionGuardian создаёт стража позиции
func NewPositionGuardian(pos *models.ActivePosition, gw *exchange.Gateway, manager *OrderManager, store PositionStore, cfg GuardianConfig, sink telemetry.Sink, reports chan<- GuardianReport) *PositionGuardian {
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 8 * time.Second
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &PositionGuardian{
		pos:             pos,
		gw:              gw,
		manager:         manager,
		store:           store,
		cfg:             cfg,
		sink:            sink,
		reports:         reports,
		log:             utils.L().WithComponent("guardian").WithSymbol(pos.Symbol).WithPositionID(pos.ID),
		lastAccrual:     time.Now().UTC(),
		exitRequests:    make(chan struct{}, 1),
		reportWarnEvery: 5 * time.Second,
	}
}

// RequestExit просит guardian'а закрыть позицию вне рыночных триггеров
//
// Используется супервизором при аварийном стопе. Повторные запросы
// схлопываются; закрытие начинается на ближайшей итерации цикла.
func (g *PositionGuardian) RequestExit() {
	select {
	case g.exitRequests <- struct{}{}:
	default:
	}
}

// Run крутит цикл надзора до закрытия позиции или отмены контекста
func (g *PositionGuardian) Run(ctx context.Context) {
	g.log.Info("guardian started",
		utils.Float64("spot_qty", g.pos.SpotQty),
		utils.Float64("perp_qty", g.pos.PerpQty))

	// Рестарт посреди выхода: продолжаем закрытие
	if g.pos.Status == models.PositionStatusClosing {
		g.pendingExit = "resume_close"
	}

	if err := g.gw.SubscribeTicker(exchange.VenuePerp, g.pos.Symbol, g.onStreamTicker); err != nil {
		g.log.Warn("ticker stream subscription failed, REST only", utils.Err(err))
	}

	ticker := time.NewTicker(g.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.report(GuardianReport{PositionID: g.pos.ID, Symbol: g.pos.Symbol, Outcome: ReportStopped})
			return

		case <-g.exitRequests:
			g.log.Info("exit requested by supervisor")
			if g.exit(ctx, "kill_switch") {
				return
			}

		case <-ticker.C:
			started := time.Now()
			done := g.tick(ctx)
			elapsed := time.Since(started)

			GuardianTickDuration.Observe(elapsed.Seconds())
			if elapsed > g.cfg.TickBudget {
				g.log.Warn("tick budget exceeded",
					utils.Latency(float64(elapsed.Milliseconds())))
			}

			if done {
				return
			}
		}
	}
}

// tick выполняет один цикл надзора, true когда позиция покинула реестр
func (g *PositionGuardian) tick(ctx context.Context) bool {
	// Начатый выход доводится до конца раньше любых новых решений
	if g.pendingExit != "" {
		return g.exit(ctx, g.pendingExit)
	}

	fr, err := g.gw.FetchFundingRate(ctx, g.pos.Symbol)
	if err != nil {
		g.log.Warn("funding rate fetch failed", utils.Err(err))
		return false
	}

	perpTicker, err := g.gw.FetchTicker(ctx, exchange.VenuePerp, g.pos.Symbol)
	if err != nil {
		perpTicker = g.streamSnapshot()
		if perpTicker == nil {
			g.log.Warn("perp ticker fetch failed", utils.Err(err))
			return false
		}
		g.log.Warn("perp ticker fetch failed, using stream sample", utils.Err(err))
	}
	spotTicker, err := g.gw.FetchTicker(ctx, exchange.VenueSpot, g.pos.Symbol)
	if err != nil {
		g.log.Warn("spot ticker fetch failed", utils.Err(err))
		return false
	}

	g.accrueFunding(fr, perpTicker)

	spread := utils.CalculateSpread(perpTicker.LastPrice, spotTicker.LastPrice)

	// Деградация ставки: нужен дебаунс, одиночный провал прощается.
	// Ставка ровно на пороге уже считается провалом.
	if fr.Rate <= g.cfg.ExitFundingRate {
		g.degradedFRCount++
		g.log.Info("funding rate degraded",
			utils.FundingRate(fr.Rate),
			utils.Int("consecutive", g.degradedFRCount))
		if g.degradedFRCount >= g.cfg.NegativeFRDebounce {
			RecordGuardianTrigger("negative_fr")
			g.sink.Guardian(telemetry.NewGuardianTrigger(
				telemetry.TriggerExitNegativeFR, g.pos.Symbol, g.degradedFRCount, spread))
			return g.exit(ctx, telemetry.TriggerExitNegativeFR)
		}
	} else {
		g.degradedFRCount = 0
	}

	// Бэквордация: одного замера достаточно, базис против позиции
	if spread <= g.cfg.ExitSpread {
		g.log.Warn("backwardation exit triggered", utils.Spread(spread))
		RecordGuardianTrigger("backwardation")
		g.sink.Guardian(telemetry.NewGuardianTrigger(
			telemetry.TriggerExitBackwardation, g.pos.Symbol, 0, spread))
		return g.exit(ctx, telemetry.TriggerExitBackwardation)
	}

	return g.checkMargin(ctx, perpTicker.LastPrice)
}

// onStreamTicker принимает тикер из WebSocket потока
func (g *PositionGuardian) onStreamTicker(t *exchange.Ticker) {
	if t == nil || t.LastPrice <= 0 {
		return
	}
	g.streamMu.Lock()
	g.streamTicker = t
	g.streamMu.Unlock()
}

// streamSnapshot возвращает свежий тикер из потока, nil если его нет
// или он старше двух периодов надзора
func (g *PositionGuardian) streamSnapshot() *exchange.Ticker {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()
	if g.streamTicker == nil {
		return nil
	}
	if time.Since(g.streamTicker.Timestamp) > 2*g.cfg.Period {
		return nil
	}
	return g.streamTicker
}

// accrueFunding начисляет funding на границах расчётных периодов
func (g *PositionGuardian) accrueFunding(fr *exchange.FundingRate, perpTicker *exchange.Ticker) {
	now := time.Now().UTC()
	periods := utils.FundingPeriodsBetween(g.lastAccrual, now)
	if periods < 1 {
		return
	}

	markPrice := perpTicker.MarkPrice
	if markPrice <= 0 {
		markPrice = perpTicker.LastPrice
	}

	// Шорт перпа при положительной ставке получает выплату
	payment := float64(periods) * utils.EstimateFundingPayment(fr.Rate, markPrice, g.pos.HedgeQty())
	g.lastAccrual = now

	if err := g.store.AccrueFunding(g.pos.ID, payment); err != nil {
		g.log.Error("funding accrual persist failed", utils.Err(err))
		return
	}
	g.pos.AccrueFunding(payment)
	FundingAccrued.Add(payment)

	g.log.Info("funding accrued",
		utils.Float64("payment", payment),
		utils.FundingRate(fr.Rate),
		utils.Int("periods", periods))
}

// exit закрывает позицию целиком, true когда позиция покинула реестр
func (g *PositionGuardian) exit(ctx context.Context, trigger string) bool {
	g.pendingExit = trigger

	if g.pos.Status == models.PositionStatusOpen {
		if !CanTransition(g.pos.Status, models.PositionStatusClosing) {
			g.report(GuardianReport{
				PositionID: g.pos.ID, Symbol: g.pos.Symbol, Outcome: ReportManual,
				Err: fmt.Errorf("illegal transition %s -> CLOSING", g.pos.Status),
			})
			return true
		}
		if err := g.store.UpdateStatus(g.pos.ID, models.PositionStatusClosing); err != nil {
			g.log.Error("status update failed", utils.Err(err))
			return false
		}
		g.pos.Status = models.PositionStatusClosing
	}

	outcome := g.manager.ExecuteExit(ctx, g.pos, telemetry.ExitTypeFull)
	switch outcome.Outcome {
	case models.OutcomeFilled:
		if err := g.store.AddFees(g.pos.ID, outcome.Fees); err != nil {
			g.log.Error("fees persist failed", utils.Err(err))
		}
		if err := g.store.UpdateStatus(g.pos.ID, models.PositionStatusClosed); err != nil {
			g.log.Error("status update failed", utils.Err(err))
			return false
		}
		g.pos.Status = models.PositionStatusClosed
		g.log.Info("position closed",
			utils.String("trigger", trigger),
			utils.Float64("funding_accrued", g.pos.FundingAccrued),
			utils.Float64("total_fees", g.pos.TotalFees+outcome.Fees))
		g.report(GuardianReport{PositionID: g.pos.ID, Symbol: g.pos.Symbol, Outcome: ReportClosed})
		return true

	case models.OutcomeManualIntervention:
		g.log.Error("exit needs operator", utils.Err(outcome.Err))
		g.report(GuardianReport{
			PositionID: g.pos.ID, Symbol: g.pos.Symbol,
			Outcome: ReportManual, Err: outcome.Err,
		})
		return true

	default:
		// Выход не прошёл - позиция осталась в CLOSING, повтор на
		// следующем тике. Исчерпанные попытки отдаются оператору.
		g.exitAttempts++
		if g.exitAttempts >= maxExitAttempts {
			g.log.Error("exit attempts exhausted",
				utils.Int("attempts", g.exitAttempts),
				utils.Err(outcome.Err))
			g.report(GuardianReport{
				PositionID: g.pos.ID, Symbol: g.pos.Symbol,
				Outcome: ReportManual,
				Err:     fmt.Errorf("exit failed %d times: %w", g.exitAttempts, outcome.Err),
			})
			return true
		}
		g.log.Warn("exit attempt failed, will retry",
			utils.Int("attempt", g.exitAttempts),
			utils.Err(outcome.Err))
		return false
	}
}

// checkMargin следит за загрузкой маржи, true если позиция
// покинула реестр
//
// Перегрузка лечится сперва переводом свободного квота на
// деривативы; нечего переводить - обе ноги сокращаются до целевой
// загрузки.
func (g *PositionGuardian) checkMargin(ctx context.Context, perpPrice float64) bool {
	acct, err := g.gw.FetchAccountState(ctx)
	if err != nil {
		g.log.Warn("account state fetch failed", utils.Err(err))
		return false
	}

	usage := acct.MarginUsage()
	UpdateAccountMetrics(acct.Equity, usage)
	g.sink.Wallet(telemetry.NewWallet(acct.SpotAvailable, acct.MarginUsed, usage, acct.Equity))

	if usage < g.cfg.MarginUsageHigh {
		return false
	}

	g.log.Warn("margin usage high",
		utils.Float64("usage", usage),
		utils.Float64("threshold", g.cfg.MarginUsageHigh))
	RecordGuardianTrigger("margin")

	// Перевод дешевле сокращения позиции. Переводится сколько нужно
	// до целевой загрузки, но не больше свободного квота на споте
	needed := acct.MarginUsed/g.cfg.MarginUsageTarget - acct.Equity
	if amount := math.Min(needed, acct.SpotAvailable); amount > 0 {
		if err := g.gw.Transfer(ctx, exchange.WalletSpot, exchange.WalletDerivatives,
			g.cfg.QuoteCurrency, amount); err != nil {
			g.log.Error("rebalance transfer failed", utils.Err(err))
		} else {
			g.log.Info("collateral transferred to derivatives",
				utils.Float64("amount", amount),
				utils.Float64("needed", needed))
			return false
		}
	}

	// Сокращение до целевой загрузки
	frac := 1 - g.cfg.MarginUsageTarget/usage
	reduceQty := utils.Clamp(g.pos.HedgeQty()*frac, 0, g.pos.HedgeQty())
	if reduceQty <= 0 || perpPrice <= 0 {
		return false
	}

	outcome := g.manager.ExecuteReduce(ctx, g.pos, reduceQty)
	switch outcome.Outcome {
	case models.OutcomeFilled:
		g.pos.SpotQty -= outcome.SpotFilled
		g.pos.PerpQty -= outcome.PerpFilled
		if err := g.store.UpdateQuantities(g.pos.ID, g.pos.SpotQty, g.pos.PerpQty); err != nil {
			g.log.Error("quantities persist failed", utils.Err(err))
		}
		if err := g.store.AddFees(g.pos.ID, outcome.Fees); err != nil {
			g.log.Error("fees persist failed", utils.Err(err))
		}
		g.log.Info("position reduced",
			utils.Float64("reduced_qty", outcome.SpotFilled),
			utils.Float64("spot_qty", g.pos.SpotQty),
			utils.Float64("perp_qty", g.pos.PerpQty))
		return false

	case models.OutcomeManualIntervention:
		g.report(GuardianReport{
			PositionID: g.pos.ID, Symbol: g.pos.Symbol,
			Outcome: ReportManual, Err: outcome.Err,
		})
		return true

	default:
		g.log.Warn("reduce attempt failed", utils.Err(outcome.Err))
		return false
	}
}

// report шлёт итог супервизору
//
// Итог не теряется никогда: потерянный CLOSED навсегда занял бы слот
// в реестре. Затянувшаяся блокировка канала только логируется.
func (g *PositionGuardian) report(r GuardianReport) {
	warn := time.NewTicker(g.reportWarnEvery)
	defer warn.Stop()
	for {
		select {
		case g.reports <- r:
			return
		case <-warn.C:
			g.log.Error("supervisor report channel blocked",
				utils.Outcome(r.Outcome))
		}
	}
}
