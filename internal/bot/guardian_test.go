package bot

import (
	"context"
	"testing"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/internal/telemetry"
)

func testGuardianConfig() GuardianConfig {
	return GuardianConfig{
		QuoteCurrency:      "USDT",
		ExitFundingRate:    0.00005,
		ExitSpread:         -0.01,
		NegativeFRDebounce: 3,
		MarginUsageHigh:    0.80,
		MarginUsageTarget:  0.50,
		Period:             time.Hour,
		TickBudget:         time.Second,
	}
}

// guardianFixture - собранный guardian с моками под одним капотом
type guardianFixture struct {
	mock    *exchange.MockExchange
	store   *memStore
	sink    *telemetry.CaptureSink
	reports chan GuardianReport
	pos     *models.ActivePosition
	g       *PositionGuardian
}

func newGuardianFixture(t *testing.T, cfg GuardianConfig) *guardianFixture {
	t.Helper()

	mock := exchange.NewMockExchange()
	installMarket(mock, map[string]marketQuote{
		"BTCUSDT": {fr: 0.0004, spot: 50000, perp: 50050, vol: 30_000_000},
	})

	store := newMemStore()
	pos := testOpenPosition()
	if err := store.Create(pos); err != nil {
		t.Fatalf("store.Create() error = %v", err)
	}

	gw := fastGateway(mock)
	sink := &telemetry.CaptureSink{}
	reports := make(chan GuardianReport, 4)
	manager := NewOrderManager(gw, fastExecutorConfig(), sink)

	return &guardianFixture{
		mock:    mock,
		store:   store,
		sink:    sink,
		reports: reports,
		pos:     pos,
		g:       NewPositionGuardian(pos, gw, manager, store, cfg, sink, reports),
	}
}

func (f *guardianFixture) setFundingRate(rate float64) {
	f.mock.GetFundingRateFn = func(ctx context.Context, symbol string) (*exchange.FundingRate, error) {
		return &exchange.FundingRate{Symbol: symbol, Rate: rate, ObservedAt: time.Now().UTC()}, nil
	}
}

func (f *guardianFixture) setPrices(spot, perp float64) {
	f.mock.GetTickerFn = func(ctx context.Context, venue exchange.Venue, symbol string) (*exchange.Ticker, error) {
		t := &exchange.Ticker{Symbol: symbol, Venue: venue, Timestamp: time.Now().UTC()}
		if venue == exchange.VenueSpot {
			t.LastPrice = spot
		} else {
			t.LastPrice = perp
			t.MarkPrice = perp
		}
		return t, nil
	}
}

func (f *guardianFixture) setAccount(equity, marginUsed, spotAvailable float64) {
	f.mock.GetAccountStateFn = func(ctx context.Context) (*models.AccountState, error) {
		return &models.AccountState{
			Equity:        equity,
			MarginUsed:    marginUsed,
			SpotAvailable: spotAvailable,
			ObservedAt:    time.Now().UTC(),
		}, nil
	}
}

func (f *guardianFixture) expectReport(t *testing.T, outcome string) GuardianReport {
	t.Helper()
	select {
	case r := <-f.reports:
		if r.Outcome != outcome {
			t.Fatalf("report outcome = %s, want %s (err: %v)", r.Outcome, outcome, r.Err)
		}
		return r
	default:
		t.Fatalf("no report, want %s", outcome)
		return GuardianReport{}
	}
}

func TestGuardianHealthyTickDoesNothing(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())

	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true on healthy market")
	}
	if got := f.mock.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("PlaceMarketOrder calls = %d, want 0", got)
	}
	if f.store.get(f.pos.ID).Status != models.PositionStatusOpen {
		t.Error("position left OPEN state without a trigger")
	}
}

func TestGuardianBackwardationExitsOnSingleSample(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setPrices(50000, 49000) // базис -2%

	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick() = false, want exit on backwardation")
	}

	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	f.expectReport(t, ReportClosed)

	events := f.sink.Guardians()
	if len(events) != 1 || events[0].Trigger != telemetry.TriggerExitBackwardation {
		t.Fatalf("guardian events = %+v, want one backwardation trigger", events)
	}
	if events[0].Spread >= 0 {
		t.Errorf("event spread = %v, want negative", events[0].Spread)
	}
}

func TestGuardianNegativeFRNeedsDebounce(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setFundingRate(-0.0001)

	for i := 1; i <= 2; i++ {
		if done := f.g.tick(context.Background()); done {
			t.Fatalf("tick %d = true, want debounce to hold", i)
		}
	}
	if got := f.mock.Calls("PlaceMarketOrder"); got != 0 {
		t.Fatalf("orders before debounce = %d, want 0", got)
	}

	// Третий провал подряд - выход
	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick 3 = false, want exit after debounce")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	f.expectReport(t, ReportClosed)

	events := f.sink.Guardians()
	if len(events) != 1 || events[0].Trigger != telemetry.TriggerExitNegativeFR {
		t.Fatalf("guardian events = %+v, want one negative FR trigger", events)
	}
	if events[0].ConsecutiveNegativeFR != 3 {
		t.Errorf("consecutive = %d, want 3", events[0].ConsecutiveNegativeFR)
	}
}

func TestGuardianFRAtThresholdQualifies(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	// Ставка ровно на пороге выхода - замер уже провальный
	f.setFundingRate(0.00005)

	for i := 1; i <= 2; i++ {
		if done := f.g.tick(context.Background()); done {
			t.Fatalf("tick %d = true, want debounce to hold", i)
		}
	}
	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick 3 = false, want exit after debounce at threshold")
	}
	f.expectReport(t, ReportClosed)
}

func TestGuardianDebounceSampleSequence(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())

	// Выход на седьмом замере: третий провал после сброса, не раньше
	samples := []float64{0.0001, 0.0000, -0.0001, 0.0002, 0.0000, 0.0000, 0.0000}
	for i, rate := range samples {
		f.setFundingRate(rate)
		done := f.g.tick(context.Background())
		if i < len(samples)-1 && done {
			t.Fatalf("sample %d (%v): tick = true, want exit only on the last sample", i, rate)
		}
		if i == len(samples)-1 && !done {
			t.Fatalf("sample %d (%v): tick = false, want exit", i, rate)
		}
	}
	f.expectReport(t, ReportClosed)
}

func TestGuardianNegativeFRWinsOverBackwardation(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setFundingRate(-0.0001)

	// Два провала ставки на здоровом базисе
	for i := 1; i <= 2; i++ {
		if done := f.g.tick(context.Background()); done {
			t.Fatalf("tick %d = true, want debounce to hold", i)
		}
	}

	// На третьем тике сработали бы оба триггера - ставка проверяется
	// первой, её и фиксирует телеметрия
	f.setPrices(50000, 49000)
	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick 3 = false, want exit")
	}
	f.expectReport(t, ReportClosed)

	events := f.sink.Guardians()
	if len(events) != 1 || events[0].Trigger != telemetry.TriggerExitNegativeFR {
		t.Fatalf("guardian events = %+v, want one negative FR trigger", events)
	}
}

func TestGuardianFRRecoveryResetsDebounce(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())

	f.setFundingRate(-0.0001)
	f.g.tick(context.Background())
	f.g.tick(context.Background())

	// Ставка восстановилась - счётчик обнуляется
	f.setFundingRate(0.0004)
	f.g.tick(context.Background())

	f.setFundingRate(-0.0001)
	f.g.tick(context.Background())
	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick = true, counter must restart after recovery")
	}
	if got := f.mock.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("orders = %d, want 0", got)
	}
}

func TestGuardianMarginTransfersBeforeShrinking(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setAccount(10000, 8500, 500) // загрузка 0.85, на споте есть свободный квот

	var transferred float64
	f.mock.TransferFn = func(ctx context.Context, from, to exchange.Wallet, asset string, amount float64) error {
		transferred = amount
		return nil
	}

	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true, transfer must keep the position")
	}

	if got := f.mock.Calls("Transfer"); got != 1 {
		t.Errorf("Transfer calls = %d, want 1", got)
	}
	// До целевой загрузки нужно 8500/0.5 - 10000 = 7000, но на споте
	// свободно лишь 500 - уходит всё свободное
	near(t, "transferred", transferred, 500, 1e-9)
	if got := f.mock.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("PlaceMarketOrder calls = %d, want 0 when transfer suffices", got)
	}

	wallets := f.sink.Wallets()
	if len(wallets) != 1 {
		t.Fatalf("wallet events = %d, want 1", len(wallets))
	}
	near(t, "margin_usage_pct", wallets[0].MarginUsagePct, 0.85, 1e-9)
}

func TestGuardianMarginTransferCappedAtNeed(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	// Свободного квота больше, чем нужно до целевой загрузки
	f.setAccount(10000, 8500, 8000)

	var transferred float64
	f.mock.TransferFn = func(ctx context.Context, from, to exchange.Wallet, asset string, amount float64) error {
		transferred = amount
		return nil
	}

	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true, transfer must keep the position")
	}

	// Перевод ограничен потребностью: 8500/0.5 - 10000 = 7000,
	// лишний квот остаётся на споте
	near(t, "transferred", transferred, 7000, 1e-9)
	if got := f.mock.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("PlaceMarketOrder calls = %d, want 0 when transfer suffices", got)
	}
}

func TestGuardianMarginShrinksBothLegs(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setAccount(10000, 8500, 0) // переводить нечего

	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true, rebalance must keep the position")
	}

	if got := f.mock.Calls("Transfer"); got != 0 {
		t.Errorf("Transfer calls = %d, want 0 with empty spot wallet", got)
	}
	if got := f.mock.Calls("PlaceMarketOrder"); got != 2 {
		t.Errorf("PlaceMarketOrder calls = %d, want 2 (both legs reduced)", got)
	}

	// frac = 1 - 0.5/0.85, reduce = floor(0.02*frac, 0.001) = 0.008
	stored := f.store.get(f.pos.ID)
	near(t, "SpotQty", stored.SpotQty, 0.012, 1e-6)
	near(t, "PerpQty", stored.PerpQty, 0.012, 1e-6)
	if stored.Status != models.PositionStatusOpen {
		t.Errorf("status = %s, want OPEN after rebalance", stored.Status)
	}
}

func TestGuardianAccruesFundingOnPeriodBoundary(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setFundingRate(0.0003)
	f.g.lastAccrual = time.Now().UTC().Add(-9 * time.Hour)

	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true on healthy market")
	}

	// За 9 часов минимум одна граница расчёта:
	// выплата >= 0.0003 * 50050 * 0.02
	if f.g.pos.FundingAccrued < 0.0003*50050*0.02-1e-9 {
		t.Errorf("FundingAccrued = %v, want at least one period payment", f.g.pos.FundingAccrued)
	}
	stored := f.store.get(f.pos.ID)
	near(t, "stored accrual", stored.FundingAccrued, f.g.pos.FundingAccrued, 1e-9)

	// Граница учтена, повторный тик не начисляет снова
	before := f.g.pos.FundingAccrued
	f.g.tick(context.Background())
	near(t, "accrual after second tick", f.g.pos.FundingAccrued, before, 1e-9)
}

func TestGuardianResumesPendingClose(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.pos.Status = models.PositionStatusClosing
	if err := f.store.UpdateStatus(f.pos.ID, models.PositionStatusClosing); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	f.g.pendingExit = "resume_close"

	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick() = false, want pending close to finish")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	f.expectReport(t, ReportClosed)
}

func TestGuardianExitRetriesAfterFailedAttempt(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setPrices(50000, 49000)

	// Первая попытка выхода срывается: обе ноги отклонены
	f.mock.PlaceMarketOrderFn = func(ctx context.Context, venue exchange.Venue, symbol, side string, qty float64, cid string) (*exchange.Order, error) {
		return nil, exchange.NewError("mock", exchange.KindRejectedPrePlace, "", "matching engine busy")
	}
	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true, failed exit must be retried")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosing {
		t.Errorf("status = %s, want CLOSING between attempts", got)
	}

	// Биржа ожила - следующий тик доводит закрытие
	f.mock.PlaceMarketOrderFn = nil
	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick() = false, want close to complete")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	f.expectReport(t, ReportClosed)
}

func TestGuardianExitAttemptsExhaustedEscalate(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())
	f.setPrices(50000, 49000)
	f.mock.PlaceMarketOrderFn = func(ctx context.Context, venue exchange.Venue, symbol, side string, qty float64, cid string) (*exchange.Order, error) {
		return nil, exchange.NewError("mock", exchange.KindRejectedPrePlace, "", "trading suspended")
	}

	// Две сорвавшиеся попытки - позиция в CLOSING, guardian не сдаётся
	for i := 1; i <= 2; i++ {
		if done := f.g.tick(context.Background()); done {
			t.Fatalf("tick %d = true, want retry", i)
		}
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosing {
		t.Errorf("status = %s, want CLOSING between attempts", got)
	}

	// Третья - потолок, позиция уходит оператору
	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick 3 = false, want escalation after exhausted attempts")
	}
	r := f.expectReport(t, ReportManual)
	if r.Err == nil {
		t.Error("report.Err is nil, want exit failure cause")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosing {
		t.Errorf("status = %s, want CLOSING (operator decides)", got)
	}
}

func TestGuardianKillSwitchExitRequest(t *testing.T) {
	cfg := testGuardianConfig()
	cfg.Period = time.Hour // тиков не будет, выход только по запросу
	f := newGuardianFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.g.Run(ctx)
		close(done)
	}()

	f.g.RequestExit()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after exit request")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	select {
	case r := <-f.reports:
		if r.Outcome != ReportClosed {
			t.Errorf("report = %s, want CLOSED", r.Outcome)
		}
	default:
		t.Fatal("no report after requested exit")
	}
}

func TestGuardianStreamSampleCoversRESTFailure(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())

	// REST перпа лёг, спот отвечает
	f.mock.GetTickerFn = func(ctx context.Context, venue exchange.Venue, symbol string) (*exchange.Ticker, error) {
		if venue == exchange.VenuePerp {
			return nil, exchange.NewError("mock", exchange.KindTransient, "", "gateway timeout")
		}
		return &exchange.Ticker{Symbol: symbol, Venue: venue, LastPrice: 50000, Timestamp: time.Now().UTC()}, nil
	}

	// Поток успел принести цену перпа: базис -2%, выход
	f.g.onStreamTicker(&exchange.Ticker{
		Symbol:    "BTCUSDT",
		Venue:     exchange.VenuePerp,
		LastPrice: 49000,
		MarkPrice: 49000,
		Timestamp: time.Now().UTC(),
	})

	if done := f.g.tick(context.Background()); !done {
		t.Fatal("tick() = false, want backwardation exit on stream sample")
	}
	if got := f.store.get(f.pos.ID).Status; got != models.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	f.expectReport(t, ReportClosed)
}

func TestGuardianIgnoresStaleStreamSample(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())

	f.mock.GetTickerFn = func(ctx context.Context, venue exchange.Venue, symbol string) (*exchange.Ticker, error) {
		return nil, exchange.NewError("mock", exchange.KindTransient, "", "gateway timeout")
	}
	f.g.onStreamTicker(&exchange.Ticker{
		Symbol:    "BTCUSDT",
		Venue:     exchange.VenuePerp,
		LastPrice: 49000,
		Timestamp: time.Now().UTC().Add(-3 * time.Hour),
	})

	// Протухший замер не годится, тик пропускается без решений
	if done := f.g.tick(context.Background()); done {
		t.Fatal("tick() = true on stale stream sample")
	}
	if got := f.mock.Calls("PlaceMarketOrder"); got != 0 {
		t.Errorf("PlaceMarketOrder calls = %d, want 0", got)
	}
}

func TestGuardianReportWaitsOutBlockedChannel(t *testing.T) {
	f := newGuardianFixture(t, testGuardianConfig())

	// Небуферизованный канал без получателя: отправка блокируется
	// дольше интервала предупреждения, но итог не пропадает
	blocked := make(chan GuardianReport)
	f.g.reports = blocked
	f.g.reportWarnEvery = 10 * time.Millisecond

	delivered := make(chan struct{})
	go func() {
		f.g.report(GuardianReport{PositionID: f.pos.ID, Symbol: f.pos.Symbol, Outcome: ReportClosed})
		close(delivered)
	}()

	time.Sleep(50 * time.Millisecond)
	r := <-blocked
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("report did not return after delivery")
	}
	if r.Outcome != ReportClosed {
		t.Errorf("report = %s, want CLOSED", r.Outcome)
	}
}

func TestGuardianRunStopsOnCancel(t *testing.T) {
	cfg := testGuardianConfig()
	cfg.Period = 5 * time.Millisecond
	f := newGuardianFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.g.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	select {
	case r := <-f.reports:
		if r.Outcome != ReportStopped {
			t.Errorf("report = %s, want STOPPED", r.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("no STOPPED report after cancel")
	}
}
