package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"fundingarb/internal/config"
	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/internal/telemetry"
	"fundingarb/pkg/utils"
)

// Supervisor - владелец реестра позиций и единственный, кто
// открывает новые
//
// Цикл супервизора:
//   - каждый тик перечитывает аварийный стоп;
//   - по таймеру сканера запрашивает кандидатов и входит, пока есть
//     свободные слоты;
//   - принимает отчёты guardian'ов и правит реестр;
//   - на аварийном стопе разгружает реестр: каждому guardian'у
//     уходит запрос на закрытие, процесс ждёт пустого реестра до
//     таймаута дрейна и завершается с кодом;
//   - остановка процесса сигналом позиции не закрывает - они
//     восстановятся из БД после рестарта.
//
// На старте реестр восстанавливается из БД и сверяется с биржей:
// расхождение персистентного состояния с фактическим - повод
// остановиться и позвать оператора, а не чинить вслепую.

// Коды завершения процесса
const (
	ExitCodeClean              = 0 // аварийный стоп, реестр пуст
	ExitCodeAuthFailure        = 1 // биржа не принимает ключи
	ExitCodeManualIntervention = 2 // состояние требует оператора
	ExitCodeDrainTimeout       = 3 // guardian'ы не остановились в срок
)

// SupervisorConfig - параметры супервизора
type SupervisorConfig struct {
	MaxOpenPositions int
	NotionalPerEntry float64
	Period           time.Duration // тик супервизора
	ScannerPeriod    time.Duration
	DrainTimeout     time.Duration
	Guardian         GuardianConfig

	// KillSwitch перечитывается каждый тик; nil - чтение EMERGENCY_STOP
	KillSwitch func() bool
}

// guardianHandle - guardian в реестре
type guardianHandle struct {
	positionID string
	guardian   *PositionGuardian
	cancel     context.CancelFunc
	done       chan struct{}
}

// Supervisor - корневой управляющий цикл
type Supervisor struct {
	cfg     SupervisorConfig
	gw      *exchange.Gateway
	scanner *MarketScanner
	manager *OrderManager
	store   PositionStore
	sink    telemetry.Sink
	log     *utils.Logger

	mu        sync.Mutex
	guardians map[string]*guardianHandle // ключ - символ
	reports   chan GuardianReport
}

// NewSupervisor создаёт супервизор
func NewSupervisor(cfg SupervisorConfig, gw *exchange.Gateway, scanner *MarketScanner, manager *OrderManager, store PositionStore, sink telemetry.Sink) *Supervisor {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 60 * time.Second
	}
	if cfg.KillSwitch == nil {
		cfg.KillSwitch = config.EmergencyStopEngaged
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Supervisor{
		cfg:       cfg,
		gw:        gw,
		scanner:   scanner,
		manager:   manager,
		store:     store,
		sink:      sink,
		log:       utils.L().WithComponent("supervisor"),
		guardians: make(map[string]*guardianHandle),
		reports:   make(chan GuardianReport, 16),
	}
}

// Run крутит главный цикл и возвращает код завершения процесса
func (s *Supervisor) Run(ctx context.Context) int {
	gctx, cancelGuardians := context.WithCancel(context.Background())
	defer cancelGuardians()

	if code, ok := s.recover(ctx, gctx); !ok {
		cancelGuardians()
		s.drain()
		return code
	}

	if s.cfg.KillSwitch() {
		s.log.Warn("kill switch engaged at startup")
		SetKillSwitch(true)
		s.requestExits()
		return s.shutdown()
	}

	supervisorTicker := time.NewTicker(s.cfg.Period)
	defer supervisorTicker.Stop()
	scannerTicker := time.NewTicker(s.cfg.ScannerPeriod)
	defer scannerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown signal received")
			cancelGuardians()
			return s.shutdown()

		case <-supervisorTicker.C:
			engaged := s.cfg.KillSwitch()
			SetKillSwitch(engaged)
			if engaged {
				s.log.Warn("kill switch engaged, closing all positions")
				s.requestExits()
				return s.shutdown()
			}

		case r := <-s.reports:
			if code, ok := s.handleReport(r); !ok {
				cancelGuardians()
				s.drain()
				return code
			}

		case <-scannerTicker.C:
			if code, ok := s.tryEnter(ctx, gctx); !ok {
				cancelGuardians()
				s.drain()
				return code
			}
		}
	}
}

// recover восстанавливает реестр из БД и сверяет его с биржей
func (s *Supervisor) recover(ctx, gctx context.Context) (int, bool) {
	live, err := s.store.GetLive()
	if err != nil {
		s.log.Error("registry recovery failed", utils.Err(err))
		return ExitCodeManualIntervention, false
	}

	for _, p := range live {
		if code, ok := s.reconcilePosition(ctx, p); !ok {
			return code, false
		}
		s.spawnGuardian(gctx, p)
	}

	s.log.Info("registry recovered", utils.Int("positions", len(live)))
	return 0, true
}

// reconcilePosition сверяет персистентную позицию с фактической
func (s *Supervisor) reconcilePosition(ctx context.Context, p *models.ActivePosition) (int, bool) {
	log := s.log.WithSymbol(p.Symbol).WithPositionID(p.ID)

	livePerp, err := s.gw.FetchPerpPosition(ctx, p.Symbol)
	if err != nil {
		if exchange.IsKind(err, exchange.KindFatal) {
			log.Error("exchange rejected credentials", utils.Err(err))
			return ExitCodeAuthFailure, false
		}
		log.Error("position reconciliation failed", utils.Err(err))
		return ExitCodeManualIntervention, false
	}

	rules, err := s.gw.FetchInstrumentRules(ctx, exchange.VenuePerp, p.Symbol)
	step := 0.0
	if err == nil && rules != nil {
		step = rules.QtyStep
	}

	switch {
	case livePerp == nil:
		log.Error("persisted position has no live perp leg")
		return ExitCodeManualIntervention, false

	case livePerp.Side != exchange.SideShort:
		log.Error("live perp leg has wrong side", utils.Side(livePerp.Side))
		return ExitCodeManualIntervention, false

	case utils.Abs(livePerp.Size-p.PerpQty) > step:
		log.Error("live perp size diverges from registry",
			utils.Float64("live", livePerp.Size),
			utils.Float64("persisted", p.PerpQty))
		return ExitCodeManualIntervention, false
	}

	return 0, true
}

// tryEnter сканирует рынок и заполняет свободные слоты
func (s *Supervisor) tryEnter(ctx, gctx context.Context) (int, bool) {
	capacity := s.cfg.MaxOpenPositions - s.registrySize()
	if capacity <= 0 {
		return 0, true
	}

	candidates, err := s.scanner.Scan(ctx, s.liveSymbols())
	if err != nil {
		s.log.Warn("market scan failed", utils.Err(err))
		return 0, true
	}

	for _, cand := range candidates {
		if capacity <= 0 {
			break
		}
		if s.cfg.KillSwitch() {
			break
		}

		outcome := s.manager.ExecuteEntry(ctx, cand, s.cfg.NotionalPerEntry)
		switch outcome.Outcome {
		case models.OutcomeFilled:
			if err := s.store.Create(outcome.Position); err != nil {
				// Позиция открыта на бирже, но не записана - сами
				// не разберёмся
				s.log.Error("position persist failed",
					utils.Symbol(cand.Symbol.Key()),
					utils.Err(err))
				return ExitCodeManualIntervention, false
			}
			s.spawnGuardian(gctx, outcome.Position)
			capacity--

		case models.OutcomeManualIntervention:
			s.log.Error("entry needs operator",
				utils.Symbol(cand.Symbol.Key()),
				utils.Err(outcome.Err))
			return ExitCodeManualIntervention, false

		default:
			// ABORTED/RECOVERED: вход не состоялся, пробуем следующего
			s.log.Info("entry skipped",
				utils.Symbol(cand.Symbol.Key()),
				utils.Outcome(outcome.Outcome),
				utils.Err(outcome.Err))
			if errors.Is(outcome.Err, context.Canceled) {
				return 0, true
			}
		}
	}

	return 0, true
}

// handleReport обрабатывает отчёт guardian'а
func (s *Supervisor) handleReport(r GuardianReport) (int, bool) {
	s.removeGuardian(r.Symbol)

	switch r.Outcome {
	case ReportClosed:
		s.log.Info("position left the registry",
			utils.Symbol(r.Symbol),
			utils.PositionID(r.PositionID))
		return 0, true

	case ReportManual:
		s.log.Error("guardian escalated to operator",
			utils.Symbol(r.Symbol),
			utils.PositionID(r.PositionID),
			utils.Err(r.Err))
		return ExitCodeManualIntervention, false

	default: // ReportStopped
		return 0, true
	}
}

// spawnGuardian ставит позицию под надзор
func (s *Supervisor) spawnGuardian(gctx context.Context, p *models.ActivePosition) {
	cctx, cancel := context.WithCancel(gctx)
	handle := &guardianHandle{
		positionID: p.ID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.guardians[p.Symbol] = handle
	OpenPositions.Set(float64(len(s.guardians)))
	s.mu.Unlock()

	g := NewPositionGuardian(p, s.gw, s.manager, s.store, s.cfg.Guardian, s.sink, s.reports)
	handle.guardian = g
	go func() {
		g.Run(cctx)
		close(handle.done)
	}()

	s.log.Info("guardian spawned",
		utils.Symbol(p.Symbol),
		utils.PositionID(p.ID))
}

// removeGuardian убирает guardian'а из реестра
func (s *Supervisor) removeGuardian(symbol string) {
	s.mu.Lock()
	if handle, ok := s.guardians[symbol]; ok {
		handle.cancel()
		delete(s.guardians, symbol)
	}
	OpenPositions.Set(float64(len(s.guardians)))
	s.mu.Unlock()
}

// registrySize возвращает число живых позиций в реестре
func (s *Supervisor) registrySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.guardians)
}

// liveSymbols возвращает символы с живыми позициями
func (s *Supervisor) liveSymbols() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.guardians))
	for symbol := range s.guardians {
		out[symbol] = true
	}
	return out
}

// requestExits просит каждого guardian'а закрыть свою позицию
//
// Аварийный стоп: реестр должен опустеть через штатные выходы, а не
// через обрыв контекстов - оборванный guardian оставил бы позицию
// открытой на бирже.
func (s *Supervisor) requestExits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, h := range s.guardians {
		if h.guardian != nil {
			s.log.Info("requesting position close", utils.Symbol(symbol))
			h.guardian.RequestExit()
		}
	}
}

// shutdown дренирует guardian'ов и возвращает код завершения
//
// К этому моменту guardian'ам либо отменили контексты (остановка
// процесса: позиции остаются и восстановятся после рестарта), либо
// разослали запросы на закрытие (аварийный стоп). Начатые двухногие
// операции довершаются, после чего guardian'ы отчитываются и выходят.
func (s *Supervisor) shutdown() int {
	if !s.drain() {
		return ExitCodeDrainTimeout
	}
	if s.collectFinalReports() {
		return ExitCodeManualIntervention
	}
	s.log.Info("clean shutdown, registry drained")
	return ExitCodeClean
}

// drain ждёт остановки всех guardian'ов, false по таймауту
func (s *Supervisor) drain() bool {
	s.mu.Lock()
	handles := make([]*guardianHandle, 0, len(s.guardians))
	for _, h := range s.guardians {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	deadline := time.After(s.cfg.DrainTimeout)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.log.Error("drain timeout exceeded",
				utils.String("timeout", s.cfg.DrainTimeout.String()))
			return false
		}
	}

	return true
}

// collectFinalReports вычитывает отчёты, пришедшие во время дрейна
// Возвращает true если среди них есть MANUAL исход
func (s *Supervisor) collectFinalReports() bool {
	manual := false
	for {
		select {
		case r := <-s.reports:
			s.removeGuardian(r.Symbol)
			if r.Outcome == ReportManual {
				s.log.Error("guardian escalated during drain",
					utils.Symbol(r.Symbol),
					utils.Err(r.Err))
				manual = true
			}
		default:
			return manual
		}
	}
}
