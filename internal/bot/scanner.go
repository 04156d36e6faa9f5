package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/pkg/utils"
)

// MarketScanner периодически опрашивает рынок и отбирает кандидатов
// на вход: перпетуалы с высокой ставкой финансирования, ликвидным
// суточным оборотом и положительным базисом к споту.
//
// Сканер держит кэш последних снимков. Ошибка опроса одного символа
// не валит цикл: символ остаётся со старым снимком, а протухшие
// снимки (старше двух периодов) из выдачи исключаются.

// ScannerConfig - пороги отбора
type ScannerConfig struct {
	QuoteCurrency  string
	MinFundingRate float64
	MinVolume24h   float64
	MinSpread      float64
	Period         time.Duration
}

// MarketScanner - сканер рынка
type MarketScanner struct {
	gw  *exchange.Gateway
	cfg ScannerConfig
	log *utils.Logger

	mu        sync.Mutex
	snapshots map[string]models.MarketSnapshot
}

// NewMarketScanner создаёт сканер
func NewMarketScanner(gw *exchange.Gateway, cfg ScannerConfig) *MarketScanner {
	return &MarketScanner{
		gw:        gw,
		cfg:       cfg,
		log:       utils.L().WithComponent("scanner"),
		snapshots: make(map[string]models.MarketSnapshot),
	}
}

// Scan обновляет снимки и возвращает отсортированных кандидатов
//
// exclude - символы с живыми позициями, на вход не предлагаются.
func (s *MarketScanner) Scan(ctx context.Context, exclude map[string]bool) ([]models.TargetCandidate, error) {
	started := time.Now()
	defer func() {
		ScanDuration.Observe(time.Since(started).Seconds())
	}()

	perps, err := s.gw.FetchPerpInstruments(ctx)
	if err != nil {
		return nil, err
	}

	for _, perp := range perps {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		sym, err := models.NewSymbol(perp)
		if err != nil || sym.Quote != s.cfg.QuoteCurrency {
			continue
		}

		if err := s.refreshSymbol(ctx, sym); err != nil {
			// Символ пропускается, старый снимок остаётся в кэше
			s.log.Debug("symbol refresh failed",
				utils.Symbol(sym.Key()),
				utils.Err(err))
		}
	}

	candidates := s.Candidates(exclude)
	CandidatesFound.Set(float64(len(candidates)))

	// Верхушка рейтинга в debug для разбора отбора постфактум
	for i, c := range candidates {
		if i >= 3 {
			break
		}
		s.log.Debug("scan candidate",
			utils.Int("rank", i+1),
			utils.Symbol(c.Symbol.Key()),
			utils.FundingRate(c.FundingRate),
			utils.Float64("volume_24h", c.Volume24h),
			utils.Spread(c.Spread))
	}

	s.log.Info("scan complete",
		utils.Int("instruments", len(perps)),
		utils.Int("candidates", len(candidates)),
		utils.Latency(float64(time.Since(started).Milliseconds())))

	return candidates, nil
}

// refreshSymbol опрашивает ставку и цены одного символа
func (s *MarketScanner) refreshSymbol(ctx context.Context, sym models.Symbol) error {
	fr, err := s.gw.FetchFundingRate(ctx, sym.Perp)
	if err != nil {
		return err
	}

	perpTicker, err := s.gw.FetchTicker(ctx, exchange.VenuePerp, sym.Perp)
	if err != nil {
		return err
	}

	spotTicker, err := s.gw.FetchTicker(ctx, exchange.VenueSpot, sym.Spot)
	if err != nil {
		return err
	}

	snap := models.MarketSnapshot{
		Symbol:          sym,
		FundingRate:     fr.Rate,
		NextFundingTime: fr.NextFundingTime,
		SpotPrice:       spotTicker.LastPrice,
		PerpPrice:       perpTicker.LastPrice,
		Volume24h:       perpTicker.Volume24h,
		ObservedAt:      time.Now().UTC(),
	}

	FundingRateObserved.WithLabelValues(sym.Key()).Set(fr.Rate)
	SpreadObserved.WithLabelValues(sym.Key()).Observe(snap.Spread())

	s.mu.Lock()
	s.snapshots[sym.Key()] = snap
	s.mu.Unlock()

	return nil
}

// Candidates фильтрует и сортирует кэш снимков
//
// Порядок детерминирован: ставка по убыванию, затем оборот по
// убыванию, затем символ по алфавиту.
func (s *MarketScanner) Candidates(exclude map[string]bool) []models.TargetCandidate {
	now := time.Now()
	maxAge := 2 * s.cfg.Period

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.TargetCandidate
	for key, snap := range s.snapshots {
		if exclude[key] {
			continue
		}
		if utils.IsStale(snap.ObservedAt, maxAge, now) {
			continue
		}
		if !s.passesFilters(snap) {
			continue
		}

		out = append(out, models.TargetCandidate{
			Symbol:      snap.Symbol,
			FundingRate: snap.FundingRate,
			Volume24h:   snap.Volume24h,
			Spread:      snap.Spread(),
			SpotPrice:   snap.SpotPrice,
			PerpPrice:   snap.PerpPrice,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FundingRate != out[j].FundingRate {
			return out[i].FundingRate > out[j].FundingRate
		}
		if out[i].Volume24h != out[j].Volume24h {
			return out[i].Volume24h > out[j].Volume24h
		}
		return out[i].Symbol.Key() < out[j].Symbol.Key()
	})

	return out
}

// passesFilters проверяет пороги входа
func (s *MarketScanner) passesFilters(snap models.MarketSnapshot) bool {
	if snap.SpotPrice <= 0 || snap.PerpPrice <= 0 {
		return false
	}
	if snap.FundingRate < s.cfg.MinFundingRate {
		return false
	}
	if snap.Volume24h < s.cfg.MinVolume24h {
		return false
	}
	// Вход только в контанго: нулевой или отрицательный базис не несёт
	// carry-доходности независимо от настроенного порога
	if spread := snap.Spread(); spread <= 0 || spread < s.cfg.MinSpread {
		return false
	}
	return true
}

// Snapshot возвращает последний снимок символа
func (s *MarketScanner) Snapshot(symbolKey string) (models.MarketSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[symbolKey]
	return snap, ok
}

// SetSnapshot кладёт снимок в кэш напрямую
// Используется восстановлением после рестарта и тестами
func (s *MarketScanner) SetSnapshot(snap models.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Symbol.Key()] = snap
}
