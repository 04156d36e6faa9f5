package bot

import (
	"errors"
	"sync"
	"time"

	"fundingarb/internal/exchange"
	"fundingarb/internal/models"
	"fundingarb/pkg/retry"
)

// ============================================================
// Общая тестовая обвязка пакета
// ============================================================

// fastGateway собирает шлюз с миллисекундными ретраями
func fastGateway(mock *exchange.MockExchange) *exchange.Gateway {
	g := exchange.NewGateway(mock, exchange.GatewayConfig{
		QueryTimeout: time.Second,
		WriteTimeout: time.Second,
		RateLimit:    100000,
		RateBurst:    100000,
	})
	return g.WithRetryConfig(retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
	})
}

// fastExecutorConfig сжимает окна сверки до миллисекунд
func fastExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ReconcilePollInterval: 2 * time.Millisecond,
		ReconcileQuickWindow:  20 * time.Millisecond,
		ReconcileMaxWindow:    80 * time.Millisecond,
	}
}

func mustSymbol(perp string) models.Symbol {
	sym, err := models.NewSymbol(perp)
	if err != nil {
		panic(err)
	}
	return sym
}

func testCandidate() models.TargetCandidate {
	return models.TargetCandidate{
		Symbol:      mustSymbol("BTCUSDT"),
		FundingRate: 0.0005,
		Volume24h:   20_000_000,
		Spread:      0.002,
		SpotPrice:   50000,
		PerpPrice:   50000,
	}
}

func testOpenPosition() *models.ActivePosition {
	p, err := models.NewActivePosition("BTCUSDT", 0.02, 0.02, 0.002, 1.5)
	if err != nil {
		panic(err)
	}
	return p
}

// memStore - PositionStore в памяти
type memStore struct {
	mu        sync.Mutex
	positions map[string]*models.ActivePosition
	createErr error
}

var errMemNotFound = errors.New("position not found")

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]*models.ActivePosition)}
}

func (s *memStore) Create(p *models.ActivePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *memStore) GetLive() ([]*models.ActivePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ActivePosition
	for _, p := range s.positions {
		if p.IsLive() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return errMemNotFound
	}
	p.Status = status
	return nil
}

func (s *memStore) UpdateQuantities(id string, spotQty, perpQty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return errMemNotFound
	}
	p.SpotQty, p.PerpQty = spotQty, perpQty
	return nil
}

func (s *memStore) AddFees(id string, fees float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return errMemNotFound
	}
	p.AddFees(fees)
	return nil
}

func (s *memStore) AccrueFunding(id string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return errMemNotFound
	}
	p.AccrueFunding(amount)
	return nil
}

func (s *memStore) get(id string) *models.ActivePosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}
