package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fundingarb/pkg/utils"
)

// Статусы позиции
//
// Жизненный цикл: OPEN -> CLOSING -> CLOSED.
// Неудачный выход оставляет позицию в CLOSING до следующей попытки.
const (
	PositionStatusOpen    = "OPEN"
	PositionStatusClosing = "CLOSING"
	PositionStatusClosed  = "CLOSED"
)

// ActivePosition - carry-позиция: лонг спот + шорт перп одного символа
//
// Объёмы ног после входа могут незначительно отличаться (частичные
// филлы, trim лишнего объёма), дельта держится в пределах шага
// инструмента.
type ActivePosition struct {
	ID             string    `json:"id" db:"id"`
	Symbol         string    `json:"symbol" db:"symbol"`                   // BTCUSDT
	EntryTimestamp time.Time `json:"entry_timestamp" db:"entry_timestamp"` // UTC
	SpotQty        float64   `json:"spot_qty" db:"spot_qty"`               // монеты, лонг
	PerpQty        float64   `json:"perp_qty" db:"perp_qty"`               // монеты, шорт
	EntrySpread    float64   `json:"entry_spread" db:"entry_spread"`       // базис на входе, доли
	TotalFees      float64   `json:"total_fees" db:"total_fees"`           // суммарные комиссии, USDT
	FundingAccrued float64   `json:"funding_accrued" db:"funding_accrued"` // накопленный funding, USDT
	Status         string    `json:"status" db:"status"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// NewActivePosition создаёт позицию после успешного входа обеих ног
//
// Валидирует входные данные: битая позиция не должна попасть
// ни в реестр, ни в БД.
func NewActivePosition(symbol string, spotQty, perpQty, entrySpread, totalFees float64) (*ActivePosition, error) {
	now := time.Now().UTC()

	p := &ActivePosition{
		ID:             uuid.NewString(),
		Symbol:         utils.NormalizeSymbol(symbol),
		EntryTimestamp: now,
		SpotQty:        spotQty,
		PerpQty:        perpQty,
		EntrySpread:    entrySpread,
		TotalFees:      totalFees,
		Status:         PositionStatusOpen,
		UpdatedAt:      now,
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate проверяет инварианты позиции
func (p *ActivePosition) Validate() error {
	var errs utils.ValidationErrors

	errs.AddError("symbol", utils.ValidateSymbol(p.Symbol))

	if p.ID == "" {
		errs.Add("id", "position id is empty")
	}
	if p.SpotQty <= 0 {
		errs.Add("spot_qty", fmt.Sprintf("must be positive, got %v", p.SpotQty))
	}
	if p.PerpQty <= 0 {
		errs.Add("perp_qty", fmt.Sprintf("must be positive, got %v", p.PerpQty))
	}
	if p.TotalFees < 0 {
		errs.Add("total_fees", fmt.Sprintf("cannot be negative, got %v", p.TotalFees))
	}
	if !IsValidPositionStatus(p.Status) {
		errs.Add("status", fmt.Sprintf("unknown status %q", p.Status))
	}

	if errs.HasErrors() {
		return fmt.Errorf("invalid position: %w", errs)
	}
	return nil
}

// IsValidPositionStatus проверяет что статус известен
func IsValidPositionStatus(s string) bool {
	switch s {
	case PositionStatusOpen, PositionStatusClosing, PositionStatusClosed:
		return true
	}
	return false
}

// IsLive возвращает true для позиций требующих надзора guardian'а
func (p *ActivePosition) IsLive() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusClosing
}

// QtyImbalance возвращает абсолютный дисбаланс ног в монетах
func (p *ActivePosition) QtyImbalance() float64 {
	return utils.Abs(p.SpotQty - p.PerpQty)
}

// HedgeQty возвращает объём по которому позиция фактически захеджирована
func (p *ActivePosition) HedgeQty() float64 {
	if p.SpotQty < p.PerpQty {
		return p.SpotQty
	}
	return p.PerpQty
}

// AddFees увеличивает накопленные комиссии
func (p *ActivePosition) AddFees(fees float64) {
	if fees > 0 {
		p.TotalFees += fees
	}
}

// AccrueFunding прибавляет funding-доход (может быть отрицательным)
func (p *ActivePosition) AccrueFunding(amount float64) {
	p.FundingAccrued += amount
}
