package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"fundingarb/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionExists   = errors.New("position already exists")
)

// positionsSchema - таблица carry-позиций
//
// По одной живой позиции на символ: частичный уникальный индекс
// не даёт открыть второй carry по тому же инструменту даже при
// гонке процессов.
const positionsSchema = `
CREATE TABLE IF NOT EXISTS positions (
	id              UUID PRIMARY KEY,
	symbol          VARCHAR(30) NOT NULL,
	entry_timestamp TIMESTAMPTZ NOT NULL,
	spot_qty        DOUBLE PRECISION NOT NULL,
	perp_qty        DOUBLE PRECISION NOT NULL,
	entry_spread    DOUBLE PRECISION NOT NULL,
	total_fees      DOUBLE PRECISION NOT NULL DEFAULT 0,
	funding_accrued DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          VARCHAR(10) NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS positions_live_symbol_idx
	ON positions (symbol) WHERE status IN ('OPEN', 'CLOSING');
CREATE INDEX IF NOT EXISTS positions_status_idx ON positions (status);
`

// PositionRepository - работа с таблицей positions
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// EnsureSchema создаёт таблицу позиций если её нет
func (r *PositionRepository) EnsureSchema() error {
	_, err := r.db.Exec(positionsSchema)
	return err
}

const positionColumns = `id, symbol, entry_timestamp, spot_qty, perp_qty, entry_spread, total_fees, funding_accrued, status, updated_at`

// Create сохраняет новую позицию
func (r *PositionRepository) Create(p *models.ActivePosition) error {
	if err := p.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	p.UpdatedAt = time.Now().UTC()

	_, err := r.db.Exec(
		query,
		p.ID,
		p.Symbol,
		p.EntryTimestamp,
		p.SpotQty,
		p.PerpQty,
		p.EntrySpread,
		p.TotalFees,
		p.FundingAccrued,
		p.Status,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPositionExists
		}
		return err
	}

	return nil
}

func (r *PositionRepository) scanPosition(row interface{ Scan(...interface{}) error }) (*models.ActivePosition, error) {
	p := &models.ActivePosition{}
	err := row.Scan(
		&p.ID,
		&p.Symbol,
		&p.EntryTimestamp,
		&p.SpotQty,
		&p.PerpQty,
		&p.EntrySpread,
		&p.TotalFees,
		&p.FundingAccrued,
		&p.Status,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetByID возвращает позицию по id
func (r *PositionRepository) GetByID(id string) (*models.ActivePosition, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE id = $1`

	return r.scanPosition(r.db.QueryRow(query, id))
}

// GetLiveBySymbol возвращает живую (OPEN/CLOSING) позицию символа
func (r *PositionRepository) GetLiveBySymbol(symbol string) (*models.ActivePosition, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE symbol = $1 AND status IN ('OPEN', 'CLOSING')`

	return r.scanPosition(r.db.QueryRow(query, symbol))
}

// GetLive возвращает все живые позиции
// Используется при восстановлении реестра после рестарта
func (r *PositionRepository) GetLive() ([]*models.ActivePosition, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ('OPEN', 'CLOSING')
		ORDER BY entry_timestamp`

	return r.queryPositions(query)
}

// GetClosed возвращает закрытые позиции, свежие первыми
func (r *PositionRepository) GetClosed(limit int) ([]*models.ActivePosition, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = 'CLOSED'
		ORDER BY updated_at DESC
		LIMIT $1`

	return r.queryPositions(query, limit)
}

func (r *PositionRepository) queryPositions(query string, args ...interface{}) ([]*models.ActivePosition, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.ActivePosition
	for rows.Next() {
		p, err := r.scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}

// UpdateStatus переводит позицию в новый статус
func (r *PositionRepository) UpdateStatus(id, status string) error {
	if !models.IsValidPositionStatus(status) {
		return errors.New("invalid position status: " + status)
	}

	query := `
		UPDATE positions
		SET status = $1, updated_at = $2
		WHERE id = $3`

	return r.execOne(query, status, time.Now().UTC(), id)
}

// UpdateQuantities записывает новые объёмы ног после trim или shrink
func (r *PositionRepository) UpdateQuantities(id string, spotQty, perpQty float64) error {
	query := `
		UPDATE positions
		SET spot_qty = $1, perp_qty = $2, updated_at = $3
		WHERE id = $4`

	return r.execOne(query, spotQty, perpQty, time.Now().UTC(), id)
}

// AddFees прибавляет комиссии к накопленным
func (r *PositionRepository) AddFees(id string, fees float64) error {
	if fees <= 0 {
		return nil
	}

	query := `
		UPDATE positions
		SET total_fees = total_fees + $1, updated_at = $2
		WHERE id = $3`

	return r.execOne(query, fees, time.Now().UTC(), id)
}

// AccrueFunding прибавляет funding-доход (может быть отрицательным)
func (r *PositionRepository) AccrueFunding(id string, amount float64) error {
	query := `
		UPDATE positions
		SET funding_accrued = funding_accrued + $1, updated_at = $2
		WHERE id = $3`

	return r.execOne(query, amount, time.Now().UTC(), id)
}

// CountLive возвращает количество живых позиций
func (r *PositionRepository) CountLive() (int, error) {
	query := `SELECT COUNT(*) FROM positions WHERE status IN ('OPEN', 'CLOSING')`

	var count int
	if err := r.db.QueryRow(query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *PositionRepository) execOne(query string, args ...interface{}) error {
	result, err := r.db.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// isUniqueViolation проверяет нарушение UNIQUE constraint
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "23505")
}
