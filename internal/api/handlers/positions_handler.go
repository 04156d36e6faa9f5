package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"fundingarb/internal/bot"
	"fundingarb/internal/models"
	"fundingarb/internal/repository"
)

// PositionReader - выборки позиций, нужные операторскому API
type PositionReader interface {
	GetLive() ([]*models.ActivePosition, error)
	GetClosed(limit int) ([]*models.ActivePosition, error)
	GetByID(id string) (*models.ActivePosition, error)
}

// PositionsHandler отдаёт реестр позиций в режиме read-only
//
// Endpoints:
//   - GET /api/v1/positions - живые позиции (OPEN, CLOSING)
//   - GET /api/v1/positions/closed?limit=N - последние закрытые
//   - GET /api/v1/positions/{id} - позиция по id
//
// Управления позициями через API нет: торгует только супервизор,
// операторское вмешательство идёт через аварийный стоп.
type PositionsHandler struct {
	store PositionReader
}

// NewPositionsHandler создаёт handler поверх хранилища позиций
func NewPositionsHandler(store PositionReader) *PositionsHandler {
	return &PositionsHandler{store: store}
}

// positionView - позиция в ответе API
type positionView struct {
	*models.ActivePosition
	StatusInfo string `json:"status_info"`
}

func toViews(positions []*models.ActivePosition) []positionView {
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{ActivePosition: p, StatusInfo: bot.StatusInfo(p.Status)})
	}
	return out
}

// List возвращает живые позиции
func (h *PositionsHandler) List(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.GetLive()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	writeJSON(w, http.StatusOK, toViews(positions))
}

// ListClosed возвращает последние закрытые позиции
func (h *PositionsHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be in 1..500")
			return
		}
		limit = parsed
	}

	positions, err := h.store.GetClosed(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	writeJSON(w, http.StatusOK, toViews(positions))
}

// Get возвращает позицию по id
func (h *PositionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := h.store.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, positionView{ActivePosition: p, StatusInfo: bot.StatusInfo(p.Status)})
}
