package handlers

import (
	"context"
	"net/http"
	"time"

	"fundingarb/internal/config"
)

// Pinger проверяет доступность базы данных
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ClientCounter отдаёт число подписчиков телеметрии
type ClientCounter interface {
	ClientCount() int
}

// HealthHandler обслуживает /healthz
//
// Отчёт включает доступность БД, имя биржи, число websocket
// подписчиков и состояние аварийного стопа. При недоступной БД
// отвечает 503: демон без персистентности жить не должен.
type HealthHandler struct {
	db       Pinger
	hub      ClientCounter
	exchange string
	started  time.Time
}

// NewHealthHandler создаёт handler
func NewHealthHandler(db Pinger, hub ClientCounter, exchange string) *HealthHandler {
	return &HealthHandler{
		db:       db,
		hub:      hub,
		exchange: exchange,
		started:  time.Now().UTC(),
	}
}

// healthReport - ответ /healthz
type healthReport struct {
	Status        string `json:"status"`
	Exchange      string `json:"exchange"`
	Database      string `json:"database"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WSClients     int    `json:"ws_clients"`
	EmergencyStop bool   `json:"emergency_stop"`
}

// Check возвращает состояние демона
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:        "ok",
		Exchange:      h.exchange,
		Database:      "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		EmergencyStop: config.EmergencyStopEngaged(),
	}
	if h.hub != nil {
		report.WSClients = h.hub.ClientCount()
	}

	status := http.StatusOK
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			report.Status = "degraded"
			report.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, report)
}
