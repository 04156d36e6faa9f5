package api

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundingarb/internal/api/handlers"
	"fundingarb/internal/api/middleware"
	"fundingarb/internal/telemetry"
)

// Dependencies - зависимости операторского HTTP сервера
type Dependencies struct {
	Positions handlers.PositionReader
	DB        handlers.Pinger
	Hub       *telemetry.Hub
	Exchange  string // имя биржи для /healthz
}

// SetupRoutes собирает операторскую поверхность демона
//
// Поверхность read-only: торговлей управляет супервизор, оператор
// вмешивается через аварийный стоп, а не через API.
//
// Маршруты:
//
//	/healthz                 - состояние демона
//	/metrics                 - prometheus
//	/api/v1/positions        - живые позиции
//	/api/v1/positions/closed - последние закрытые
//	/api/v1/positions/{id}   - позиция по id
//	/ws/events               - поток телеметрии (websocket)
//	/debug/pprof/*           - профилировщик (basic auth)
//
// Middleware: Recovery -> Logging -> CORS на всех маршрутах,
// DebugAuth только на /debug.
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	var clients handlers.ClientCounter
	if deps.Hub != nil {
		clients = deps.Hub
	}
	health := handlers.NewHealthHandler(deps.DB, clients, deps.Exchange)
	router.HandleFunc("/healthz", health.Check).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if deps.Positions != nil {
		positions := handlers.NewPositionsHandler(deps.Positions)
		v1 := router.PathPrefix("/api/v1").Subrouter()
		v1.HandleFunc("/positions", positions.List).Methods(http.MethodGet)
		v1.HandleFunc("/positions/closed", positions.ListClosed).Methods(http.MethodGet)
		v1.HandleFunc("/positions/{id}", positions.Get).Methods(http.MethodGet)
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/events", func(w http.ResponseWriter, r *http.Request) {
			telemetry.ServeWS(deps.Hub, w, r)
		})
	}

	debug := router.PathPrefix("/debug/pprof").Subrouter()
	debug.Use(middleware.DebugAuth)
	debug.HandleFunc("", pprof.Index)
	debug.HandleFunc("/", pprof.Index)
	debug.HandleFunc("/cmdline", pprof.Cmdline)
	debug.HandleFunc("/profile", pprof.Profile)
	debug.HandleFunc("/symbol", pprof.Symbol)
	debug.HandleFunc("/trace", pprof.Trace)
	debug.PathPrefix("/").Handler(http.HandlerFunc(pprof.Index))

	return router
}
