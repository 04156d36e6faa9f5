package middleware

import (
	"net/http"
	"os"
	"strings"
	"sync"
)

// Разрешённые origins для операторских дашбордов. Дополнительные
// домены задаются через ALLOWED_ORIGINS (через запятую) - та же
// переменная, что и у websocket телеметрии.
var (
	originsOnce    sync.Once
	allowedOrigins map[string]bool
)

func loadOrigins() {
	allowedOrigins = map[string]bool{
		"http://localhost:3000": true,
		"http://127.0.0.1:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:8080": true,
	}
	for _, origin := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowedOrigins[origin] = true
		}
	}
}

func isOriginAllowed(origin string) bool {
	originsOnce.Do(loadOrigins)
	if origin == "" {
		return false
	}
	return allowedOrigins["*"] || allowedOrigins[origin]
}

// CORS выставляет заголовки Cross-Origin Resource Sharing
//
// API read-only, но браузерному дашборду всё равно нужны preflight
// ответы. Неразрешённый origin не получает заголовков - запрос
// заблокирует сам браузер.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if isOriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin == "" {
			// Запросы без Origin (curl, мониторинг) проходят как есть
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
