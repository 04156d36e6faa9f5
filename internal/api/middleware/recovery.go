package middleware

import (
	"net/http"
	"runtime/debug"

	"fundingarb/pkg/utils"
)

// Recovery перехватывает панику в handler'е: сервер продолжает
// обслуживать запросы, клиент получает 500, stack trace уходит в лог
func Recovery(next http.Handler) http.Handler {
	log := utils.L().WithComponent("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("handler panic",
					utils.String("path", r.URL.Path),
					utils.Any("panic", err),
					utils.String("stack", string(debug.Stack())))

				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
