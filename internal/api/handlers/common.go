package handlers

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var respJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse - стандартный формат ответа об ошибке
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// writeJSON сериализует payload в ответ
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = respJSON.NewEncoder(w).Encode(payload)
}

// writeError отдаёт ошибку в стандартном формате
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
