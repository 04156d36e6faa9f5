package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// sign.go - подпись запросов к приватным API бирж
//
// Биржи аутентифицируют приватные запросы подписью HMAC-SHA256
// от канонической строки (timestamp + api_key + recv_window + payload
// у Bybit v5). Секрет никогда не передаётся по сети.

// Ошибки подписи
var (
	ErrEmptySecret  = errors.New("signing secret cannot be empty")
	ErrEmptyPayload = errors.New("signing payload cannot be empty")
)

// SignHMAC подписывает payload секретом и возвращает hex-подпись
func SignHMAC(payload, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if payload == "" {
		return "", ErrEmptyPayload
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC проверяет подпись constant-time сравнением
// Используется в тестах и при валидации webhook-подобных колбэков
func VerifyHMAC(payload, secret, signature string) bool {
	expected, err := SignHMAC(payload, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
