// File: internal/middleware/constants.go
package middleware

import (
	"encoding/json"
	"net/http"
)

const (
	// AuthCookieName carries the JWT for browser clients.
	AuthCookieName = "auth_token"
	// TokenQueryParam carries the JWT on websocket upgrades, which cannot set headers.
	TokenQueryParam = "token"
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
