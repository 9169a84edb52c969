// File: internal/handlers/response.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iyunix/go-smilin/internal/domain"
)

type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// writeJSON is a helper for sending JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError is a helper for sending JSON error responses.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeChatError maps a ChatError to a status code and a problem body.
func writeChatError(w http.ResponseWriter, err error) {
	var ce *domain.ChatError
	if !errors.As(err, &ce) {
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch ce.Type {
	case domain.ErrTypeValidation:
		status = http.StatusBadRequest
	case domain.ErrTypeIdentityUnresolved:
		status = http.StatusNotFound
	case domain.ErrTypeRateLimited:
		status = http.StatusTooManyRequests
	case domain.ErrTypeTransportUnavailable:
		status = http.StatusServiceUnavailable
	case domain.ErrTypePersistenceFailure:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, domain.ProblemPayload{
		Code:      ce.Type,
		Message:   ce.Message,
		Retryable: ce.Retryable(),
		PeerID:    ce.UserID,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}
