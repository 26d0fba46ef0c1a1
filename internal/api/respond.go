package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/task"
)

// envelope is the uniform response body for every endpoint.
type envelope struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CreditsUsed int    `json:"credits_used,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("write response failed", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, data any, credits int) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, CreditsUsed: credits})
}

// writeError maps a failure onto the envelope plus the right status
// code. Rate-limit refusals additionally carry Retry-After in seconds.
func writeError(w http.ResponseWriter, err error) {
	kind := task.KindOf(err)
	var te *task.Error
	if errors.As(err, &te) && te.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(te.RetryAfter.Seconds()))))
	}
	writeJSON(w, kindStatus(kind), envelope{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: kind.APICode(),
	})
}

func writeErrorKind(w http.ResponseWriter, kind task.ErrKind, msg string) {
	writeError(w, task.E(kind, msg))
}

func kindStatus(kind task.ErrKind) int {
	switch kind {
	case task.KindInvalidInput, task.KindSSRFDetected:
		return http.StatusBadRequest
	case task.KindUnauthorized:
		return http.StatusUnauthorized
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case task.KindConcurrencyExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
