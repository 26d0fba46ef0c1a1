package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlrs/crawlrs/internal/metrics"
	"github.com/crawlrs/crawlrs/internal/ratelimit"
	"github.com/crawlrs/crawlrs/internal/task"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	credentialKey
)

// tenantNamespace makes tenant derivation from credentials stable across
// restarts and frontends.
var tenantNamespace = uuid.MustParse("8e8b9faf-0a54-4d49-8f9f-25d22e1bb09c")

// tenantOf returns the tenant id implied by the request's credential.
func tenantOf(r *http.Request) uuid.UUID {
	cred, _ := r.Context().Value(credentialKey).(string)
	return uuid.NewSHA1(tenantNamespace, []byte(cred))
}

func credentialOf(r *http.Request) string {
	cred, _ := r.Context().Value(credentialKey).(string)
	return cred
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unknown"
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeErrorKind(w, task.KindInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware extracts the bearer credential and, when an API key is
// configured, refuses requests that do not present it. The credential is
// stashed in the context for tenant derivation and rate accounting.
func authMiddleware(enabled bool, apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := bearerToken(r)
			if enabled {
				if cred == "" {
					writeErrorKind(w, task.KindUnauthorized, "missing bearer credential")
					return
				}
				if subtle.ConstantTimeCompare([]byte(cred), []byte(apiKey)) != 1 {
					writeErrorKind(w, task.KindUnauthorized, "unknown credential")
					return
				}
			}
			if cred == "" {
				cred = "anonymous"
			}
			ctx := context.WithValue(r.Context(), credentialKey, cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// rateLimitMiddleware refuses requests past the credential's fixed
// window budget with a 429 and Retry-After.
func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Allow(r.Context(), credentialOf(r)); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
