package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cobra-ai/credits/internal/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// maxRequestIDLen caps client-supplied IDs before they reach the logs
const maxRequestIDLen = 64

// RequestID propagates X-Request-ID, generating one when absent, and puts a
// logger tagged with it on the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		reqLogger := log.Logger.With().Str("request_id", requestID).Logger()
		ctx := logger.WithRequestID(r.Context(), requestID)
		ctx = logger.WithContext(ctx, &reqLogger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
