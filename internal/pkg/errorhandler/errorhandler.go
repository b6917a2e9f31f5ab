package errorhandler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cobra-ai/credits/internal/pkg/logger"
	"github.com/cobra-ai/credits/internal/pkg/response"
)

// HandleError logs err with the request context and sends a formatted error
// response. Only code and message reach the client; err stays in the logs.
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	event := logger.FromContext(ctx).Error().
		Str("request_id", logger.RequestIDFrom(ctx)).
		Str("error_code", code).
		Str("error_message", message).
		Int("status_code", status)

	if err != nil {
		event.Err(err)
	}

	event.Msg("Request error")

	response.Error(w, status, code, message)
}

// LogError logs a failure that happened after the response was committed
func LogError(ctx context.Context, operation string, err error) {
	logger.LogError(ctx, err, "Request failed after response started",
		"request_id", logger.RequestIDFrom(ctx),
		"operation", operation,
	)
}

// LogValidationError logs validation errors with details
func LogValidationError(ctx context.Context, fieldErrors map[string]string) {
	errJSON, _ := json.Marshal(fieldErrors)
	logger.FromContext(ctx).Warn().
		Str("request_id", logger.RequestIDFrom(ctx)).
		RawJSON("validation_errors", errJSON).
		Msg("Validation error")
}
