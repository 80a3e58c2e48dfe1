package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses. Messages come from
// the sentinel and stay generic; causes are only logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	msg := publicMessage(err)

	var werr error
	switch {
	case services.IsTokenError(err):
		werr = utils.WriteUnauthorized(w, "invalid_token", msg)

	case services.IsUnauthorizedError(err):
		werr = utils.WriteUnauthorized(w, "invalid_grant", msg)

	case services.IsInvalidPrincipalStateError(err):
		werr = utils.WriteForbidden(w, msg)

	case services.IsTenantError(err), services.IsForbiddenError(err):
		werr = utils.WriteForbidden(w, msg)

	case services.IsRateLimitError(err):
		werr = utils.WriteTooManyRequests(w, msg, 0)

	case services.IsNotFoundError(err):
		werr = utils.WriteNotFound(w, msg)

	case services.IsValidationError(err):
		werr = utils.WriteBadRequest(w, msg, details)

	case services.IsConflictError(err):
		werr = utils.WriteConflict(w, msg, details)

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		werr = utils.WriteInternalServerError(w, "An internal error occurred")

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("request cancelled", zap.Error(err))
		werr = utils.WriteServiceUnavailable(w, "Request cancelled")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		werr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}

// publicMessage is the sentinel message without the wrapped cause
func publicMessage(err error) string {
	var derr *services.DomainError
	if errors.As(err, &derr) {
		return derr.Message
	}
	return "Request failed"
}

// HandleValidationError handles errors from request decoding and validation
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

func errorType(err error) string {
	return string(services.GetErrorType(err))
}
