package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses.
// Only the domain message reaches the client; wrapped causes are logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	message := publicMessage(err)
	details := services.GetErrorDetails(err)

	var writeErr error
	switch {
	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.IsPayloadTooLargeError(err):
		writeErr = utils.WritePayloadTooLarge(w, message, details)

	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, message)

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteUnauthorized(w, message)

	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, message)

	case services.IsConstraintViolationError(err):
		writeErr = utils.WriteConflict(w, message, details)

	case services.IsStoreUnavailableError(err), services.IsCapacityExceededError(err):
		logger.Warn("dependency unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, message)

	case services.IsStoreTimeoutError(err):
		logger.Warn("dependency timed out", zap.Error(err))
		writeErr = utils.WriteGatewayTimeout(w, message)

	case services.IsTenantMismatchError(err):
		logger.Error("tenant isolation violated",
			zap.Error(err),
			zap.Any("details", details))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if errors.Is(err, utils.ErrBodyTooLarge) {
		if err := utils.WritePayloadTooLarge(w, "Request body too large", nil); err != nil {
			logger.Error("failed to write payload too large response", zap.Error(err))
		}
		return
	}

	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
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

func publicMessage(err error) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}
