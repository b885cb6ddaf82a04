package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/domain"
)

// respondServiceError maps domain sentinels onto HTTP responses. Unknown
// errors are logged and masked as server_error.
func respondServiceError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
	case errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "error_description": "State is unknown or expired."})
	case errors.Is(err, domain.ErrDuplicateSubmission):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_submission", "error_description": "A submission is already under review."})
	case errors.Is(err, domain.ErrDuplicateEnvelope):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_envelope", "error_description": "A signing envelope is already in flight."})
	case errors.Is(err, domain.ErrImmutableEntry):
		c.JSON(http.StatusConflict, gin.H{"error": "immutable_entry", "error_description": "Audit entries cannot be modified."})
	case errors.Is(err, domain.ErrAuthorizationRequired):
		c.JSON(http.StatusConflict, gin.H{"error": "authorization_required", "error_description": "Provider authorization required. An administrator must complete the consent flow."})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Resource not found."})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "error_description": "Access denied."})
	case errors.Is(err, domain.ErrBadSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "error_description": "Webhook signature verification failed."})
	case errors.Is(err, domain.ErrIntegrity):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity_failure", "error_description": "Stored document failed integrity verification."})
	case errors.Is(err, domain.ErrUpstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "error_description": "E-signature provider request failed."})
	default:
		logger.Error("unhandled service error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Internal server error."})
	}
}
