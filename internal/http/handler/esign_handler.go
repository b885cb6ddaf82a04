package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/esign"
	"github.com/marketplane/taxdocs/internal/http/middleware"
)

const webhookSignatureHeader = "X-Webhook-Signature"

// ESignHandler serves the provider authorization flow and webhook intake.
type ESignHandler struct {
	svc    *esign.Service
	logger *zap.Logger
}

// NewESignHandler wires the e-signature handler.
func NewESignHandler(svc *esign.Service, logger *zap.Logger) *ESignHandler {
	return &ESignHandler{svc: svc, logger: logger}
}

// Authorize begins the admin consent flow against the provider.
func (h *ESignHandler) Authorize(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	auth, err := h.svc.StartAuthorization(c.Request.Context(), actor)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

// Callback completes the consent flow with the provider's code and state.
func (h *ESignHandler) Callback(c *gin.Context) {
	code := c.Query("code")
	state := c.Query("state")

	if err := h.svc.HandleCallback(c.Request.Context(), code, state); err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "authorized"})
}

// Webhook ingests provider envelope events. The raw body is read before any
// parsing so signature verification covers the exact bytes on the wire.
func (h *ESignHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Request body could not be read."})
		return
	}

	result, err := h.svc.ProcessWebhook(c.Request.Context(), body, c.GetHeader(webhookSignatureHeader))
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	message := "event processed"
	if !result.Applied {
		message = "event acknowledged"
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     message,
		"envelope_id": result.EnvelopeID,
		"applied":     result.Applied,
		"status":      result.Status,
	})
}
