package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/audit"
	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/esign"
	"github.com/marketplane/taxdocs/internal/http/middleware"
	"github.com/marketplane/taxdocs/internal/retention"
	"github.com/marketplane/taxdocs/internal/w9"
)

// AdminHandler serves the administrator compliance and review endpoints.
type AdminHandler struct {
	w9svc     *w9.Service
	esignSvc  *esign.Service
	auditSvc  *audit.Service
	scheduler *retention.Scheduler
	logger    *zap.Logger
}

// NewAdminHandler wires the admin handler.
func NewAdminHandler(w9svc *w9.Service, esignSvc *esign.Service, auditSvc *audit.Service, scheduler *retention.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		w9svc:     w9svc,
		esignSvc:  esignSvc,
		auditSvc:  auditSvc,
		scheduler: scheduler,
		logger:    logger,
	}
}

type verifyRequest struct {
	TaxIDType    string `json:"tax_id_type" binding:"required"`
	TaxIDLast4   string `json:"tax_id_last4" binding:"required"`
	BusinessName string `json:"business_name"`
}

// Verify approves an affiliate's pending submission.
func (h *AdminHandler) Verify(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	affiliateID := c.Param("affiliateID")

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "tax_id_type and tax_id_last4 are required."})
		return
	}

	summary, err := h.w9svc.Verify(c.Request.Context(), actor, affiliateID, w9.VerifyInput{
		TaxIDType:    req.TaxIDType,
		TaxIDLast4:   req.TaxIDLast4,
		BusinessName: req.BusinessName,
	})
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject declines an affiliate's pending submission with a reason.
func (h *AdminHandler) Reject(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	affiliateID := c.Param("affiliateID")

	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "reason is required."})
		return
	}

	summary, err := h.w9svc.Reject(c.Request.Context(), actor, affiliateID, req.Reason)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CancelSigning voids an affiliate's in-flight envelope.
func (h *AdminHandler) CancelSigning(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	affiliateID := c.Param("affiliateID")

	st, err := h.esignSvc.Cancel(c.Request.Context(), actor, affiliateID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st.Status})
}

// Download streams any affiliate's decrypted document for review.
func (h *AdminHandler) Download(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)
	affiliateID := c.Param("affiliateID")

	rec, data, err := h.w9svc.Download(c.Request.Context(), actor, affiliateID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.OriginalName))
	c.Data(http.StatusOK, rec.MimeType, data)
}

type legalHoldRequest struct {
	Hold   bool   `json:"hold"`
	Reason string `json:"reason"`
}

// LegalHold flags or releases a document's destruction exemption.
func (h *AdminHandler) LegalHold(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	documentID, err := uuid.Parse(c.Param("documentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "documentID must be a UUID."})
		return
	}

	var req legalHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed request body."})
		return
	}

	rec, err := h.scheduler.SetLegalHold(c.Request.Context(), actor, documentID, req.Hold, req.Reason)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": rec.ID, "legal_hold": rec.LegalHold})
}

// VerifyIntegrity runs an on-demand decryption check against one document.
func (h *AdminHandler) VerifyIntegrity(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	documentID, err := uuid.Parse(c.Param("documentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "documentID must be a UUID."})
		return
	}

	rec, valid, err := h.w9svc.VerifyDocumentIntegrity(c.Request.Context(), actor, documentID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": rec.ID, "valid": valid})
}

// AuditLog returns an owner's audit trail, filtered.
func (h *AdminHandler) AuditLog(c *gin.Context) {
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	entries, err := h.auditSvc.QueryByOwner(c.Request.Context(), c.Param("ownerID"), filter)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// AuditExport exports an owner's audit trail as CSV or JSON. The export
// itself is an audited action.
func (h *AdminHandler) AuditExport(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	ownerID := c.Query("owner_id")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "owner_id is required."})
		return
	}
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "csv":
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-"+ownerID+".csv"))
		if _, err := h.auditSvc.ExportCSV(c.Request.Context(), c.Writer, ownerID, filter, actor); err != nil {
			h.logger.Error("audit csv export failed", zap.Error(err))
		}
	case "json":
		exportID, entries, err := h.auditSvc.ExportJSON(c.Request.Context(), ownerID, filter, actor)
		if err != nil {
			respondServiceError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"export_id": exportID, "entries": entries})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "format must be csv or json."})
	}
}

func auditFilterFromQuery(c *gin.Context) (domain.AuditFilter, error) {
	var filter domain.AuditFilter

	if raw := c.Query("action"); raw != "" {
		filter.Action = domain.AuditAction(raw)
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("from must be RFC3339")
		}
		filter.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("to must be RFC3339")
		}
		filter.To = t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	return filter, nil
}
