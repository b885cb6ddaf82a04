package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/esign"
	"github.com/marketplane/taxdocs/internal/http/middleware"
	"github.com/marketplane/taxdocs/internal/w9"
)

// W9Handler serves the affiliate-facing document lifecycle endpoints.
type W9Handler struct {
	w9svc    *w9.Service
	esignSvc *esign.Service
	logger   *zap.Logger
}

// NewW9Handler wires the affiliate handler.
func NewW9Handler(w9svc *w9.Service, esignSvc *esign.Service, logger *zap.Logger) *W9Handler {
	return &W9Handler{w9svc: w9svc, esignSvc: esignSvc, logger: logger}
}

// Upload accepts a multipart W9 document from the authenticated affiliate.
func (h *W9Handler) Upload(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	fileHeader, err := c.FormFile("document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Multipart field 'document' is required."})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Uploaded file could not be read."})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Uploaded file could not be read."})
		return
	}

	rec, summary, err := h.w9svc.Upload(c.Request.Context(), actor, w9.UploadInput{
		File:         data,
		OriginalName: fileHeader.Filename,
		MimeType:     fileHeader.Header.Get("Content-Type"),
	})
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"document_id": rec.ID,
		"status":      summary,
	})
}

// Status returns the affiliate's current W9 state.
func (h *W9Handler) Status(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	summary, err := h.w9svc.Status(c.Request.Context(), actor.ID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Download streams the affiliate's own decrypted document.
func (h *W9Handler) Download(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	rec, data, err := h.w9svc.Download(c.Request.Context(), actor, actor.ID)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.OriginalName))
	c.Data(http.StatusOK, rec.MimeType, data)
}

// StartSigning begins or resumes an embedded signing ceremony and returns the
// signing URL.
func (h *W9Handler) StartSigning(c *gin.Context) {
	actor, _ := middleware.ActorFrom(c)

	email := c.GetHeader("X-Actor-Email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Signer email is required."})
		return
	}
	name := actor.DisplayName
	if name == "" {
		name = actor.ID
	}

	session, err := h.esignSvc.StartSigning(c.Request.Context(), esign.Signer{
		AffiliateID: actor.ID,
		Name:        name,
		Email:       email,
	})
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, session)
}
