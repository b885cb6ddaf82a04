package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/http/handler"
	"github.com/marketplane/taxdocs/internal/http/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, w9Handler *handler.W9Handler, esignHandler *handler.ESignHandler, adminHandler *handler.AdminHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(nil))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.Identity())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	w9Group := r.Group("/w9", middleware.RequireAffiliate)
	{
		w9Group.POST("/upload", w9Handler.Upload)
		w9Group.GET("/status", w9Handler.Status)
		w9Group.GET("/download", w9Handler.Download)
		w9Group.GET("/sign/start", w9Handler.StartSigning)
	}

	esignGroup := r.Group("/esign")
	{
		esignGroup.GET("/authorize", middleware.RequireAdmin, esignHandler.Authorize)
		esignGroup.GET("/callback", esignHandler.Callback)
	}

	// Webhook authentication is the HMAC signature, not gateway identity.
	r.POST("/webhooks/esign", esignHandler.Webhook)

	admin := r.Group("/admin", middleware.RequireAdmin)
	{
		affiliates := admin.Group("/affiliates/:affiliateID/w9")
		{
			affiliates.POST("/verify", adminHandler.Verify)
			affiliates.POST("/reject", adminHandler.Reject)
			affiliates.POST("/cancel-signing", adminHandler.CancelSigning)
			affiliates.GET("/download", adminHandler.Download)
		}

		documents := admin.Group("/documents/:documentID")
		{
			documents.POST("/legal-hold", adminHandler.LegalHold)
			documents.POST("/verify-integrity", adminHandler.VerifyIntegrity)
		}

		admin.GET("/audit/export", adminHandler.AuditExport)
		admin.GET("/audit/:ownerID", adminHandler.AuditLog)
	}

	return r
}
