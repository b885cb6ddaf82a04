package handler_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketplane/taxdocs/internal/config"
	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/esign"
	"github.com/marketplane/taxdocs/internal/http/handler"
)

func TestWebhookAckIncludesMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	secret := "handler-webhook-secret"
	cfg := config.Config{ESignWebhookSecret: secret}
	svc := esign.NewService(nil, nil, esign.NewMemoryStateStore(), nil, noopAuditor{}, cfg, zap.NewNop())
	h := handler.NewESignHandler(svc, zap.NewNop())

	r := gin.New()
	r.POST("/webhooks/esign", h.Webhook)

	body := []byte(`{"event":"recipient-viewed","data":{"envelopeId":"env-9"}}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "event acknowledged", resp["message"])
	require.Equal(t, "env-9", resp["envelope_id"])
}

func TestWebhookBadSignatureUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{ESignWebhookSecret: "handler-webhook-secret"}
	svc := esign.NewService(nil, nil, esign.NewMemoryStateStore(), nil, noopAuditor{}, cfg, zap.NewNop())
	h := handler.NewESignHandler(svc, zap.NewNop())

	r := gin.New()
	r.POST("/webhooks/esign", h.Webhook)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/esign",
		bytes.NewReader([]byte(`{"event":"envelope-sent","data":{"envelopeId":"env-9"}}`)))
	req.Header.Set("X-Webhook-Signature", "bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

type noopAuditor struct{}

func (noopAuditor) Append(ctx context.Context, action domain.AuditAction, actor domain.Actor, target domain.AuditTarget, details map[string]any) *domain.AuditEntry {
	return nil
}
