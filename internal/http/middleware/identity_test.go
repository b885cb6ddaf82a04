package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/marketplane/taxdocs/internal/domain"
	"github.com/marketplane/taxdocs/internal/http/middleware"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Identity())
	r.GET("/affiliate", middleware.RequireAffiliate, func(c *gin.Context) {
		actor, _ := middleware.ActorFrom(c)
		c.JSON(http.StatusOK, gin.H{"id": actor.ID, "role": actor.Role})
	})
	r.GET("/admin", middleware.RequireAdmin, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestIdentityFromGatewayHeaders(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/affiliate", nil)
	req.Header.Set("X-Affiliate-ID", "AFF-001")
	req.Header.Set("X-Actor-Name", "Pat Doe")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "AFF-001")
	require.Contains(t, w.Body.String(), string(domain.RoleAffiliate))
}

func TestMissingIdentityRejected(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/affiliate", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAffiliateCannotReachAdminRoutes(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Affiliate-ID", "AFF-001")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoleHeaderHonored(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Affiliate-ID", "ADM-001")
	req.Header.Set("X-Actor-Role", "administrator")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
