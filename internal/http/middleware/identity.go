package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplane/taxdocs/internal/domain"
)

const actorKey = "requestActor"

// Gateway identity headers. The subsystem sits behind the platform gateway,
// which authenticates the caller and forwards who they are.
const (
	headerAffiliateID = "X-Affiliate-ID"
	headerActorRole   = "X-Actor-Role"
	headerActorName   = "X-Actor-Name"
)

// Identity resolves the calling actor from gateway headers and attaches it to
// the request context. Requests without identity headers pass through with no
// actor; route guards decide whether that is acceptable.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerAffiliateID)
		if id == "" {
			c.Next()
			return
		}

		role := domain.RoleAffiliate
		if raw := c.GetHeader(headerActorRole); raw == string(domain.RoleAdministrator) {
			role = domain.RoleAdministrator
		}

		c.Set(actorKey, domain.Actor{
			ID:          id,
			Role:        role,
			DisplayName: c.GetHeader(headerActorName),
		})
		c.Next()
	}
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(c *gin.Context) (domain.Actor, bool) {
	value, ok := c.Get(actorKey)
	if !ok {
		return domain.Actor{}, false
	}
	actor, ok := value.(domain.Actor)
	return actor, ok
}

// RequireAffiliate aborts unauthenticated requests.
func RequireAffiliate(c *gin.Context) {
	if _, ok := ActorFrom(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "unauthorized",
			"error_description": "Affiliate identity required.",
		})
		return
	}
	c.Next()
}

// RequireAdmin aborts requests whose actor is not an administrator.
func RequireAdmin(c *gin.Context) {
	actor, ok := ActorFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "unauthorized",
			"error_description": "Administrator identity required.",
		})
		return
	}
	if actor.Role != domain.RoleAdministrator {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":             "forbidden",
			"error_description": "Administrator role required.",
		})
		return
	}
	c.Next()
}
