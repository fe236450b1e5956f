package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/settlement_backend/config"
	"bitbucket.org/mmdatafocus/settlement_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the organization and the acting user.
// A token header (or Authorization: Bearer) is looked up in Redis (Token:<token> -> actor id). Without a
// token, trusted internal callers may name the actor with x-actor-id unless
// REQUIRE_SESSION is on.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if organizationId := strings.TrimSpace(c.GetHeader("x-organization-id")); organizationId != "" {
			ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
		}

		token := c.GetHeader("token")
		if token == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}
		if token != "" {
			actorId, exists, err := config.GetRedisValue(ctx, "Token:"+token)
			if err != nil || !exists || actorId == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				c.Abort()
				return
			}
			ctx = utils.SetTokenInContext(ctx, token)
			ctx = utils.SetActorIdInContext(ctx, actorId)
		} else if actorId := strings.TrimSpace(c.GetHeader("x-actor-id")); actorId != "" && !config.RequireSession() {
			ctx = utils.SetActorIdInContext(ctx, actorId)
		} else if config.RequireSession() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
