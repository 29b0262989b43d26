package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/identity"
	"github.com/companionlabs/companiond/internal/ratelimit"
)

// RateLimitMiddleware enforces the per-user request limit on authenticated
// routes. A limiter backend failure fails open; limiting is a guardrail,
// not an availability dependency.
func RateLimitMiddleware(manager *ratelimit.Manager, provider ratelimit.SettingsProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := identity.CurrentUser(c)
		if user == nil {
			c.Next()
			return
		}
		decision := ratelimit.ResolveLimit(provider, user.ID, 0)
		key := ratelimit.KeyForDecision(user.ID, decision)
		if key == "" {
			c.Next()
			return
		}

		result, errAllow := manager.Allow(c.Request.Context(), key, decision.Limit)
		if errAllow != nil {
			log.WithError(errAllow).Warn("http: rate limit check failed")
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
