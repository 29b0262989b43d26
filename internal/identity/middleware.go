package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/companionlabs/companiond/internal/ledger"
	"github.com/companionlabs/companiond/internal/models"
)

// userContextKey is where the middleware parks the resolved user.
const userContextKey = "identity.user"

// Middleware authenticates the request and resolves exactly one ledger user,
// creating the row on first contact. Requests without a valid token are
// rejected with 401 before any handler runs.
func Middleware(verifier *Verifier, lgr *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, errParse := verifier.Parse(token)
		if errParse != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var user *models.User
		var errUser error
		if claims.Email != "" {
			user, errUser = lgr.GetOrCreateUserByEmail(c.Request.Context(), claims.Email)
		} else {
			user, errUser = lgr.GetOrCreateUserByPhone(c.Request.Context(), claims.Phone)
		}
		if errUser != nil {
			log.WithError(errUser).Error("identity: resolve user")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity resolution failed"})
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// CurrentUser returns the user the middleware resolved for this request.
func CurrentUser(c *gin.Context) *models.User {
	value, exists := c.Get(userContextKey)
	if !exists {
		return nil
	}
	user, _ := value.(*models.User)
	return user
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
