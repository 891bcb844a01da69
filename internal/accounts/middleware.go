package accounts

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/phoenixgw/gateway/internal/token"
)

// ContextExternalID is the gin context key the Auth middleware stores the
// validated external identity under.
const ContextExternalID = "external_id"

// Auth gates a route behind a valid bearer token carrying the gateway's
// {id, channel, exp} claim shape. There is no role concept to gate on.
func Auth(verifier *token.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "bearer token required"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "malformed authorization header"})
			return
		}

		externalID, _, err := verifier.Verify(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid or expired token"})
			return
		}

		c.Set(ContextExternalID, externalID)
		c.Next()
	}
}

// ExternalID reads the validated external identity set by Auth.
func ExternalID(c *gin.Context) string {
	return c.GetString(ContextExternalID)
}
