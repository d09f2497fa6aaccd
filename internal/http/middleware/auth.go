package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminToken carries the shared secret for admin endpoints.
const HeaderAdminToken = "X-Admin-Token"

const ctxKeyPrincipal = "principal"

// AdminAuth guards a route group with a static shared token. An empty token
// disables the group: every request gets 404 so the admin surface is not
// discoverable. A missing or wrong token gets 401.
func AdminAuth(token string) gin.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "not_found",
				"message":    "route not found",
			})
			return
		}
		got := []byte(strings.TrimSpace(c.GetHeader(HeaderAdminToken)))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "missing or invalid admin token",
			})
			return
		}
		c.Set(ctxKeyPrincipal, "admin")
		c.Next()
	}
}

// Principal returns the authenticated principal of the request, or "".
func Principal(c *gin.Context) string {
	v, _ := c.Get(ctxKeyPrincipal)
	return asString(v)
}
