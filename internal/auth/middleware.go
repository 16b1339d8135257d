package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PrincipalKey is the gin context key holding the authenticated Principal.
const PrincipalKey = "auth_principal"

// Gin authenticates the request and requires action.
func (s *Service) Gin(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="orkestr"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !Allowed(p.Roles, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Set(PrincipalKey, p)
		c.Next()
	}
}

// FromContext returns the caller set by Gin.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
