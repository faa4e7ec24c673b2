package server

import (
	"strings"

	"github.com/beneplus/beneflow/internal/scopectx"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	headerRole     = "X-Role"
	headerEmployer = "X-Employer-ID"
)

// ScopeMiddleware resolves the caller scope from request headers and
// stores it on the request context. Authentication happens upstream;
// the headers are trusted here.
func ScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := scopectx.Scope{
			Role: scopectx.ParseRole(c.GetHeader(headerRole)),
		}

		if raw := strings.TrimSpace(c.GetHeader(headerEmployer)); raw != "" {
			id, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, newValidationError("employer_id", "invalid_employer_id", "invalid employer id"))
				return
			}
			scope.EmployerID = id
		}

		c.Request = c.Request.WithContext(scopectx.WithScope(c.Request.Context(), scope))
		c.Next()
	}
}

// requireEmployerScope stops callers from reaching another employer's
// data. Platform operators and insurer liaisons pass through.
func requireEmployerScope(c *gin.Context, employerID snowflake.ID) bool {
	scope, ok := scopectx.FromContext(c.Request.Context())
	if !ok || !scope.AllowsEmployer(employerID) {
		AbortWithError(c, ErrForbidden)
		return false
	}
	return true
}
