package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	roleKey    = "role"
	subjectKey = "subject"
)

// Authenticator guards the API. A nil or disabled Authenticator grants
// operator rights to every request.
type Authenticator struct {
	jwt     *JWTHandler
	enabled bool
}

func NewAuthenticator(jwtHandler *JWTHandler, enabled bool) *Authenticator {
	return &Authenticator{jwt: jwtHandler, enabled: enabled}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// Validate checks a raw token and returns its role.
func (a *Authenticator) Validate(token string) (Role, error) {
	if !a.Enabled() {
		return RoleOperator, nil
	}
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Role, nil
}

// Middleware validates bearer tokens and stores the role in the context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Set(roleKey, RoleOperator)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "invalid authorization header format", nil))
			return
		}

		claims, err := a.jwt.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse(types.ErrCodeUnauthorized, "invalid or expired token", nil))
			return
		}

		c.Set(roleKey, claims.Role)
		c.Set(subjectKey, claims.Subject)
		c.Next()
	}
}

// RequireRole rejects requests whose role does not grant required.
func RequireRole(required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := RoleFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.ErrCodeForbidden, "no role found", nil))
			return
		}

		if !role.Allows(required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse(types.ErrCodeForbidden, "insufficient permissions",
					gin.H{"required": string(required), "role": string(role)}))
			return
		}

		c.Next()
	}
}

func RoleFromContext(c *gin.Context) (Role, bool) {
	v, exists := c.Get(roleKey)
	if !exists {
		return "", false
	}
	role, ok := v.(Role)
	return role, ok
}
