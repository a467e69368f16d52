package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/auth"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/types"
)

// HeaderAPIKey carries the internal-API credential.
const HeaderAPIKey = "X-API-KEY"

// claimsContextKey is where the JWT guard stashes the validated claims.
const claimsContextKey = "auth_claims"

// RenderError writes an error response in the shared shape and aborts the
// handler chain. Internals behind 5xx answers are logged, not leaked.
func RenderError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		logging.Error(c.Request.Context(), "Request failed", zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": apperr.MessageOf(err),
		"code":  apperr.CodeOf(err),
	})
}

// RequireUser validates the Bearer token and stashes its claims for the
// handlers behind it.
func RequireUser(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			RenderError(c, apperr.Unauthenticated("MISSING_TOKEN", "authorization bearer token is required"))
			return
		}
		claims, err := svc.ValidateAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			RenderError(c, err)
			return
		}

		SetClaims(c, claims)
		ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OptionalUser validates the Bearer token when one is presented and lets
// anonymous requests through untouched. A token that is present but invalid
// still fails the request, so a caller cannot downgrade itself to anonymous
// by sending garbage.
func OptionalUser(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			RenderError(c, apperr.Unauthenticated("INVALID_TOKEN", "malformed authorization header"))
			return
		}
		claims, err := svc.ValidateAccessToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			RenderError(c, err)
			return
		}

		SetClaims(c, claims)
		ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin refuses non-admin callers. It must run behind RequireUser.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := Claims(c)
		if !ok {
			RenderError(c, apperr.Unauthenticated("MISSING_TOKEN", "authorization bearer token is required"))
			return
		}
		if claims.Role != types.UserRoleAdmin {
			RenderError(c, apperr.Forbidden("ADMIN_REQUIRED", "this operation requires the admin role"))
			return
		}
		c.Next()
	}
}

// RequireAPIKey guards the internal surface with the opaque key.
func RequireAPIKey(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.ValidateAPIKey(c.Request.Context(), c.GetHeader(HeaderAPIKey)); err != nil {
			RenderError(c, err)
			return
		}
		c.Next()
	}
}

// SetClaims attaches validated token claims to the gin context.
func SetClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(claimsContextKey, claims)
}

// Claims returns the validated JWT claims stashed by RequireUser.
func Claims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
