package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/auth"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/types"
)

// AuthHandler serves credential exchange and API key administration.
type AuthHandler struct {
	auth *auth.Service
}

func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{auth: svc}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Logout revokes the presented refresh token. Access tokens stay valid until
// they expire; only the renewal path is cut.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// ChangePassword rotates the caller's own password. The subject comes from
// the validated token, never from the body.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		middleware.RenderError(c, apperr.Unauthenticated("MISSING_TOKEN", "authorization bearer token is required"))
		return
	}

	var req changePasswordRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.auth.ChangePassword(c.Request.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password changed"})
}

func (h *AuthHandler) ListAPIKeys(c *gin.Context) {
	keys, err := h.auth.ListAPIKeys(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	if keys == nil {
		keys = []*types.APIKey{}
	}
	c.JSON(http.StatusOK, keys)
}

type createAPIKeyRequest struct {
	KeepExisting bool `json:"keepExisting"`
}

// CreateAPIKey mints a new internal-API key. By default existing keys are
// revoked in the same stroke; keepExisting=true rotates without a cutoff.
func (h *AuthHandler) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.RenderError(c, apperr.Validation("INVALID_BODY", "invalid request body: "+err.Error()))
		return
	}

	key, err := h.auth.CreateAPIKey(c.Request.Context(), auth.CreateKeyOptions{KeepExisting: req.KeepExisting})
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *AuthHandler) RevokeAPIKeys(c *gin.Context) {
	if err := h.auth.RevokeAPIKeys(c.Request.Context()); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
