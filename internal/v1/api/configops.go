package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/webhook"
)

// ConfigHandler serves the global configuration document, one section per
// endpoint pair. Writes are read-modify-write against the singleton so a PUT
// of one section never clobbers another.
type ConfigHandler struct {
	repo       storage.ConfigRepository
	dispatcher *webhook.Dispatcher
}

func NewConfigHandler(repo storage.ConfigRepository, dispatcher *webhook.Dispatcher) *ConfigHandler {
	return &ConfigHandler{repo: repo, dispatcher: dispatcher}
}

func (h *ConfigHandler) GetSecurity(c *gin.Context) {
	cfg, err := h.repo.Get(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Security)
}

type securityConfigRequest struct {
	AuthRequiredToJoinRoom bool `json:"authRequiredToJoinRoom"`
}

func (h *ConfigHandler) PutSecurity(c *gin.Context) {
	var req securityConfigRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg, err := h.repo.Get(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	cfg.Security.AuthRequiredToJoinRoom = req.AuthRequiredToJoinRoom
	if err := h.repo.Upsert(c.Request.Context(), cfg); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Security)
}

func (h *ConfigHandler) GetWebhooks(c *gin.Context) {
	cfg, err := h.repo.Get(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	// The secret never serializes; answer with its presence instead.
	c.JSON(http.StatusOK, gin.H{
		"enabled":   cfg.Webhooks.Enabled,
		"url":       cfg.Webhooks.URL,
		"hasSecret": cfg.Webhooks.Secret != "",
	})
}

// webhooksConfigRequest carries the secret as a write-only field. An empty
// secret keeps the stored one so clients can update the URL without
// re-entering credentials.
type webhooksConfigRequest struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
}

func (h *ConfigHandler) PutWebhooks(c *gin.Context) {
	var req webhooksConfigRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Enabled {
		if err := webhook.ValidateURL(req.URL); err != nil {
			middleware.RenderError(c, err)
			return
		}
	}

	cfg, err := h.repo.Get(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	cfg.Webhooks.Enabled = req.Enabled
	cfg.Webhooks.URL = req.URL
	if req.Secret != "" {
		cfg.Webhooks.Secret = req.Secret
	}
	if err := h.repo.Upsert(c.Request.Context(), cfg); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":   cfg.Webhooks.Enabled,
		"url":       cfg.Webhooks.URL,
		"hasSecret": cfg.Webhooks.Secret != "",
	})
}

type testWebhookRequest struct {
	URL string `json:"url"`
}

// TestWebhook fires a signed test event at the given URL, or at the stored
// one when the body names none. The body itself is optional.
func (h *ConfigHandler) TestWebhook(c *gin.Context) {
	var req testWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.RenderError(c, apperr.Validation("INVALID_BODY", "invalid request body: "+err.Error()))
		return
	}

	url := req.URL
	if url == "" {
		cfg, err := h.repo.Get(c.Request.Context())
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		url = cfg.Webhooks.URL
	}
	if url == "" {
		middleware.RenderError(c, apperr.Validation("WEBHOOK_URL_REQUIRED", "no webhook url given and none configured"))
		return
	}

	if err := h.dispatcher.SendTest(c.Request.Context(), url); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "test webhook delivered", "url": url})
}

func (h *ConfigHandler) GetAppearance(c *gin.Context) {
	cfg, err := h.repo.Get(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Rooms.Appearance)
}

type appearanceConfigRequest struct {
	Theme   string `json:"theme" binding:"required"`
	LogoURL string `json:"logoUrl"`
}

func (h *ConfigHandler) PutAppearance(c *gin.Context) {
	var req appearanceConfigRequest
	if !bindJSON(c, &req) {
		return
	}

	cfg, err := h.repo.Get(c.Request.Context())
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	cfg.Rooms.Appearance.Theme = req.Theme
	cfg.Rooms.Appearance.LogoURL = req.LogoURL
	if err := h.repo.Upsert(c.Request.Context(), cfg); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg.Rooms.Appearance)
}
