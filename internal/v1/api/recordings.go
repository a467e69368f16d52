package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/recording"
)

// presignTTL bounds how long a presigned media URL stays valid.
const presignTTL = 15 * time.Minute

// RecordingsHandler serves the recording lifecycle and media access.
type RecordingsHandler struct {
	recordings *recording.Service
}

func NewRecordingsHandler(recordings *recording.Service) *RecordingsHandler {
	return &RecordingsHandler{recordings: recordings}
}

func (h *RecordingsHandler) List(c *gin.Context) {
	page, err := h.recordings.List(c.Request.Context(), c.Query("roomId"), pageRequest(c))
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type startRecordingRequest struct {
	RoomID string `json:"roomId" binding:"required"`
	Layout string `json:"layout"`
}

func (h *RecordingsHandler) Start(c *gin.Context) {
	var req startRecordingRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := h.recordings.Start(c.Request.Context(), req.RoomID, recording.StartOptions{Layout: req.Layout})
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// Stop requests the egress to finish. The recording reaches its terminal
// state asynchronously through egress callbacks, hence 202.
func (h *RecordingsHandler) Stop(c *gin.Context) {
	rec, err := h.recordings.Stop(c.Request.Context(), c.Param("recordingId"))
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (h *RecordingsHandler) Get(c *gin.Context) {
	rec, err := h.recordings.Get(c.Request.Context(), c.Param("recordingId"))
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *RecordingsHandler) Delete(c *gin.Context) {
	if err := h.recordings.Delete(c.Request.Context(), c.Param("recordingId")); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ShareURL mints a share link for the recording's media. The default public
// scope is for links handed to outsiders; privateAccess=true signs with the
// private secret for links that stay inside authenticated clients.
func (h *RecordingsHandler) ShareURL(c *gin.Context) {
	scope := recording.ShareScopePublic
	if c.Query("privateAccess") == "true" {
		scope = recording.ShareScopePrivate
	}

	recordingID := c.Param("recordingId")
	token, err := h.recordings.ShareToken(c.Request.Context(), recordingID, scope)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	c.JSON(http.StatusOK, gin.H{
		"url": fmt.Sprintf("%s://%s/api/v1/recordings/%s/media?secret=%s", scheme, c.Request.Host, recordingID, token),
	})
}

// Media serves the recorded bytes. Callers authenticate with either a Bearer
// token or a share secret minted by ShareURL; presign=true answers with a
// redirect to a time-limited direct download instead of streaming.
func (h *RecordingsHandler) Media(c *gin.Context) {
	recordingID := c.Param("recordingId")
	if err := h.authorizeMedia(c, recordingID); err != nil {
		middleware.RenderError(c, err)
		return
	}

	if c.Query("presign") == "true" {
		url, err := h.recordings.MediaURL(c.Request.Context(), recordingID, presignTTL)
		if err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.Redirect(http.StatusTemporaryRedirect, url)
		return
	}

	body, size, rec, err := h.recordings.OpenMedia(c.Request.Context(), recordingID)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	defer body.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Filename))
	c.DataFromReader(http.StatusOK, size, "video/mp4", body, nil)
}

func (h *RecordingsHandler) authorizeMedia(c *gin.Context, recordingID string) error {
	if _, ok := middleware.Claims(c); ok {
		return nil
	}
	secret := c.Query("secret")
	if secret == "" {
		return apperr.Unauthenticated("MISSING_TOKEN", "a bearer token or share secret is required")
	}
	rec, _, err := h.recordings.VerifyShareToken(c.Request.Context(), secret)
	if err != nil {
		return err
	}
	if rec.RecordingID != recordingID {
		return apperr.Unauthenticated("INVALID_SHARE_TOKEN", "share token does not grant access to this recording")
	}
	return nil
}
