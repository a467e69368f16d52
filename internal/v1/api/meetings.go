package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/room"
)

// MeetingsHandler serves moderation actions against the live meeting of a
// room. A meeting has no identity of its own; it is addressed by its room.
type MeetingsHandler struct {
	rooms *room.Service
}

func NewMeetingsHandler(rooms *room.Service) *MeetingsHandler {
	return &MeetingsHandler{rooms: rooms}
}

// End asks the media server to close the room's meeting. The state change
// lands asynchronously through the room_finished callback, hence 202.
func (h *MeetingsHandler) End(c *gin.Context) {
	roomID := c.Param("roomId")
	if err := h.rooms.EndMeeting(c.Request.Context(), roomID); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"roomId":  roomID,
		"message": "meeting end requested",
	})
}

// Kick removes one participant from the live meeting.
func (h *MeetingsHandler) Kick(c *gin.Context) {
	if err := h.rooms.KickParticipant(c.Request.Context(), c.Param("roomId"), c.Param("participantName")); err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
