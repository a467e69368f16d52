package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/room"
	"github.com/ovmeet/backend/internal/v1/types"
)

// RoomsHandler serves the room CRUD surface.
type RoomsHandler struct {
	rooms *room.Service
}

func NewRoomsHandler(rooms *room.Service) *RoomsHandler {
	return &RoomsHandler{rooms: rooms}
}

type createRoomRequest struct {
	RoomName           string                    `json:"roomName"`
	AutoDeletionDate   int64                     `json:"autoDeletionDate"`
	AutoDeletionPolicy *types.AutoDeletionPolicy `json:"autoDeletionPolicy"`
	Config             *types.RoomConfig         `json:"config"`
}

// Create provisions a room. Every field is optional; a missing body is the
// same as an empty one and yields a generated name.
func (h *RoomsHandler) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.RenderError(c, apperr.Validation("INVALID_BODY", "invalid request body: "+err.Error()))
		return
	}

	created, err := h.rooms.Create(c.Request.Context(), room.CreateOptions{
		RoomName:           req.RoomName,
		AutoDeletionDate:   req.AutoDeletionDate,
		AutoDeletionPolicy: req.AutoDeletionPolicy,
		Config:             req.Config,
	})
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *RoomsHandler) List(c *gin.Context) {
	page, err := h.rooms.List(c.Request.Context(), pageRequest(c))
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *RoomsHandler) Get(c *gin.Context) {
	r, err := h.rooms.Get(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type updateRoomStatusRequest struct {
	Status types.RoomStatus `json:"status" binding:"required"`
}

func (h *RoomsHandler) UpdateStatus(c *gin.Context) {
	var req updateRoomStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	updated, err := h.rooms.UpdateStatus(c.Request.Context(), c.Param("roomId"), req.Status)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Delete applies the two-axis deletion policy from the query string. Both
// axes default to do_not_delete, so a bare DELETE refuses to touch a room
// with a live meeting or stored recordings. force=true is shorthand for
// forcing both axes.
func (h *RoomsHandler) Delete(c *gin.Context) {
	policy := types.AutoDeletionPolicy{
		WithMeeting:    types.WithMeetingDoNotDelete,
		WithRecordings: types.WithRecordingsDoNotDelete,
	}
	if v := c.Query("withMeeting"); v != "" {
		policy.WithMeeting = types.WithMeetingPolicy(v)
	}
	if v := c.Query("withRecordings"); v != "" {
		policy.WithRecordings = types.WithRecordingsPolicy(v)
	}
	if c.Query("force") == "true" {
		policy.WithMeeting = types.WithMeetingForce
		policy.WithRecordings = types.WithRecordingsForce
	}

	roomID := c.Param("roomId")
	outcome, err := h.rooms.Delete(c.Request.Context(), roomID, policy)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}

	if outcome == room.OutcomeDeferred {
		c.JSON(http.StatusAccepted, gin.H{
			"roomId":  roomID,
			"outcome": outcome,
			"message": "room deletion scheduled for when the meeting ends",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":  roomID,
		"outcome": outcome,
		"message": "room deleted",
	})
}
