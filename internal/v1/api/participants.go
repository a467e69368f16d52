package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/room"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/types"
)

// ParticipantsHandler issues and refreshes meeting join tokens.
type ParticipantsHandler struct {
	rooms *room.Service
	cfg   storage.ConfigRepository
	// trusted marks the surface as already authenticated (the internal API),
	// exempting it from the join-requires-auth rule.
	trusted bool
}

func NewParticipantsHandler(rooms *room.Service, cfg storage.ConfigRepository, trusted bool) *ParticipantsHandler {
	return &ParticipantsHandler{rooms: rooms, cfg: cfg, trusted: trusted}
}

type participantTokenRequest struct {
	RoomID string                `json:"roomId" binding:"required"`
	Name   string                `json:"name"`
	Role   types.ParticipantRole `json:"role"`
}

// Token issues a join token for a room. The role defaults to publisher; the
// returned assignedName may differ from the requested one when it was taken.
func (h *ParticipantsHandler) Token(c *gin.Context) {
	var req participantTokenRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.authorizeJoin(c); err != nil {
		middleware.RenderError(c, err)
		return
	}

	role := req.Role
	if role == "" {
		role = types.ParticipantRolePublisher
	}
	issued, err := h.rooms.IssueParticipantToken(c.Request.Context(), room.TokenRequest{
		RoomID:          req.RoomID,
		ParticipantName: req.Name,
		Role:            role,
	})
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, issued)
}

type refreshParticipantTokenRequest struct {
	RoomID           string                `json:"roomId" binding:"required"`
	Name             string                `json:"name"`
	Role             types.ParticipantRole `json:"role"`
	ReservationToken string                `json:"reservationToken" binding:"required"`
}

// RefreshToken re-issues a token under an existing name reservation. A valid
// reservation admits the refresh even when the join rule changed mid-meeting.
func (h *ParticipantsHandler) RefreshToken(c *gin.Context) {
	var req refreshParticipantTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	role := req.Role
	if role == "" {
		role = types.ParticipantRolePublisher
	}
	issued, err := h.rooms.RefreshParticipantToken(c.Request.Context(), room.TokenRequest{
		RoomID:          req.RoomID,
		ParticipantName: req.Name,
		Role:            role,
	}, req.ReservationToken)
	if err != nil {
		middleware.RenderError(c, err)
		return
	}
	c.JSON(http.StatusOK, issued)
}

// authorizeJoin applies the project-wide join rule: when the security config
// demands authentication, an anonymous caller is refused.
func (h *ParticipantsHandler) authorizeJoin(c *gin.Context) error {
	if h.trusted {
		return nil
	}
	cfg, err := h.cfg.Get(c.Request.Context())
	if err != nil {
		return err
	}
	if !cfg.Security.AuthRequiredToJoinRoom {
		return nil
	}
	if _, ok := middleware.Claims(c); !ok {
		return apperr.Unauthenticated("AUTH_REQUIRED", "authentication is required to join rooms")
	}
	return nil
}
