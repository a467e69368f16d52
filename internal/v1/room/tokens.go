package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/names"
	"github.com/ovmeet/backend/internal/v1/types"
	lk "github.com/ovmeet/backend/pkg/livekit"
)

// TokenRequest asks for media-server access to one room.
type TokenRequest struct {
	RoomID          string
	ParticipantName string
	Role            types.ParticipantRole
}

// IssuedToken is the product of a successful token request.
type IssuedToken struct {
	// Token is the media-server access token.
	Token string `json:"token"`
	// AssignedName is the display name actually granted. It differs from the
	// requested one when that name was taken.
	AssignedName string `json:"assignedName"`
	// ReservationToken proves ownership of AssignedName on refresh.
	ReservationToken string `json:"reservationToken"`
}

// IssueParticipantToken reserves a unique display name, makes sure the
// media-server room exists, and mints the join token. The media-server room
// is created here, on first join, rather than at room creation; its empty
// and departure timeouts make it dissolve on its own when everyone is gone.
func (s *Service) IssueParticipantToken(ctx context.Context, req TokenRequest) (*IssuedToken, error) {
	ctx = logging.WithRoom(ctx, req.RoomID)
	if !types.ValidParticipantRole(req.Role) {
		return nil, apperr.Newf(apperr.KindValidation, "INVALID_ROLE",
			"unknown participant role %q", req.Role)
	}

	room, err := s.repo.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Status == types.RoomStatusClosed {
		return nil, apperr.Forbidden("ROOM_CLOSED", "room is closed to new participants")
	}

	reservation, err := s.names.Reserve(ctx, req.RoomID, req.ParticipantName)
	if err != nil {
		return nil, err
	}

	if _, err := s.media.EnsureRoom(ctx, req.RoomID, lk.RoomOptions{
		EmptyTimeout:     s.opts.MeetingEmptyTimeout,
		DepartureTimeout: s.opts.MeetingDepartureTimeout,
		Metadata:         roomMetadata(room),
	}); err != nil {
		s.dropReservation(ctx, reservation)
		return nil, err
	}

	token, err := s.media.ParticipantToken(lk.ParticipantTokenOptions{
		RoomID:   req.RoomID,
		Identity: reservation.Name,
		Role:     req.Role,
		Metadata: participantMetadata(req.Role),
		TTL:      s.opts.ParticipantTokenTTL,
	})
	if err != nil {
		s.dropReservation(ctx, reservation)
		return nil, apperr.Wrap(err, apperr.KindInternal, "TOKEN_MINT_FAILED",
			"could not mint participant token")
	}

	logging.Info(ctx, "Participant token issued",
		zap.String("participant", reservation.Name),
		zap.String("role", string(req.Role)))
	return &IssuedToken{
		Token:            token,
		AssignedName:     reservation.Name,
		ReservationToken: reservation.Token,
	}, nil
}

// RefreshParticipantToken re-mints the media-server token for a held
// reservation, typically shortly before the old token expires.
func (s *Service) RefreshParticipantToken(ctx context.Context, req TokenRequest, reservationToken string) (*IssuedToken, error) {
	ctx = logging.WithRoom(ctx, req.RoomID)
	if !types.ValidParticipantRole(req.Role) {
		return nil, apperr.Newf(apperr.KindValidation, "INVALID_ROLE",
			"unknown participant role %q", req.Role)
	}

	room, err := s.repo.Get(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	if room.Status == types.RoomStatusClosed {
		return nil, apperr.Forbidden("ROOM_CLOSED", "room is closed to new participants")
	}

	held, err := s.names.Holds(ctx, req.RoomID, req.ParticipantName, reservationToken)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, apperr.Unauthenticated("INVALID_RESERVATION",
			"reservation expired or is held by someone else")
	}

	token, err := s.media.ParticipantToken(lk.ParticipantTokenOptions{
		RoomID:   req.RoomID,
		Identity: req.ParticipantName,
		Role:     req.Role,
		Metadata: participantMetadata(req.Role),
		TTL:      s.opts.ParticipantTokenTTL,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "TOKEN_MINT_FAILED",
			"could not mint participant token")
	}

	logging.Debug(ctx, "Participant token refreshed", zap.String("participant", req.ParticipantName))
	return &IssuedToken{
		Token:            token,
		AssignedName:     req.ParticipantName,
		ReservationToken: reservationToken,
	}, nil
}

// dropReservation backs out a name reservation after a later step failed.
func (s *Service) dropReservation(ctx context.Context, reservation *names.Reservation) {
	if err := s.names.Release(ctx, reservation.RoomID, reservation.Name, reservation.Token); err != nil {
		logging.Warn(ctx, "Failed to back out name reservation",
			zap.String("name", reservation.Name), zap.Error(err))
	}
}

// participantMetadata is the JSON blob other participants read off a peer.
func participantMetadata(role types.ParticipantRole) string {
	raw, err := json.Marshal(struct {
		Role types.ParticipantRole `json:"role"`
	}{Role: role})
	if err != nil {
		return ""
	}
	return string(raw)
}
