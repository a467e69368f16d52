// Package room manages the persisted meeting containers: creation, status
// transitions, participant access tokens, and the two-axis deletion policy
// that decides what happens to a room holding a live meeting or stored
// recordings. Media-server state is treated as derived: the live room is
// created lazily on the first token request and reconciled back through
// room_started/room_finished webhooks.
package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/bus"
	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/names"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/types"
	lk "github.com/ovmeet/backend/pkg/livekit"
)

// LockPrefix scopes the per-room mutation lease. Every operation that reads
// room state and then writes it runs under this lease so concurrent deletes,
// status changes, and webhook handlers serialize.
const LockPrefix = "room:"

const (
	roomLockTTL      = time.Minute
	roomLockAttempts = 5
	roomLockBackoff  = 200 * time.Millisecond
)

// Defaults applied when Options fields are zero.
const (
	DefaultMeetingEmptyTimeout     = 20 * time.Second
	DefaultMeetingDepartureTimeout = 20 * time.Second
	DefaultMinFutureAutoDeletion   = time.Hour
)

// MediaServer is the slice of the media-server client the room service uses.
type MediaServer interface {
	EnsureRoom(ctx context.Context, roomID string, opts lk.RoomOptions) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	RemoveParticipant(ctx context.Context, roomID, identity string) error
	ParticipantToken(opts lk.ParticipantTokenOptions) (string, error)
}

// RecordingService is what room deletion needs from the recording engine.
type RecordingService interface {
	HasRecordings(ctx context.Context, roomID string) (bool, error)
	PurgeByRoom(ctx context.Context, roomID string) error
}

// NameService hands out and reclaims unique display names.
type NameService interface {
	Reserve(ctx context.Context, roomID, requestedName string) (*names.Reservation, error)
	Holds(ctx context.Context, roomID, name, token string) (bool, error)
	Release(ctx context.Context, roomID, name, token string) error
	ReleaseAll(ctx context.Context, roomID string) error
}

// Options tune meeting and deletion behavior.
type Options struct {
	// MeetingEmptyTimeout closes a media-server room nobody ever joined.
	MeetingEmptyTimeout time.Duration
	// MeetingDepartureTimeout closes a media-server room once the last
	// participant has left, giving the room_finished webhook its trigger.
	MeetingDepartureTimeout time.Duration
	// MinFutureAutoDeletion is how far in the future a room's auto-deletion
	// date must lie at creation time.
	MinFutureAutoDeletion time.Duration
	// ParticipantTokenTTL bounds issued media-server tokens. Zero uses the
	// client default.
	ParticipantTokenTTL time.Duration
}

// Service owns the room lifecycle.
type Service struct {
	repo   storage.RoomRepository
	recs   RecordingService
	names  NameService
	media  MediaServer
	locks  *lock.Service
	events *bus.Service
	opts   Options
}

// NewService wires the room service. events may be nil to skip publishing.
func NewService(repo storage.RoomRepository, recs RecordingService, nm NameService, media MediaServer, locks *lock.Service, events *bus.Service, opts Options) *Service {
	if opts.MeetingEmptyTimeout <= 0 {
		opts.MeetingEmptyTimeout = DefaultMeetingEmptyTimeout
	}
	if opts.MeetingDepartureTimeout <= 0 {
		opts.MeetingDepartureTimeout = DefaultMeetingDepartureTimeout
	}
	if opts.MinFutureAutoDeletion <= 0 {
		opts.MinFutureAutoDeletion = DefaultMinFutureAutoDeletion
	}
	return &Service{
		repo:   repo,
		recs:   recs,
		names:  nm,
		media:  media,
		locks:  locks,
		events: events,
		opts:   opts,
	}
}

// CreateOptions carry the caller-supplied room settings. Nil policy and
// config fall back to the defaults.
type CreateOptions struct {
	RoomName           string
	AutoDeletionDate   int64
	AutoDeletionPolicy *types.AutoDeletionPolicy
	Config             *types.RoomConfig
}

// Create persists a new room in the open state. No media-server room is
// created here; that happens lazily when the first participant token is
// issued.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*types.Room, error) {
	if err := types.ValidateRoomName(opts.RoomName); err != nil {
		return nil, apperr.Validation("INVALID_ROOM_NAME", err.Error())
	}
	roomName := strings.TrimSpace(opts.RoomName)

	now := time.Now()
	if opts.AutoDeletionDate > 0 {
		earliest := now.Add(s.opts.MinFutureAutoDeletion).UnixMilli()
		if opts.AutoDeletionDate < earliest {
			return nil, apperr.Newf(apperr.KindValidation, "INVALID_AUTO_DELETION_DATE",
				"autoDeletionDate must be at least %s in the future", s.opts.MinFutureAutoDeletion)
		}
	}

	policy := types.DefaultAutoDeletionPolicy()
	if opts.AutoDeletionPolicy != nil {
		policy = *opts.AutoDeletionPolicy
		if err := validatePolicy(policy); err != nil {
			return nil, err
		}
	}
	cfg := types.DefaultRoomConfig()
	if opts.Config != nil {
		normalized, err := normalizeConfig(*opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = normalized
	}

	room := &types.Room{
		RoomID:             newRoomID(roomName),
		RoomName:           roomName,
		Status:             types.RoomStatusOpen,
		CreationDate:       now.UnixMilli(),
		AutoDeletionDate:   opts.AutoDeletionDate,
		AutoDeletionPolicy: policy,
		Config:             cfg,
		MeetingEndAction:   types.MeetingEndActionNone,
		SchemaVersion:      types.SchemaVersionRooms,
	}
	if err := s.repo.Insert(ctx, room); err != nil {
		return nil, err
	}

	logging.Info(logging.WithRoom(ctx, room.RoomID), "Room created",
		zap.String("roomName", roomName),
		zap.Int64("autoDeletionDate", room.AutoDeletionDate))
	return room, nil
}

// Get returns one room by id.
func (s *Service) Get(ctx context.Context, roomID string) (*types.Room, error) {
	return s.repo.Get(ctx, roomID)
}

// List pages rooms ordered by id.
func (s *Service) List(ctx context.Context, page types.PageRequest) (*types.Page[types.Room], error) {
	return s.repo.List(ctx, page)
}

// UpdateStatus opens or closes a room. A room hosting a live meeting refuses
// the change; close it by ending the meeting first.
func (s *Service) UpdateStatus(ctx context.Context, roomID string, to types.RoomStatus) (*types.Room, error) {
	if to != types.RoomStatusOpen && to != types.RoomStatusClosed {
		return nil, apperr.Newf(apperr.KindValidation, "INVALID_ROOM_STATUS",
			"status must be %q or %q", types.RoomStatusOpen, types.RoomStatusClosed)
	}

	var updated *types.Room
	err := s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		room, err := s.repo.UpdateStatus(ctx, roomID,
			[]types.RoomStatus{types.RoomStatusOpen, types.RoomStatusClosed}, to)
		if err != nil {
			return err
		}
		updated = room
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Info(logging.WithRoom(ctx, roomID), "Room status changed", zap.String("status", string(to)))
	return updated, nil
}

// withRoomLock runs fn under the per-room lease.
func (s *Service) withRoomLock(ctx context.Context, roomID string, fn func(ctx context.Context) error) error {
	lease, err := s.locks.AcquireWithRetry(ctx, LockPrefix+roomID, roomLockTTL, roomLockAttempts, roomLockBackoff)
	if err != nil {
		return err
	}
	if lease == nil {
		return apperr.Conflict("ROOM_BUSY", "another operation on this room is in progress")
	}
	defer func() {
		if err := s.locks.Release(ctx, lease); err != nil {
			logging.Warn(ctx, "Failed to release room lease", zap.Error(err))
		}
	}()
	return fn(ctx)
}

// newRoomID derives the room id from the display name: a URL-safe slug plus
// a random suffix for uniqueness. The id never contains "--", which keeps
// recording ids splittable.
func newRoomID(roomName string) string {
	slug := slugify(roomName)
	suffix := uuid.NewString()[:8]
	if slug == "" {
		return "room-" + suffix
	}
	return slug + "-" + suffix
}

// slugify lowercases the name and collapses every non-alphanumeric run into
// a single dash.
func slugify(name string) string {
	var b strings.Builder
	dashPending := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			dashPending = b.Len() > 0
			continue
		}
		if dashPending {
			b.WriteByte('-')
			dashPending = false
		}
		b.WriteRune(r)
	}
	slug := b.String()
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

func validatePolicy(policy types.AutoDeletionPolicy) error {
	switch policy.WithMeeting {
	case types.WithMeetingDoNotDelete, types.WithMeetingWhenMeetingEnds, types.WithMeetingForce:
	default:
		return apperr.Newf(apperr.KindValidation, "INVALID_DELETION_POLICY",
			"unknown withMeeting policy %q", policy.WithMeeting)
	}
	switch policy.WithRecordings {
	case types.WithRecordingsDoNotDelete, types.WithRecordingsWhenNoRecordings, types.WithRecordingsForce:
	default:
		return apperr.Newf(apperr.KindValidation, "INVALID_DELETION_POLICY",
			"unknown withRecordings policy %q", policy.WithRecordings)
	}
	return nil
}

// normalizeConfig fills config defaults and rejects unknown enum values.
func normalizeConfig(cfg types.RoomConfig) (types.RoomConfig, error) {
	if cfg.Recording.AllowAccess == "" {
		cfg.Recording.AllowAccess = types.RecordingAccessAdminModerator
	}
	switch cfg.Recording.AllowAccess {
	case types.RecordingAccessAdmin, types.RecordingAccessAdminModerator, types.RecordingAccessAdminModeratorViewer:
	default:
		return types.RoomConfig{}, apperr.Newf(apperr.KindValidation, "INVALID_ROOM_CONFIG",
			"unknown recording access policy %q", cfg.Recording.AllowAccess)
	}
	return cfg, nil
}

// publishMeetingEvent emits one of the meeting lifecycle events on the bus.
func (s *Service) publishMeetingEvent(ctx context.Context, evType types.EventType, roomID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, types.Event{
		Type:   evType,
		RoomID: roomID,
		Data: map[string]any{
			"roomId":    roomID,
			"timestamp": time.Now().UnixMilli(),
		},
	})
}

// roomMetadata is the JSON blob stamped onto the media-server room so
// clients (and foreign tenants) can see who created it and which features
// are enabled.
func roomMetadata(room *types.Room) string {
	raw, err := json.Marshal(struct {
		CreatedBy   string           `json:"createdBy"`
		RoomOptions types.RoomConfig `json:"roomOptions"`
	}{
		CreatedBy:   metadataCreatedBy,
		RoomOptions: room.Config,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

// metadataCreatedBy marks media-server rooms owned by this control plane so
// rooms of other tenants on a shared deployment are left alone.
const metadataCreatedBy = "ov-meet"
