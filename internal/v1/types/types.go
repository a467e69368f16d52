package types

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/utils/set"
)

// --- Room ---

// RoomStatus describes where a room is in its lifecycle.
type RoomStatus string

const (
	// RoomStatusOpen means the room exists and accepts participants.
	RoomStatusOpen RoomStatus = "open"
	// RoomStatusActiveMeeting means a media-server room with the same id is live.
	RoomStatusActiveMeeting RoomStatus = "active_meeting"
	// RoomStatusClosed means the room refuses new participants until reopened.
	RoomStatusClosed RoomStatus = "closed"
)

// WithMeetingPolicy controls how deletion interacts with a live meeting.
type WithMeetingPolicy string

const (
	WithMeetingDoNotDelete     WithMeetingPolicy = "do_not_delete"
	WithMeetingWhenMeetingEnds WithMeetingPolicy = "when_meeting_ends"
	WithMeetingForce           WithMeetingPolicy = "force"
)

// WithRecordingsPolicy controls how deletion interacts with stored recordings.
type WithRecordingsPolicy string

const (
	WithRecordingsDoNotDelete      WithRecordingsPolicy = "do_not_delete"
	WithRecordingsWhenNoRecordings WithRecordingsPolicy = "when_no_recordings"
	WithRecordingsForce            WithRecordingsPolicy = "force"
)

// MeetingEndAction is the deferred action applied when the current meeting ends.
type MeetingEndAction string

const (
	MeetingEndActionNone   MeetingEndAction = "none"
	MeetingEndActionClose  MeetingEndAction = "close"
	MeetingEndActionDelete MeetingEndAction = "delete"
)

// AutoDeletionPolicy is the two-axis policy applied by GC and explicit delete.
type AutoDeletionPolicy struct {
	WithMeeting    WithMeetingPolicy    `json:"withMeeting" bson:"withMeeting"`
	WithRecordings WithRecordingsPolicy `json:"withRecordings" bson:"withRecordings"`
}

// DefaultAutoDeletionPolicy refuses deletion while anything is in use.
func DefaultAutoDeletionPolicy() AutoDeletionPolicy {
	return AutoDeletionPolicy{
		WithMeeting:    WithMeetingWhenMeetingEnds,
		WithRecordings: WithRecordingsForce,
	}
}

// RoomConfig holds the per-room feature toggles.
type RoomConfig struct {
	Chat              FeatureToggle   `json:"chat" bson:"chat"`
	Recording         RecordingToggle `json:"recording" bson:"recording"`
	VirtualBackground FeatureToggle   `json:"virtualBackground" bson:"virtualBackground"`
}

// FeatureToggle switches a room capability on or off.
type FeatureToggle struct {
	Enabled bool `json:"enabled" bson:"enabled"`
}

// RecordingToggle adds the access policy on top of the on/off switch.
type RecordingToggle struct {
	Enabled     bool                  `json:"enabled" bson:"enabled"`
	AllowAccess RecordingAccessPolicy `json:"allowAccess" bson:"allowAccess"`
}

// RecordingAccessPolicy names who may open recorded media.
type RecordingAccessPolicy string

const (
	RecordingAccessAdmin                RecordingAccessPolicy = "admin"
	RecordingAccessAdminModerator       RecordingAccessPolicy = "admin_moderator"
	RecordingAccessAdminModeratorViewer RecordingAccessPolicy = "admin_moderator_viewer"
)

// DefaultRoomConfig enables chat and recording for new rooms.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Chat:              FeatureToggle{Enabled: true},
		Recording:         RecordingToggle{Enabled: true, AllowAccess: RecordingAccessAdminModerator},
		VirtualBackground: FeatureToggle{Enabled: true},
	}
}

// Room is the persisted meeting container. A room may or may not currently
// have a live media-server room; Status reflects that.
type Room struct {
	RoomID             string             `json:"roomId" bson:"_id"`
	RoomName           string             `json:"roomName" bson:"roomName"`
	Status             RoomStatus         `json:"status" bson:"status"`
	CreationDate       int64              `json:"creationDate" bson:"creationDate"`
	AutoDeletionDate   int64              `json:"autoDeletionDate,omitempty" bson:"autoDeletionDate,omitempty"`
	AutoDeletionPolicy AutoDeletionPolicy `json:"autoDeletionPolicy" bson:"autoDeletionPolicy"`
	Config             RoomConfig         `json:"config" bson:"config"`
	MeetingEndAction   MeetingEndAction   `json:"meetingEndAction" bson:"meetingEndAction"`
	SchemaVersion      int                `json:"schemaVersion" bson:"schemaVersion"`
}

// HasActiveMeeting reports whether a media-server room should exist right now.
func (r *Room) HasActiveMeeting() bool {
	return r.Status == RoomStatusActiveMeeting
}

// IsExpired reports whether the auto-deletion date has passed.
// nowMs is epoch milliseconds; rooms without a date never expire.
func (r *Room) IsExpired(nowMs int64) bool {
	return r.AutoDeletionDate > 0 && r.AutoDeletionDate <= nowMs
}

// ValidateRoomName checks the human-readable name supplied at creation.
func ValidateRoomName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("room name cannot be empty")
	}
	if len([]rune(trimmed)) > 50 {
		return errors.New("room name cannot exceed 50 characters")
	}
	return nil
}

// --- Recording ---

// RecordingStatus mirrors the egress lifecycle reported by the media server.
type RecordingStatus string

const (
	RecordingStatusStarting     RecordingStatus = "STARTING"
	RecordingStatusActive       RecordingStatus = "ACTIVE"
	RecordingStatusEnding       RecordingStatus = "ENDING"
	RecordingStatusComplete     RecordingStatus = "COMPLETE"
	RecordingStatusFailed       RecordingStatus = "FAILED"
	RecordingStatusAborted      RecordingStatus = "ABORTED"
	RecordingStatusLimitReached RecordingStatus = "LIMIT_REACHED"
)

// recordingTerminalStatuses are statuses from which a recording never moves.
var recordingTerminalStatuses = set.New(
	RecordingStatusComplete,
	RecordingStatusFailed,
	RecordingStatusAborted,
	RecordingStatusLimitReached,
)

// IsTerminal reports whether the status permits no further transitions.
func (s RecordingStatus) IsTerminal() bool {
	return recordingTerminalStatuses.Has(s)
}

// RecordingAccessSecrets mint share tokens for recorded media.
type RecordingAccessSecrets struct {
	Public  string `json:"-" bson:"publicAccessSecret"`
	Private string `json:"-" bson:"privateAccessSecret"`
}

// Recording is the persisted egress row for one capture session of a room.
type Recording struct {
	RecordingID   string                 `json:"recordingId" bson:"_id"`
	RoomID        string                 `json:"roomId" bson:"roomId"`
	RoomName      string                 `json:"roomName" bson:"roomName"`
	Status        RecordingStatus        `json:"status" bson:"status"`
	Filename      string                 `json:"filename,omitempty" bson:"filename,omitempty"`
	StartDate     int64                  `json:"startDate,omitempty" bson:"startDate,omitempty"`
	EndDate       int64                  `json:"endDate,omitempty" bson:"endDate,omitempty"`
	Duration      float64                `json:"duration,omitempty" bson:"duration,omitempty"`
	Size          int64                  `json:"size,omitempty" bson:"size,omitempty"`
	ErrorMessage  string                 `json:"error,omitempty" bson:"error,omitempty"`
	Layout        string                 `json:"layout,omitempty" bson:"layout,omitempty"`
	Encoding      string                 `json:"encoding,omitempty" bson:"encoding,omitempty"`
	AccessSecrets RecordingAccessSecrets `json:"-" bson:"accessSecrets"`
	UpdatedAt     int64                  `json:"updatedAt" bson:"updatedAt"`
	SchemaVersion int                    `json:"schemaVersion" bson:"schemaVersion"`
}

// recordingIDSeparator joins roomId and egress uid. Room ids never contain it.
const recordingIDSeparator = "--"

// NewRecordingID composes a recording identity from its room and egress uid.
func NewRecordingID(roomID, uid string) string {
	return roomID + recordingIDSeparator + uid
}

// ParseRecordingID splits a recording id back into room id and egress uid.
func ParseRecordingID(recordingID string) (roomID, uid string, err error) {
	parts := strings.SplitN(recordingID, recordingIDSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed recording id %q", recordingID)
	}
	return parts[0], parts[1], nil
}

// --- Participants ---

// ParticipantRole is the capability tier granted inside a meeting.
type ParticipantRole string

const (
	// ParticipantRoleModerator can publish, admit, kick, and manage recordings.
	ParticipantRoleModerator ParticipantRole = "moderator"
	// ParticipantRolePublisher can publish media.
	ParticipantRolePublisher ParticipantRole = "publisher"
	// ParticipantRoleViewer can only subscribe.
	ParticipantRoleViewer ParticipantRole = "viewer"
)

// ValidParticipantRole reports whether the role is one of the known tiers.
func ValidParticipantRole(r ParticipantRole) bool {
	switch r {
	case ParticipantRoleModerator, ParticipantRolePublisher, ParticipantRoleViewer:
		return true
	}
	return false
}

// --- Users & API keys ---

// UserRole is the control-plane role of an authenticated user.
type UserRole string

const (
	UserRoleAdmin      UserRole = "admin"
	UserRoleUser       UserRole = "user"
	UserRoleRoomMember UserRole = "room_member"
)

// User is a control-plane account.
type User struct {
	UserID             string   `json:"userId" bson:"_id"`
	Name               string   `json:"name" bson:"name"`
	Role               UserRole `json:"role" bson:"role"`
	PasswordHash       string   `json:"-" bson:"passwordHash"`
	MustChangePassword bool     `json:"mustChangePassword" bson:"mustChangePassword"`
	SchemaVersion      int      `json:"schemaVersion" bson:"schemaVersion"`
}

// APIKey is an opaque credential for the internal API surface.
type APIKey struct {
	Key          string `json:"key" bson:"_id"`
	CreationDate int64  `json:"creationDate" bson:"creationDate"`
}

// --- Global config ---

// SecurityConfig is the project-wide access policy.
type SecurityConfig struct {
	AuthRequiredToJoinRoom bool `json:"authRequiredToJoinRoom" bson:"authRequiredToJoinRoom"`
}

// WebhooksConfig is the outbound webhook destination and credentials.
type WebhooksConfig struct {
	Enabled bool   `json:"enabled" bson:"enabled"`
	URL     string `json:"url" bson:"url"`
	Secret  string `json:"-" bson:"secret"`
}

// AppearanceConfig customizes the hosted room UI.
type AppearanceConfig struct {
	Theme   string `json:"theme" bson:"theme"`
	LogoURL string `json:"logoUrl,omitempty" bson:"logoUrl,omitempty"`
}

// RoomsConfig is the project-wide defaults applied to rooms.
type RoomsConfig struct {
	Appearance AppearanceConfig `json:"appearance" bson:"appearance"`
}

// GlobalConfig is the singleton project configuration document.
type GlobalConfig struct {
	ID            string         `json:"-" bson:"_id"`
	Security      SecurityConfig `json:"securityConfig" bson:"securityConfig"`
	Webhooks      WebhooksConfig `json:"webhooksConfig" bson:"webhooksConfig"`
	Rooms         RoomsConfig    `json:"roomsConfig" bson:"roomsConfig"`
	SchemaVersion int            `json:"schemaVersion" bson:"schemaVersion"`
}

// GlobalConfigID is the fixed identity of the singleton document.
const GlobalConfigID = "global"

// DefaultGlobalConfig is the document seeded on first startup.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		ID:            GlobalConfigID,
		Security:      SecurityConfig{AuthRequiredToJoinRoom: false},
		Webhooks:      WebhooksConfig{Enabled: false},
		Rooms:         RoomsConfig{Appearance: AppearanceConfig{Theme: "default"}},
		SchemaVersion: SchemaVersionConfig,
	}
}

// --- Migrations ---

// MigrationStatus tracks a migration run.
type MigrationStatus string

const (
	MigrationStatusRunning   MigrationStatus = "running"
	MigrationStatusCompleted MigrationStatus = "completed"
	MigrationStatusFailed    MigrationStatus = "failed"
)

// MigrationRecord is the progress row for one named migration.
type MigrationRecord struct {
	Name        string            `json:"name" bson:"_id"`
	Status      MigrationStatus   `json:"status" bson:"status"`
	StartedAt   int64             `json:"startedAt" bson:"startedAt"`
	CompletedAt int64             `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty" bson:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Current schema versions per collection. Migrations transform between
// consecutive versions.
const (
	SchemaVersionRooms      = 2
	SchemaVersionRecordings = 1
	SchemaVersionUsers      = 1
	SchemaVersionConfig     = 1
)

// --- Domain events ---

// EventType names an outbound domain event.
type EventType string

const (
	EventMeetingStarted   EventType = "meetingStarted"
	EventMeetingEnded     EventType = "meetingEnded"
	EventRecordingStarted EventType = "recordingStarted"
	EventRecordingUpdated EventType = "recordingUpdated"
	EventRecordingEnded   EventType = "recordingEnded"
)

// Event is the envelope published on the event bus and fanned out to webhooks.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RoomID    string         `json:"roomId"`
	CreatedAt int64          `json:"createdAt"`
	Data      map[string]any `json:"data,omitempty"`
}

// --- Pagination ---

// PageRequest asks for one page of a sorted listing.
type PageRequest struct {
	MaxItems      int
	NextPageToken string
}

// Page is one page of results plus the cursor for the next.
type Page[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}
