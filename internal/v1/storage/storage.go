// Package storage persists the control-plane entities. Two provider
// families implement the same repositories: MongoDB (preferred) and a
// legacy S3 JSON-document layout kept for older deployments. Recorded media
// bytes are always served from the blob store regardless of provider.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/ovmeet/backend/internal/v1/types"
)

// Collection names shared by every provider and by the migration runner.
const (
	CollectionRooms      = "rooms"
	CollectionRecordings = "recordings"
	CollectionUsers      = "users"
	CollectionAPIKeys    = "api_keys"
	CollectionConfig     = "global_config"
	CollectionMigrations = "migrations"
)

// Page size bounds applied to every listing.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// RawDocument is a provider-agnostic document used by the migration runner.
// The identity travels in the "_id" field.
type RawDocument = map[string]any

// RoomRepository owns the rooms collection.
type RoomRepository interface {
	Insert(ctx context.Context, room *types.Room) error
	Get(ctx context.Context, roomID string) (*types.Room, error)
	List(ctx context.Context, page types.PageRequest) (*types.Page[types.Room], error)
	// ListExpiring returns rooms whose autoDeletionDate lies at or before
	// nowMs. Rooms without a date are never returned.
	ListExpiring(ctx context.Context, nowMs int64) ([]*types.Room, error)
	// UpdateStatus transitions the room's status. With a non-empty from set
	// the write applies only when the current status is in the set; a guard
	// miss returns a CONFLICT error and leaves the row untouched.
	UpdateStatus(ctx context.Context, roomID string, from []types.RoomStatus, to types.RoomStatus) (*types.Room, error)
	SetMeetingEndAction(ctx context.Context, roomID string, action types.MeetingEndAction) error
	// SetAutoDeletionPolicy pins the policy a deferred deletion will apply.
	SetAutoDeletionPolicy(ctx context.Context, roomID string, policy types.AutoDeletionPolicy) error
	Delete(ctx context.Context, roomID string) error
}

// RecordingPatch is the field set a status transition may touch. Zero values
// leave the stored field as is, except Status and UpdatedAt which are always
// written.
type RecordingPatch struct {
	Status       types.RecordingStatus
	UpdatedAt    int64
	StartDate    int64
	EndDate      int64
	Duration     float64
	Size         int64
	Filename     string
	ErrorMessage string
}

// RecordingRepository owns the recordings collection.
type RecordingRepository interface {
	Insert(ctx context.Context, rec *types.Recording) error
	Get(ctx context.Context, recordingID string) (*types.Recording, error)
	// List pages recordings, optionally filtered to one room.
	List(ctx context.Context, roomID string, page types.PageRequest) (*types.Page[types.Recording], error)
	ListByRoom(ctx context.Context, roomID string) ([]*types.Recording, error)
	// ListStale returns non-terminal rows not updated since updatedBeforeMs.
	ListStale(ctx context.Context, updatedBeforeMs int64) ([]*types.Recording, error)
	// LatestByRoom returns the most recently started recording of a room.
	LatestByRoom(ctx context.Context, roomID string) (*types.Recording, error)
	// Transition applies patch only while the current status is in from;
	// a guard miss returns CONFLICT and never back-transitions the row.
	Transition(ctx context.Context, recordingID string, from []types.RecordingStatus, patch RecordingPatch) (*types.Recording, error)
	Delete(ctx context.Context, recordingID string) error
	DeleteByRoom(ctx context.Context, roomID string) error
}

// UserRepository owns the users collection.
type UserRepository interface {
	Insert(ctx context.Context, user *types.User) error
	Get(ctx context.Context, userID string) (*types.User, error)
	Update(ctx context.Context, user *types.User) error
}

// APIKeyRepository owns the api_keys collection.
type APIKeyRepository interface {
	Insert(ctx context.Context, key *types.APIKey) error
	List(ctx context.Context) ([]*types.APIKey, error)
	DeleteAll(ctx context.Context) error
}

// ConfigRepository owns the singleton global configuration document.
type ConfigRepository interface {
	Get(ctx context.Context) (*types.GlobalConfig, error)
	Upsert(ctx context.Context, cfg *types.GlobalConfig) error
}

// MigrationRepository owns the migration progress rows.
type MigrationRepository interface {
	Get(ctx context.Context, name string) (*types.MigrationRecord, error)
	Upsert(ctx context.Context, rec *types.MigrationRecord) error
}

// Provider bundles the repositories of one backend.
type Provider interface {
	Rooms() RoomRepository
	Recordings() RecordingRepository
	Users() UserRepository
	APIKeys() APIKeyRepository
	Config() ConfigRepository
	Migrations() MigrationRepository

	// RawList and RawUpsert give the migration runner document-level access
	// without binding it to the current entity shapes.
	RawList(ctx context.Context, collection string) ([]RawDocument, error)
	RawUpsert(ctx context.Context, collection, id string, doc RawDocument) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// BlobStore serves recorded media bytes.
type BlobStore interface {
	// OpenMedia streams a media object and reports its size.
	OpenMedia(ctx context.Context, key string) (io.ReadCloser, int64, error)
	// PresignMediaURL returns a time-limited direct download URL.
	PresignMediaURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	DeleteMedia(ctx context.Context, key string) error
}

func normalizeLimit(max int) int {
	switch {
	case max <= 0:
		return DefaultPageSize
	case max > MaxPageSize:
		return MaxPageSize
	default:
		return max
	}
}
