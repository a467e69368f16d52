package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/types"
	lk "github.com/ovmeet/backend/pkg/livekit"
)

// The fakes embed their repository interface and implement only the methods
// the HTTP flows traverse; an unimplemented method panicking in a test means
// a handler reached deeper than these tests account for.

type fakeRoomRepo struct {
	storage.RoomRepository
	mu   sync.Mutex
	rows map[string]*types.Room
}

func newFakeRoomRepo() *fakeRoomRepo {
	return &fakeRoomRepo{rows: make(map[string]*types.Room)}
}

func (f *fakeRoomRepo) put(room *types.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *room
	f.rows[room.RoomID] = &cp
}

func (f *fakeRoomRepo) row(roomID string) *types.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return nil
	}
	cp := *room
	return &cp
}

func (f *fakeRoomRepo) Insert(_ context.Context, room *types.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[room.RoomID]; ok {
		return apperr.Conflict("ROOM_EXISTS", fmt.Sprintf("room %q already exists", room.RoomID))
	}
	for _, existing := range f.rows {
		if existing.RoomName == room.RoomName {
			return apperr.Conflict("ROOM_NAME_TAKEN", fmt.Sprintf("room name %q is taken", room.RoomName))
		}
	}
	cp := *room
	f.rows[room.RoomID] = &cp
	return nil
}

func (f *fakeRoomRepo) Get(_ context.Context, roomID string) (*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return nil, apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	cp := *room
	return &cp, nil
}

func (f *fakeRoomRepo) List(_ context.Context, page types.PageRequest) (*types.Page[types.Room], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var items []types.Room
	for _, id := range ids {
		items = append(items, *f.rows[id])
		if page.MaxItems > 0 && len(items) >= page.MaxItems {
			break
		}
	}
	return &types.Page[types.Room]{Items: items}, nil
}

func (f *fakeRoomRepo) UpdateStatus(_ context.Context, roomID string, from []types.RoomStatus, to types.RoomStatus) (*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return nil, apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	if len(from) > 0 {
		allowed := false
		for _, status := range from {
			if room.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, apperr.Conflict("INVALID_ROOM_STATUS", fmt.Sprintf("room %q is %s", roomID, room.Status))
		}
	}
	room.Status = to
	cp := *room
	return &cp, nil
}

func (f *fakeRoomRepo) SetMeetingEndAction(_ context.Context, roomID string, action types.MeetingEndAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	room.MeetingEndAction = action
	return nil
}

func (f *fakeRoomRepo) SetAutoDeletionPolicy(_ context.Context, roomID string, policy types.AutoDeletionPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	room.AutoDeletionPolicy = policy
	return nil
}

func (f *fakeRoomRepo) Delete(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, roomID)
	return nil
}

type fakeRecordingRepo struct {
	storage.RecordingRepository
	mu   sync.Mutex
	rows map[string]*types.Recording
}

func newFakeRecordingRepo() *fakeRecordingRepo {
	return &fakeRecordingRepo{rows: make(map[string]*types.Recording)}
}

func (f *fakeRecordingRepo) put(rec *types.Recording) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.rows[rec.RecordingID] = &cp
}

func (f *fakeRecordingRepo) Insert(_ context.Context, rec *types.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[rec.RecordingID]; ok {
		return apperr.Conflict("RECORDING_EXISTS", fmt.Sprintf("recording %q already exists", rec.RecordingID))
	}
	cp := *rec
	f.rows[rec.RecordingID] = &cp
	return nil
}

func (f *fakeRecordingRepo) Get(_ context.Context, recordingID string) (*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[recordingID]
	if !ok {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("recording %q does not exist", recordingID))
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordingRepo) List(_ context.Context, roomID string, page types.PageRequest) (*types.Page[types.Recording], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []types.Recording
	for _, rec := range f.sorted() {
		if roomID != "" && rec.RoomID != roomID {
			continue
		}
		items = append(items, *rec)
		if page.MaxItems > 0 && len(items) >= page.MaxItems {
			break
		}
	}
	return &types.Page[types.Recording]{Items: items}, nil
}

func (f *fakeRecordingRepo) ListByRoom(_ context.Context, roomID string) ([]*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Recording
	for _, rec := range f.sorted() {
		if rec.RoomID == roomID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRecordingRepo) Transition(_ context.Context, recordingID string, from []types.RecordingStatus, patch storage.RecordingPatch) (*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[recordingID]
	if !ok {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("recording %q does not exist", recordingID))
	}
	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if rec.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, apperr.Conflict("INVALID_RECORDING_TRANSITION",
				fmt.Sprintf("recording %q cannot move to %q from its current status", recordingID, patch.Status))
		}
	}
	rec.Status = patch.Status
	rec.UpdatedAt = patch.UpdatedAt
	if patch.EndDate > 0 {
		rec.EndDate = patch.EndDate
	}
	if patch.ErrorMessage != "" {
		rec.ErrorMessage = patch.ErrorMessage
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordingRepo) Delete(_ context.Context, recordingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, recordingID)
	return nil
}

func (f *fakeRecordingRepo) DeleteByRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rec := range f.rows {
		if rec.RoomID == roomID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeRecordingRepo) sorted() []*types.Recording {
	out := make([]*types.Recording, 0, len(f.rows))
	for _, rec := range f.rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordingID < out[j].RecordingID })
	return out
}

// fakeRoomMedia answers the room service's media-server calls.
type fakeRoomMedia struct {
	mu      sync.Mutex
	seq     int
	deleted []string
	removed []string
}

func (f *fakeRoomMedia) EnsureRoom(_ context.Context, roomID string, _ lk.RoomOptions) (*livekit.Room, error) {
	return &livekit.Room{Name: roomID}, nil
}

func (f *fakeRoomMedia) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeRoomMedia) RemoveParticipant(_ context.Context, roomID, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, roomID+"/"+identity)
	return nil
}

func (f *fakeRoomMedia) ParticipantToken(_ lk.ParticipantTokenOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("lk-token-%d", f.seq), nil
}

func (f *fakeRoomMedia) removeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// fakeEgressMedia answers the recording engine's media-server calls.
type fakeEgressMedia struct {
	mu      sync.Mutex
	seq     int
	stopped []string
}

func (f *fakeEgressMedia) StartRecording(_ context.Context, roomID string, _ lk.EgressOptions) (*livekit.EgressInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &livekit.EgressInfo{
		EgressId: fmt.Sprintf("EG_%d", f.seq),
		RoomName: roomID,
		Status:   livekit.EgressStatus_EGRESS_STARTING,
	}, nil
}

func (f *fakeEgressMedia) StopRecording(_ context.Context, egressID string) (*livekit.EgressInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, egressID)
	return &livekit.EgressInfo{
		EgressId: egressID,
		Status:   livekit.EgressStatus_EGRESS_ENDING,
	}, nil
}

// fakeBlobs is an in-memory BlobStore.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeBlobs) OpenMedia(_ context.Context, key string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, 0, apperr.NotFound("RECORDING_MEDIA_NOT_FOUND", fmt.Sprintf("media object %q does not exist", key))
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeBlobs) PresignMediaURL(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", apperr.NotFound("RECORDING_MEDIA_NOT_FOUND", fmt.Sprintf("media object %q does not exist", key))
	}
	return "https://blobs.test/" + key + "?signed=1", nil
}

func (f *fakeBlobs) DeleteMedia(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

// fakeConfigRepo is an in-memory singleton config document.
type fakeConfigRepo struct {
	mu  sync.Mutex
	cfg types.GlobalConfig
}

func newFakeConfigRepo() *fakeConfigRepo {
	return &fakeConfigRepo{cfg: types.DefaultGlobalConfig()}
}

func (f *fakeConfigRepo) Get(_ context.Context) (*types.GlobalConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.cfg
	return &cp, nil
}

func (f *fakeConfigRepo) Upsert(_ context.Context, cfg *types.GlobalConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = *cfg
	return nil
}

func (f *fakeConfigRepo) current() types.GlobalConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*types.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*types.User)}
}

func (f *fakeUserRepo) put(user *types.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.users[user.UserID] = &cp
}

func (f *fakeUserRepo) Insert(_ context.Context, user *types.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.UserID]; ok {
		return apperr.Conflict("USER_EXISTS", fmt.Sprintf("user %q already exists", user.UserID))
	}
	cp := *user
	f.users[user.UserID] = &cp
	return nil
}

func (f *fakeUserRepo) Get(_ context.Context, userID string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", userID))
	}
	cp := *user
	return &cp, nil
}

func (f *fakeUserRepo) Update(_ context.Context, user *types.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.UserID]; !ok {
		return apperr.NotFound("USER_NOT_FOUND", fmt.Sprintf("user %q does not exist", user.UserID))
	}
	cp := *user
	f.users[user.UserID] = &cp
	return nil
}

type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*types.APIKey
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: make(map[string]*types.APIKey)}
}

func (f *fakeKeyRepo) Insert(_ context.Context, key *types.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *key
	f.keys[key.Key] = &cp
	return nil
}

func (f *fakeKeyRepo) List(_ context.Context) ([]*types.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.APIKey, 0, len(f.keys))
	for _, key := range f.keys {
		cp := *key
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreationDate > out[j].CreationDate })
	return out, nil
}

func (f *fakeKeyRepo) DeleteAll(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = make(map[string]*types.APIKey)
	return nil
}
