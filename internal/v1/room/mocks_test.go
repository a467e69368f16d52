package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/livekit/protocol/livekit"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/types"
	lk "github.com/ovmeet/backend/pkg/livekit"
)

// fakeRepo is an in-memory RoomRepository with the same guard and conflict
// semantics as the real providers.
type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]*types.Room

	insertErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]*types.Room)}
}

func (f *fakeRepo) put(room *types.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *room
	f.rows[room.RoomID] = &cp
}

func (f *fakeRepo) row(roomID string) *types.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return nil
	}
	cp := *room
	return &cp
}

func (f *fakeRepo) Insert(_ context.Context, room *types.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
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

func (f *fakeRepo) Get(_ context.Context, roomID string) (*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return nil, apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	cp := *room
	return &cp, nil
}

func (f *fakeRepo) List(_ context.Context, page types.PageRequest) (*types.Page[types.Room], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []types.Room
	for _, room := range f.sorted() {
		items = append(items, *room)
		if page.MaxItems > 0 && len(items) >= page.MaxItems {
			break
		}
	}
	return &types.Page[types.Room]{Items: items}, nil
}

func (f *fakeRepo) ListExpiring(_ context.Context, nowMs int64) ([]*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Room
	for _, room := range f.sorted() {
		if room.AutoDeletionDate > 0 && room.AutoDeletionDate <= nowMs {
			cp := *room
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatus(_ context.Context, roomID string, from []types.RoomStatus, to types.RoomStatus) (*types.Room, error) {
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
			return nil, apperr.Conflict("INVALID_ROOM_STATUS",
				fmt.Sprintf("room %q is %s", roomID, room.Status))
		}
	}
	room.Status = to
	cp := *room
	return &cp, nil
}

func (f *fakeRepo) SetMeetingEndAction(_ context.Context, roomID string, action types.MeetingEndAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	room.MeetingEndAction = action
	return nil
}

func (f *fakeRepo) SetAutoDeletionPolicy(_ context.Context, roomID string, policy types.AutoDeletionPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	room.AutoDeletionPolicy = policy
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, roomID)
	return nil
}

func (f *fakeRepo) sorted() []*types.Room {
	ids := make([]string, 0, len(f.rows))
	for id := range f.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.Room, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.rows[id])
	}
	return out
}

// fakeRecordingSvc answers the two questions room deletion asks.
type fakeRecordingSvc struct {
	mu         sync.Mutex
	recorded   map[string]bool
	purgeCalls []string

	hasErr   error
	purgeErr error
}

func newFakeRecordingSvc() *fakeRecordingSvc {
	return &fakeRecordingSvc{recorded: make(map[string]bool)}
}

func (f *fakeRecordingSvc) setRecorded(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[roomID] = true
}

func (f *fakeRecordingSvc) HasRecordings(_ context.Context, roomID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasErr != nil {
		return false, f.hasErr
	}
	return f.recorded[roomID], nil
}

func (f *fakeRecordingSvc) PurgeByRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return f.purgeErr
	}
	f.purgeCalls = append(f.purgeCalls, roomID)
	delete(f.recorded, roomID)
	return nil
}

func (f *fakeRecordingSvc) purged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purgeCalls...)
}

type ensureCall struct {
	roomID string
	opts   lk.RoomOptions
}

type removeCall struct {
	roomID   string
	identity string
}

type tokenCall struct {
	opts lk.ParticipantTokenOptions
}

// fakeMedia records media-server calls and mints deterministic tokens.
type fakeMedia struct {
	mu      sync.Mutex
	seq     int
	ensured []ensureCall
	deleted []string
	removed []removeCall
	tokens  []tokenCall

	ensureErr error
	deleteErr error
	removeErr error
	tokenErr  error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{}
}

func (f *fakeMedia) EnsureRoom(_ context.Context, roomID string, opts lk.RoomOptions) (*livekit.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	f.ensured = append(f.ensured, ensureCall{roomID: roomID, opts: opts})
	return &livekit.Room{Name: roomID}, nil
}

func (f *fakeMedia) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeMedia) RemoveParticipant(_ context.Context, roomID, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, removeCall{roomID: roomID, identity: identity})
	return nil
}

func (f *fakeMedia) ParticipantToken(opts lk.ParticipantTokenOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	f.seq++
	f.tokens = append(f.tokens, tokenCall{opts: opts})
	return fmt.Sprintf("lk-token-%d", f.seq), nil
}

func (f *fakeMedia) ensureCalls() []ensureCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ensureCall(nil), f.ensured...)
}

func (f *fakeMedia) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeMedia) removeCalls() []removeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]removeCall(nil), f.removed...)
}

func (f *fakeMedia) tokenCalls() []tokenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tokenCall(nil), f.tokens...)
}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) add(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

func (r *eventRecorder) ofType(evType types.EventType) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}
