package recording

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

// fakeRecordings is an in-memory RecordingRepository with the same guarded
// transition semantics as the real providers.
type fakeRecordings struct {
	mu   sync.Mutex
	rows map[string]*types.Recording

	transitionErr error
}

func newFakeRecordings() *fakeRecordings {
	return &fakeRecordings{rows: make(map[string]*types.Recording)}
}

func (f *fakeRecordings) put(rec *types.Recording) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.rows[rec.RecordingID] = &cp
}

func (f *fakeRecordings) Insert(_ context.Context, rec *types.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[rec.RecordingID]; ok {
		return apperr.Conflict("RECORDING_EXISTS", fmt.Sprintf("recording %q already exists", rec.RecordingID))
	}
	cp := *rec
	f.rows[rec.RecordingID] = &cp
	return nil
}

func (f *fakeRecordings) Get(_ context.Context, recordingID string) (*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[recordingID]
	if !ok {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("recording %q does not exist", recordingID))
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordings) List(_ context.Context, roomID string, page types.PageRequest) (*types.Page[types.Recording], error) {
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

func (f *fakeRecordings) ListByRoom(_ context.Context, roomID string) ([]*types.Recording, error) {
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

func (f *fakeRecordings) ListStale(_ context.Context, updatedBeforeMs int64) ([]*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Recording
	for _, rec := range f.sorted() {
		if !rec.Status.IsTerminal() && rec.UpdatedAt < updatedBeforeMs {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRecordings) LatestByRoom(_ context.Context, roomID string) (*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.Recording
	for _, rec := range f.rows {
		if rec.RoomID != roomID {
			continue
		}
		if latest == nil || rec.StartDate > latest.StartDate {
			latest = rec
		}
	}
	if latest == nil {
		return nil, apperr.NotFound("RECORDING_NOT_FOUND", fmt.Sprintf("room %q has no recordings", roomID))
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeRecordings) Transition(_ context.Context, recordingID string, from []types.RecordingStatus, patch storage.RecordingPatch) (*types.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return nil, f.transitionErr
	}
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
	if patch.StartDate > 0 {
		rec.StartDate = patch.StartDate
	}
	if patch.EndDate > 0 {
		rec.EndDate = patch.EndDate
	}
	if patch.Duration > 0 {
		rec.Duration = patch.Duration
	}
	if patch.Size > 0 {
		rec.Size = patch.Size
	}
	if patch.Filename != "" {
		rec.Filename = patch.Filename
	}
	if patch.ErrorMessage != "" {
		rec.ErrorMessage = patch.ErrorMessage
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordings) Delete(_ context.Context, recordingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, recordingID)
	return nil
}

func (f *fakeRecordings) DeleteByRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rec := range f.rows {
		if rec.RoomID == roomID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeRecordings) sorted() []*types.Recording {
	out := make([]*types.Recording, 0, len(f.rows))
	for _, rec := range f.rows {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordingID < out[j].RecordingID })
	return out
}

// fakeRooms serves Get only; the engine never writes rooms.
type fakeRooms struct {
	storage.RoomRepository
	mu   sync.Mutex
	rows map[string]*types.Room
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rows: make(map[string]*types.Room)}
}

func (f *fakeRooms) put(room *types.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *room
	f.rows[room.RoomID] = &cp
}

func (f *fakeRooms) Get(_ context.Context, roomID string) (*types.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rows[roomID]
	if !ok {
		return nil, apperr.NotFound("ROOM_NOT_FOUND", fmt.Sprintf("room %q does not exist", roomID))
	}
	cp := *room
	return &cp, nil
}

// fakeMedia fabricates egress sessions with sequential ids.
type fakeMedia struct {
	mu       sync.Mutex
	seq      int
	startErr error
	stopErr  error
	started  []startedCall
	stopped  []string
}

type startedCall struct {
	roomID   string
	filepath string
	layout   string
}

func (f *fakeMedia) StartRecording(_ context.Context, roomID string, opts lk.EgressOptions) (*livekit.EgressInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.seq++
	f.started = append(f.started, startedCall{roomID: roomID, filepath: opts.Filepath, layout: opts.Layout})
	return &livekit.EgressInfo{
		EgressId: fmt.Sprintf("EG_%d", f.seq),
		RoomName: roomID,
		Status:   livekit.EgressStatus_EGRESS_STARTING,
	}, nil
}

func (f *fakeMedia) StopRecording(_ context.Context, egressID string) (*livekit.EgressInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stopped = append(f.stopped, egressID)
	return &livekit.EgressInfo{
		EgressId: egressID,
		Status:   livekit.EgressStatus_EGRESS_ENDING,
	}, nil
}

func (f *fakeMedia) startCalls() []startedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]startedCall, len(f.started))
	copy(out, f.started)
	return out
}

func (f *fakeMedia) stopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopped))
	copy(out, f.stopped)
	return out
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

func (f *fakeBlobs) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
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
	out := make([]types.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) last() (types.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return types.Event{}, false
	}
	return r.events[len(r.events)-1], true
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
