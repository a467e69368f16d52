// Package recording drives the egress lifecycle of recorded meetings. One
// room records at most once at a time, enforced with a distributed
// RECORDING_ACTIVE lease, and every row moves forward through the status
// graph STARTING -> ACTIVE -> ENDING -> terminal. Media-server events may
// arrive late, duplicated, or out of order; the repository's guarded
// transitions make sure a row never moves backwards and never leaves a
// terminal status.
package recording

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/bus"
	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/types"
	lk "github.com/ovmeet/backend/pkg/livekit"
)

// LockPrefix namespaces the per-room recording leases. The resource name is
// LockPrefix + roomID.
const LockPrefix = "RECORDING_ACTIVE:"

// Defaults applied when Options fields are left zero.
const (
	DefaultLockTTL         = 6 * time.Hour
	DefaultStartedTimeout  = 20 * time.Second
	DefaultStaleAfter      = 5 * time.Minute
	DefaultLockGracePeriod = time.Minute
)

// MediaServer is the slice of the media-server client the engine calls.
type MediaServer interface {
	StartRecording(ctx context.Context, roomID string, opts lk.EgressOptions) (*livekit.EgressInfo, error)
	StopRecording(ctx context.Context, egressID string) (*livekit.EgressInfo, error)
}

// Options tunes the lifecycle timers. Zero values fall back to the defaults.
type Options struct {
	// LockTTL bounds how long a crashed replica can pin a room's recording
	// lease before it expires on its own.
	LockTTL time.Duration
	// StartedTimeout fails a STARTING row that never saw an egress event.
	StartedTimeout time.Duration
	// StaleAfter is the silence window after which AbortStale gives up on a
	// non-terminal row.
	StaleAfter time.Duration
	// LockGracePeriod delays lock release after a start timeout, and shields
	// freshly finished rows from the lock GC.
	LockGracePeriod time.Duration
}

// Service owns recording rows, their media-server egress sessions, and the
// per-room recording leases.
type Service struct {
	repo   storage.RecordingRepository
	rooms  storage.RoomRepository
	blobs  storage.BlobStore
	media  MediaServer
	locks  *lock.Service
	events *bus.Service
	opts   Options

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewService wires the recording engine. The bus may be nil in tools that
// only read rows.
func NewService(repo storage.RecordingRepository, rooms storage.RoomRepository, blobs storage.BlobStore, media MediaServer, locks *lock.Service, events *bus.Service, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.StartedTimeout <= 0 {
		opts.StartedTimeout = DefaultStartedTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.LockGracePeriod <= 0 {
		opts.LockGracePeriod = DefaultLockGracePeriod
	}
	return &Service{
		repo:   repo,
		rooms:  rooms,
		blobs:  blobs,
		media:  media,
		locks:  locks,
		events: events,
		opts:   opts,
		timers: make(map[string]*time.Timer),
	}
}

// Close stops the pending lifecycle timers. Rows left mid-flight are picked
// up by AbortStale and the lock GC on the next replica.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// StartOptions carries the caller-tunable egress knobs.
type StartOptions struct {
	// Layout selects the composite template; empty means grid.
	Layout string
}

// Start begins recording the room's active meeting. It acquires the room's
// recording lease, asks the media server for a room-composite egress, and
// persists the STARTING row keyed {roomId}--{egressId}. The started timer
// fails the row if the media server never reports back.
func (s *Service) Start(ctx context.Context, roomID string, opts StartOptions) (*types.Recording, error) {
	ctx = logging.WithRoom(ctx, roomID)

	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.Config.Recording.Enabled {
		return nil, apperr.Forbidden("RECORDING_DISABLED", fmt.Sprintf("recording is disabled for room %q", roomID))
	}
	if !room.HasActiveMeeting() {
		return nil, apperr.Conflict("MEETING_NOT_ACTIVE", fmt.Sprintf("room %q has no meeting in progress", roomID))
	}

	lease, err := s.locks.Acquire(ctx, LockPrefix+roomID, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, apperr.Conflict("ALREADY_RECORDING", fmt.Sprintf("room %q is already being recorded", roomID))
	}

	layout := opts.Layout
	if layout == "" {
		layout = "grid"
	}
	now := time.Now()

	info, err := s.media.StartRecording(ctx, roomID, lk.EgressOptions{
		Filepath: egressFilepath(roomID, now),
		Layout:   layout,
	})
	if err != nil {
		s.releaseLease(ctx, lease)
		return nil, err
	}

	secrets, err := newAccessSecrets()
	if err != nil {
		s.abandonEgress(ctx, info.EgressId, lease)
		return nil, apperr.Internal(err, "failed to generate recording access secrets")
	}

	rec := &types.Recording{
		RecordingID:   types.NewRecordingID(roomID, info.EgressId),
		RoomID:        roomID,
		RoomName:      room.RoomName,
		Status:        types.RecordingStatusStarting,
		StartDate:     now.UnixMilli(),
		Layout:        layout,
		Encoding:      "mp4",
		AccessSecrets: secrets,
		UpdatedAt:     now.UnixMilli(),
		SchemaVersion: types.SchemaVersionRecordings,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		s.abandonEgress(ctx, info.EgressId, lease)
		return nil, err
	}

	s.armStartTimer(rec.RecordingID, roomID)
	metrics.IncActiveRecordings()
	metrics.RecordingTransitionsTotal.WithLabelValues(string(types.RecordingStatusStarting)).Inc()
	s.publishTransition(ctx, rec, "", types.RecordingStatusStarting)

	logging.Info(ctx, "Recording started",
		zap.String("recording_id", rec.RecordingID),
		zap.String("egress_id", info.EgressId),
		zap.String("layout", layout))
	return rec, nil
}

// Stop asks the media server to finish the egress. The row itself moves on
// the resulting webhook, except when the egress has already vanished, in
// which case no webhook will ever come and the row is aborted here.
func (s *Service) Stop(ctx context.Context, recordingID string) (*types.Recording, error) {
	rec, err := s.repo.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRoom(ctx, rec.RoomID)
	if rec.Status.IsTerminal() {
		return nil, apperr.Conflict("RECORDING_ALREADY_STOPPED", fmt.Sprintf("recording %q already finished as %s", recordingID, rec.Status))
	}

	_, egressID, err := types.ParseRecordingID(recordingID)
	if err != nil {
		return nil, apperr.Internal(err, "stored recording id is malformed")
	}

	if _, err := s.media.StopRecording(ctx, egressID); err != nil {
		if apperr.CodeOf(err) == "EGRESS_NOT_FOUND" {
			return s.abortVanished(ctx, rec)
		}
		return nil, err
	}

	logging.Info(ctx, "Recording stop requested", zap.String("recording_id", recordingID))
	return rec, nil
}

// Get returns one recording row.
func (s *Service) Get(ctx context.Context, recordingID string) (*types.Recording, error) {
	return s.repo.Get(ctx, recordingID)
}

// List pages recordings, optionally filtered to one room.
func (s *Service) List(ctx context.Context, roomID string, page types.PageRequest) (*types.Page[types.Recording], error) {
	return s.repo.List(ctx, roomID, page)
}

// HasRecordings reports whether the room has at least one recording row.
func (s *Service) HasRecordings(ctx context.Context, roomID string) (bool, error) {
	pg, err := s.repo.List(ctx, roomID, types.PageRequest{MaxItems: 1})
	if err != nil {
		return false, err
	}
	return len(pg.Items) > 0, nil
}

// Delete removes a finished recording and its media object. Rows still in
// flight must be stopped first.
func (s *Service) Delete(ctx context.Context, recordingID string) error {
	rec, err := s.repo.Get(ctx, recordingID)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return apperr.Conflict("RECORDING_IN_PROGRESS", fmt.Sprintf("recording %q is still %s; stop it before deleting", recordingID, rec.Status))
	}

	if rec.Filename != "" {
		if err := s.blobs.DeleteMedia(ctx, rec.Filename); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			return err
		}
	}
	if err := s.repo.Delete(ctx, recordingID); err != nil {
		return err
	}
	logging.Info(logging.WithRoom(ctx, rec.RoomID), "Recording deleted", zap.String("recording_id", recordingID))
	return nil
}

// PurgeByRoom removes every recording of a room: in-flight egress sessions
// are stopped best effort, media objects deleted, rows dropped, and the
// room's recording lease released. Used by the room deletion policies that
// force recordings away.
func (s *Service) PurgeByRoom(ctx context.Context, roomID string) error {
	ctx = logging.WithRoom(ctx, roomID)

	rows, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	for _, rec := range rows {
		if !rec.Status.IsTerminal() {
			if _, egressID, perr := types.ParseRecordingID(rec.RecordingID); perr == nil {
				if _, serr := s.media.StopRecording(ctx, egressID); serr != nil && apperr.CodeOf(serr) != "EGRESS_NOT_FOUND" {
					logging.Warn(ctx, "Failed to stop egress during purge",
						zap.String("recording_id", rec.RecordingID), zap.Error(serr))
				}
			}
			s.cancelTimer(rec.RecordingID)
			metrics.DecActiveRecordings()
		}
		if rec.Filename != "" {
			if err := s.blobs.DeleteMedia(ctx, rec.Filename); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
				logging.Warn(ctx, "Failed to delete recording media during purge",
					zap.String("recording_id", rec.RecordingID), zap.Error(err))
			}
		}
	}
	if err := s.repo.DeleteByRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.locks.ForceRelease(ctx, LockPrefix+roomID); err != nil {
		logging.Warn(ctx, "Failed to release recording lease during purge", zap.Error(err))
	}
	if len(rows) > 0 {
		logging.Info(ctx, "Recordings purged", zap.Int("count", len(rows)))
	}
	return nil
}

// nonTerminalStatuses are the froms every forward transition may leave.
var nonTerminalStatuses = []types.RecordingStatus{
	types.RecordingStatusStarting,
	types.RecordingStatusActive,
	types.RecordingStatusEnding,
}

// allowedFrom encodes the forward-only transition graph: a target status is
// reachable only from the statuses listed here. Same-status entries admit
// duplicate egress events as plain updatedAt refreshes.
var allowedFrom = map[types.RecordingStatus][]types.RecordingStatus{
	types.RecordingStatusStarting:     {types.RecordingStatusStarting},
	types.RecordingStatusActive:       {types.RecordingStatusStarting, types.RecordingStatusActive},
	types.RecordingStatusEnding:       nonTerminalStatuses,
	types.RecordingStatusComplete:     nonTerminalStatuses,
	types.RecordingStatusFailed:       nonTerminalStatuses,
	types.RecordingStatusAborted:      nonTerminalStatuses,
	types.RecordingStatusLimitReached: nonTerminalStatuses,
}

// egressStatuses maps the media server's egress states onto row statuses.
var egressStatuses = map[livekit.EgressStatus]types.RecordingStatus{
	livekit.EgressStatus_EGRESS_STARTING:      types.RecordingStatusStarting,
	livekit.EgressStatus_EGRESS_ACTIVE:        types.RecordingStatusActive,
	livekit.EgressStatus_EGRESS_ENDING:        types.RecordingStatusEnding,
	livekit.EgressStatus_EGRESS_COMPLETE:      types.RecordingStatusComplete,
	livekit.EgressStatus_EGRESS_FAILED:        types.RecordingStatusFailed,
	livekit.EgressStatus_EGRESS_ABORTED:       types.RecordingStatusAborted,
	livekit.EgressStatus_EGRESS_LIMIT_REACHED: types.RecordingStatusLimitReached,
}

// HandleEgressUpdate applies one media-server egress event to the matching
// row. Events for unknown rows, duplicated terminal events, and transitions
// outside the graph are logged and dropped without touching the row.
func (s *Service) HandleEgressUpdate(ctx context.Context, info *livekit.EgressInfo) error {
	ctx = logging.WithRoom(ctx, info.RoomName)
	recordingID := types.NewRecordingID(info.RoomName, info.EgressId)

	newStatus, ok := egressStatuses[info.Status]
	if !ok {
		logging.Warn(ctx, "Unknown egress status",
			zap.String("egress_id", info.EgressId), zap.String("egress_status", info.Status.String()))
		return nil
	}

	rec, err := s.repo.Get(ctx, recordingID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		logging.Warn(ctx, "Egress event for unknown recording",
			zap.String("recording_id", recordingID), zap.String("egress_status", info.Status.String()))
		return nil
	}
	if err != nil {
		return err
	}

	// An egress event of any status proves the session is alive.
	s.cancelTimer(recordingID)

	if rec.Status.IsTerminal() {
		logging.Debug(ctx, "Ignoring egress event for finished recording",
			zap.String("recording_id", recordingID),
			zap.String("status", string(rec.Status)),
			zap.String("egress_status", string(newStatus)))
		return nil
	}

	now := time.Now().UnixMilli()
	patch := buildPatch(info, newStatus, now)
	newStatus = patch.Status

	if rec.Status == newStatus {
		if _, err := s.repo.Transition(ctx, recordingID, []types.RecordingStatus{newStatus}, patch); err != nil && apperr.KindOf(err) != apperr.KindConflict {
			return err
		}
		logging.Debug(ctx, "Refreshed recording heartbeat",
			zap.String("recording_id", recordingID), zap.String("status", string(newStatus)))
		return nil
	}

	updated, err := s.repo.Transition(ctx, recordingID, allowedFrom[newStatus], patch)
	if apperr.KindOf(err) == apperr.KindConflict {
		logging.Warn(ctx, "Rejected egress transition",
			zap.String("recording_id", recordingID),
			zap.String("old_status", string(rec.Status)),
			zap.String("new_status", string(newStatus)))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordingTransitionsTotal.WithLabelValues(string(newStatus)).Inc()
	if newStatus.IsTerminal() {
		metrics.DecActiveRecordings()
		if err := s.locks.ForceRelease(ctx, LockPrefix+updated.RoomID); err != nil {
			logging.Warn(ctx, "Failed to release recording lease", zap.Error(err))
		}
	}
	s.publishTransition(ctx, updated, rec.Status, newStatus)

	logging.Info(ctx, "Recording transitioned",
		zap.String("recording_id", recordingID),
		zap.String("old_status", string(rec.Status)),
		zap.String("new_status", string(newStatus)))
	return nil
}

// buildPatch derives the repository patch for one egress event. A COMPLETE
// without a playable file is demoted to FAILED so finished rows always carry
// a filename and a positive size.
func buildPatch(info *livekit.EgressInfo, newStatus types.RecordingStatus, nowMs int64) storage.RecordingPatch {
	patch := storage.RecordingPatch{Status: newStatus, UpdatedAt: nowMs}
	if info.StartedAt > 0 {
		patch.StartDate = info.StartedAt / int64(time.Millisecond)
	}
	if !newStatus.IsTerminal() {
		return patch
	}

	patch.EndDate = nowMs
	if info.EndedAt > 0 {
		patch.EndDate = info.EndedAt / int64(time.Millisecond)
	}
	if len(info.FileResults) > 0 {
		file := info.FileResults[0]
		patch.Filename = file.Filename
		patch.Size = file.Size
		patch.Duration = float64(file.Duration) / float64(time.Second)
	}
	if info.Error != "" {
		patch.ErrorMessage = info.Error
	}
	if newStatus == types.RecordingStatusComplete && (patch.Filename == "" || patch.Size <= 0) {
		patch.Status = types.RecordingStatusFailed
		patch.ErrorMessage = "media server reported completion without a playable file"
	}
	return patch
}

// AbortStale moves non-terminal rows the media server has gone silent on to
// ABORTED and releases their leases. Runs as the recording_stale_cleanup job.
func (s *Service) AbortStale(ctx context.Context) error {
	cutoff := time.Now().Add(-s.opts.StaleAfter).UnixMilli()
	rows, err := s.repo.ListStale(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, rec := range rows {
		rctx := logging.WithRoom(ctx, rec.RoomID)
		now := time.Now().UnixMilli()
		updated, err := s.repo.Transition(rctx, rec.RecordingID, nonTerminalStatuses, storage.RecordingPatch{
			Status:       types.RecordingStatusAborted,
			UpdatedAt:    now,
			EndDate:      now,
			ErrorMessage: "recording abandoned after the media server went silent",
		})
		if apperr.KindOf(err) == apperr.KindConflict || apperr.KindOf(err) == apperr.KindNotFound {
			continue
		}
		if err != nil {
			logging.Warn(rctx, "Failed to abort stale recording",
				zap.String("recording_id", rec.RecordingID), zap.Error(err))
			continue
		}

		s.cancelTimer(rec.RecordingID)
		metrics.RecordingTransitionsTotal.WithLabelValues(string(types.RecordingStatusAborted)).Inc()
		metrics.DecActiveRecordings()
		if err := s.locks.ForceRelease(rctx, LockPrefix+rec.RoomID); err != nil {
			logging.Warn(rctx, "Failed to release recording lease", zap.Error(err))
		}
		s.publishTransition(rctx, updated, rec.Status, types.RecordingStatusAborted)
		logging.Warn(rctx, "Aborted stale recording",
			zap.String("recording_id", rec.RecordingID),
			zap.String("old_status", string(rec.Status)),
			zap.Int64("last_update", rec.UpdatedAt))
	}
	return nil
}

// ReleaseOrphanedLocks frees recording leases whose rows have already
// finished or never made it to the store. Rows finished inside the grace
// period are left alone so an in-flight terminal handler is not raced. Runs
// as the recording_lock_gc job.
func (s *Service) ReleaseOrphanedLocks(ctx context.Context) error {
	names, err := s.locks.ActiveLocks(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		if !strings.HasPrefix(name, LockPrefix) {
			continue
		}
		roomID := strings.TrimPrefix(name, LockPrefix)
		rctx := logging.WithRoom(ctx, roomID)

		latest, err := s.repo.LatestByRoom(rctx, roomID)
		if apperr.KindOf(err) == apperr.KindNotFound {
			// Lease with no row at all: the starting replica died between
			// acquire and insert.
			if err := s.locks.ForceRelease(rctx, name); err != nil {
				logging.Warn(rctx, "Failed to release orphaned recording lease", zap.Error(err))
				continue
			}
			logging.Warn(rctx, "Released recording lease with no recording row")
			continue
		}
		if err != nil {
			logging.Warn(rctx, "Failed to inspect recording lease", zap.Error(err))
			continue
		}
		if !latest.Status.IsTerminal() {
			continue
		}
		if time.Now().UnixMilli()-latest.UpdatedAt < s.opts.LockGracePeriod.Milliseconds() {
			continue
		}

		if err := s.locks.ForceRelease(rctx, name); err != nil {
			logging.Warn(rctx, "Failed to release orphaned recording lease", zap.Error(err))
			continue
		}
		logging.Info(rctx, "Released orphaned recording lease",
			zap.String("recording_id", latest.RecordingID),
			zap.String("status", string(latest.Status)))
	}
	return nil
}

// abortVanished finishes a row whose egress no longer exists on the media
// server. No webhook will ever arrive for it.
func (s *Service) abortVanished(ctx context.Context, rec *types.Recording) (*types.Recording, error) {
	now := time.Now().UnixMilli()
	updated, err := s.repo.Transition(ctx, rec.RecordingID, nonTerminalStatuses, storage.RecordingPatch{
		Status:       types.RecordingStatusAborted,
		UpdatedAt:    now,
		EndDate:      now,
		ErrorMessage: "egress session no longer exists on the media server",
	})
	if err != nil {
		return nil, err
	}

	s.cancelTimer(rec.RecordingID)
	metrics.RecordingTransitionsTotal.WithLabelValues(string(types.RecordingStatusAborted)).Inc()
	metrics.DecActiveRecordings()
	if err := s.locks.ForceRelease(ctx, LockPrefix+rec.RoomID); err != nil {
		logging.Warn(ctx, "Failed to release recording lease", zap.Error(err))
	}
	s.publishTransition(ctx, updated, rec.Status, types.RecordingStatusAborted)
	logging.Warn(ctx, "Aborted recording with vanished egress", zap.String("recording_id", rec.RecordingID))
	return updated, nil
}

// armStartTimer schedules the started-timeout failure for a fresh row. If no
// egress event cancels it first, the row fails and the lease is released
// after the grace period.
func (s *Service) armStartTimer(recordingID, roomID string) {
	s.schedule(recordingID, s.opts.StartedTimeout, func() {
		ctx := logging.WithRoom(context.Background(), roomID)
		now := time.Now().UnixMilli()
		updated, err := s.repo.Transition(ctx, recordingID,
			[]types.RecordingStatus{types.RecordingStatusStarting},
			storage.RecordingPatch{
				Status:       types.RecordingStatusFailed,
				UpdatedAt:    now,
				EndDate:      now,
				ErrorMessage: "media server never confirmed the recording start",
			})
		if apperr.KindOf(err) == apperr.KindConflict || apperr.KindOf(err) == apperr.KindNotFound {
			return
		}
		if err != nil {
			logging.Error(ctx, "Failed to fail timed-out recording",
				zap.String("recording_id", recordingID), zap.Error(err))
			return
		}

		metrics.RecordingTransitionsTotal.WithLabelValues(string(types.RecordingStatusFailed)).Inc()
		metrics.DecActiveRecordings()
		s.publishTransition(ctx, updated, types.RecordingStatusStarting, types.RecordingStatusFailed)
		logging.Warn(ctx, "Recording start timed out", zap.String("recording_id", recordingID))

		// Delay the lease release: a terminal egress event may still be in
		// flight and must find the room locked while it runs.
		s.schedule("grace:"+recordingID, s.opts.LockGracePeriod, func() {
			if err := s.locks.ForceRelease(ctx, LockPrefix+roomID); err != nil {
				logging.Warn(ctx, "Failed to release recording lease after timeout", zap.Error(err))
			}
		})
	})
}

func (s *Service) schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
}

func (s *Service) cancelTimer(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// publishTransition emits the bus event for one applied transition. The
// first transition out of nothing is recordingStarted, terminal ones are
// recordingEnded, everything in between recordingUpdated.
func (s *Service) publishTransition(ctx context.Context, rec *types.Recording, old, next types.RecordingStatus) {
	if s.events == nil {
		return
	}
	evType := types.EventRecordingUpdated
	switch {
	case old == "":
		evType = types.EventRecordingStarted
	case next.IsTerminal():
		evType = types.EventRecordingEnded
	}
	s.events.Publish(ctx, types.Event{
		Type:   evType,
		RoomID: rec.RoomID,
		Data: map[string]any{
			"recordingId": rec.RecordingID,
			"roomId":      rec.RoomID,
			"oldStatus":   string(old),
			"newStatus":   string(next),
			"timestamp":   time.Now().UnixMilli(),
		},
	})
}

// releaseLease frees a held lease, logging instead of failing: the TTL
// bounds the damage if the release itself fails.
func (s *Service) releaseLease(ctx context.Context, lease *lock.Lock) {
	if err := s.locks.Release(ctx, lease); err != nil {
		logging.Warn(ctx, "Failed to release recording lease", zap.Error(err))
	}
}

// abandonEgress tears down an egress whose row never made it to storage.
func (s *Service) abandonEgress(ctx context.Context, egressID string, lease *lock.Lock) {
	if _, err := s.media.StopRecording(ctx, egressID); err != nil && apperr.CodeOf(err) != "EGRESS_NOT_FOUND" {
		logging.Warn(ctx, "Failed to stop abandoned egress", zap.String("egress_id", egressID), zap.Error(err))
	}
	s.releaseLease(ctx, lease)
}

// egressFilepath is where the egress deployment writes the media object,
// relative to its configured output root.
func egressFilepath(roomID string, now time.Time) string {
	return fmt.Sprintf("%s/%s--%s.mp4", roomID, roomID, now.UTC().Format("2006-01-02_15-04-05"))
}

func newAccessSecrets() (types.RecordingAccessSecrets, error) {
	pub, err := randomSecret()
	if err != nil {
		return types.RecordingAccessSecrets{}, err
	}
	priv, err := randomSecret()
	if err != nil {
		return types.RecordingAccessSecrets{}, err
	}
	return types.RecordingAccessSecrets{Public: pub, Private: priv}, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- media access ---

// ShareScope selects which audience a share token admits.
type ShareScope string

const (
	// ShareScopePublic tokens are embedded in shareable links.
	ShareScopePublic ShareScope = "public"
	// ShareScopePrivate tokens stay inside authenticated responses.
	ShareScopePrivate ShareScope = "private"
)

// MediaURL presigns a time-limited direct download link for a finished
// recording.
func (s *Service) MediaURL(ctx context.Context, recordingID string, expiry time.Duration) (string, error) {
	rec, err := s.playable(ctx, recordingID)
	if err != nil {
		return "", err
	}
	return s.blobs.PresignMediaURL(ctx, rec.Filename, expiry)
}

// OpenMedia streams a finished recording's media object.
func (s *Service) OpenMedia(ctx context.Context, recordingID string) (io.ReadCloser, int64, *types.Recording, error) {
	rec, err := s.playable(ctx, recordingID)
	if err != nil {
		return nil, 0, nil, err
	}
	body, size, err := s.blobs.OpenMedia(ctx, rec.Filename)
	if err != nil {
		return nil, 0, nil, err
	}
	return body, size, rec, nil
}

func (s *Service) playable(ctx context.Context, recordingID string) (*types.Recording, error) {
	rec, err := s.repo.Get(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.RecordingStatusComplete || rec.Filename == "" {
		return nil, apperr.NotFound("RECORDING_MEDIA_NOT_FOUND", fmt.Sprintf("recording %q has no playable media", recordingID))
	}
	return rec, nil
}

// ShareToken mints an HMAC token that grants scope-limited access to one
// recording's media. Tokens survive for as long as the row keeps its access
// secrets; regenerating the secrets revokes every outstanding token.
func (s *Service) ShareToken(ctx context.Context, recordingID string, scope ShareScope) (string, error) {
	rec, err := s.repo.Get(ctx, recordingID)
	if err != nil {
		return "", err
	}
	secret, err := scopeSecret(rec, scope)
	if err != nil {
		return "", err
	}
	return recordingID + "." + string(scope) + "." + signShare(secret, recordingID, scope), nil
}

// VerifyShareToken checks a share token and returns the recording it grants
// along with the scope it was minted for.
func (s *Service) VerifyShareToken(ctx context.Context, token string) (*types.Recording, ShareScope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, "", apperr.Unauthenticated("INVALID_SHARE_TOKEN", "malformed share token")
	}
	recordingID, scope, sig := parts[0], ShareScope(parts[1]), parts[2]

	rec, err := s.repo.Get(ctx, recordingID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, "", apperr.Unauthenticated("INVALID_SHARE_TOKEN", "share token does not match a recording")
	}
	if err != nil {
		return nil, "", err
	}
	secret, err := scopeSecret(rec, scope)
	if err != nil {
		return nil, "", err
	}
	if !hmac.Equal([]byte(sig), []byte(signShare(secret, recordingID, scope))) {
		return nil, "", apperr.Unauthenticated("INVALID_SHARE_TOKEN", "share token signature mismatch")
	}
	return rec, scope, nil
}

func scopeSecret(rec *types.Recording, scope ShareScope) (string, error) {
	switch scope {
	case ShareScopePublic:
		return rec.AccessSecrets.Public, nil
	case ShareScopePrivate:
		return rec.AccessSecrets.Private, nil
	}
	return "", apperr.Unauthenticated("INVALID_SHARE_TOKEN", fmt.Sprintf("unknown share scope %q", scope))
}

func signShare(secret, recordingID string, scope ShareScope) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(recordingID + "." + string(scope)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
