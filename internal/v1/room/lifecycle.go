package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
	"github.com/ovmeet/backend/internal/v1/types"
)

// DeleteOutcome reports how a deletion request resolved.
type DeleteOutcome string

const (
	// OutcomeDeleted means the room row is gone.
	OutcomeDeleted DeleteOutcome = "deleted"
	// OutcomeDeferred means the deletion is parked until the current meeting
	// ends; the room row carries the pending action.
	OutcomeDeferred DeleteOutcome = "deferred"
)

// Delete applies the two-axis deletion policy to a room.
//
// The withMeeting axis decides what a live meeting does to the request:
// do_not_delete refuses, when_meeting_ends parks the deletion on the room row
// for the room_finished handler, force terminates the meeting first. The
// withRecordings axis decides what stored recordings do: do_not_delete and
// when_no_recordings refuse while recordings exist, force purges them. The
// one asymmetry: force-terminating a meeting with withRecordings
// do_not_delete deletes the room and leaves its recordings behind, still
// listable under the recordings API.
func (s *Service) Delete(ctx context.Context, roomID string, policy types.AutoDeletionPolicy) (DeleteOutcome, error) {
	if err := validatePolicy(policy); err != nil {
		return "", err
	}
	ctx = logging.WithRoom(ctx, roomID)

	var outcome DeleteOutcome
	err := s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		room, err := s.repo.Get(ctx, roomID)
		if err != nil {
			return err
		}
		out, err := s.applyDeletion(ctx, room, policy, room.HasActiveMeeting(), "api")
		if err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// applyDeletion runs the policy matrix against one room. meetingActive is
// passed explicitly because the deferred path executes after the meeting
// ended while the row still reads active_meeting.
func (s *Service) applyDeletion(ctx context.Context, room *types.Room, policy types.AutoDeletionPolicy, meetingActive bool, trigger string) (DeleteOutcome, error) {
	switch policy.WithMeeting {
	case types.WithMeetingDoNotDelete:
		if meetingActive {
			return "", apperr.Conflict("MEETING_IN_PROGRESS", "room has a meeting in progress")
		}
	case types.WithMeetingWhenMeetingEnds:
		if meetingActive {
			if err := s.repo.SetAutoDeletionPolicy(ctx, room.RoomID, policy); err != nil {
				return "", err
			}
			if err := s.repo.SetMeetingEndAction(ctx, room.RoomID, types.MeetingEndActionDelete); err != nil {
				return "", err
			}
			logging.Info(ctx, "Room deletion deferred until the meeting ends",
				zap.String("withRecordings", string(policy.WithRecordings)))
			return OutcomeDeferred, nil
		}
	case types.WithMeetingForce:
		if meetingActive {
			if err := s.media.DeleteRoom(ctx, room.RoomID); err != nil {
				return "", err
			}
			logging.Info(ctx, "Meeting terminated by forced deletion")
		}
	}

	purge := false
	switch policy.WithRecordings {
	case types.WithRecordingsForce:
		purge = true
	case types.WithRecordingsDoNotDelete:
		// Forced deletion outranks the recordings hold; the rows stay behind.
		if policy.WithMeeting != types.WithMeetingForce {
			if err := s.refuseWhenRecorded(ctx, room.RoomID); err != nil {
				return "", err
			}
		}
	case types.WithRecordingsWhenNoRecordings:
		if err := s.refuseWhenRecorded(ctx, room.RoomID); err != nil {
			return "", err
		}
	}

	if err := s.removeRoom(ctx, room, purge, trigger); err != nil {
		return "", err
	}
	return OutcomeDeleted, nil
}

func (s *Service) refuseWhenRecorded(ctx context.Context, roomID string) error {
	has, err := s.recs.HasRecordings(ctx, roomID)
	if err != nil {
		return err
	}
	if has {
		return apperr.Conflict("ROOM_HAS_RECORDINGS", "room has stored recordings")
	}
	return nil
}

// removeRoom is the point of no return: recordings purged when asked, names
// reclaimed, the media-server room torn down, and the row deleted.
func (s *Service) removeRoom(ctx context.Context, room *types.Room, purge bool, trigger string) error {
	if purge {
		if err := s.recs.PurgeByRoom(ctx, room.RoomID); err != nil {
			return err
		}
	}
	if err := s.names.ReleaseAll(ctx, room.RoomID); err != nil {
		logging.Warn(ctx, "Failed to release participant names", zap.Error(err))
	}
	if err := s.media.DeleteRoom(ctx, room.RoomID); err != nil {
		logging.Warn(ctx, "Failed to delete media-server room", zap.Error(err))
	}
	if err := s.repo.Delete(ctx, room.RoomID); err != nil {
		return err
	}
	metrics.RoomsDeletedTotal.WithLabelValues(trigger).Inc()
	logging.Info(ctx, "Room deleted",
		zap.String("trigger", trigger),
		zap.Bool("purgedRecordings", purge))
	return nil
}

// EndMeeting tears down the live media-server room. Status bookkeeping and
// the meetingEnded event follow from the room_finished webhook this
// triggers.
func (s *Service) EndMeeting(ctx context.Context, roomID string) error {
	ctx = logging.WithRoom(ctx, roomID)
	room, err := s.repo.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasActiveMeeting() {
		return apperr.Conflict("MEETING_NOT_ACTIVE", "room has no meeting in progress")
	}
	if err := s.media.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	logging.Info(ctx, "Meeting termination requested")
	return nil
}

// KickParticipant disconnects one participant from the live meeting.
func (s *Service) KickParticipant(ctx context.Context, roomID, participantName string) error {
	ctx = logging.WithRoom(ctx, roomID)
	room, err := s.repo.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasActiveMeeting() {
		return apperr.Conflict("MEETING_NOT_ACTIVE", "room has no meeting in progress")
	}
	if err := s.media.RemoveParticipant(ctx, roomID, participantName); err != nil {
		return err
	}
	// The participant_left webhook also releases the name; doing it here too
	// keeps the pool accurate when webhook delivery lags.
	if err := s.names.Release(ctx, roomID, participantName, ""); err != nil {
		logging.Warn(ctx, "Failed to release kicked participant's name",
			zap.String("participant", participantName), zap.Error(err))
	}
	logging.Info(ctx, "Participant removed", zap.String("participant", participantName))
	return nil
}

// HandleRoomStarted reconciles a room_started webhook: the room moves to
// active_meeting and meetingStarted is published. Events for rooms this
// control plane does not own, and duplicates, are dropped.
func (s *Service) HandleRoomStarted(ctx context.Context, roomID string) error {
	ctx = logging.WithRoom(ctx, roomID)
	_, err := s.repo.UpdateStatus(ctx, roomID,
		[]types.RoomStatus{types.RoomStatusOpen}, types.RoomStatusActiveMeeting)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound:
			logging.Warn(ctx, "Meeting started for unknown room")
			return nil
		case apperr.KindConflict:
			logging.Debug(ctx, "Ignoring meeting start for room not in open state")
			return nil
		}
		return err
	}

	metrics.ActiveRooms.Inc()
	s.publishMeetingEvent(ctx, types.EventMeetingStarted, roomID)
	logging.Info(ctx, "Meeting started")
	return nil
}

// HandleRoomFinished reconciles a room_finished webhook. The room's deferred
// end action decides where it lands: nothing parked reopens it, a parked
// close closes it, a parked delete re-runs the deletion with the stored
// policy now that the meeting is over. A parked delete blocked by
// recordings falls back to reopening the room.
func (s *Service) HandleRoomFinished(ctx context.Context, roomID string) error {
	ctx = logging.WithRoom(ctx, roomID)
	return s.withRoomLock(ctx, roomID, func(ctx context.Context) error {
		room, err := s.repo.Get(ctx, roomID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				logging.Debug(ctx, "Meeting finished for unknown room")
				return nil
			}
			return err
		}
		if !room.HasActiveMeeting() {
			logging.Debug(ctx, "Ignoring meeting finish for idle room")
			return nil
		}

		deleted := false
		action := room.MeetingEndAction
		if action == types.MeetingEndActionDelete {
			out, err := s.applyDeletion(ctx, room, room.AutoDeletionPolicy, false, "meeting_end")
			switch {
			case err == nil && out == OutcomeDeleted:
				deleted = true
			case err != nil && apperr.KindOf(err) != apperr.KindConflict:
				return err
			default:
				logging.Warn(ctx, "Deferred room deletion blocked by recordings", zap.Error(err))
				action = types.MeetingEndActionNone
			}
		}

		if !deleted {
			to := types.RoomStatusOpen
			if action == types.MeetingEndActionClose {
				to = types.RoomStatusClosed
			}
			if _, err := s.repo.UpdateStatus(ctx, roomID,
				[]types.RoomStatus{types.RoomStatusActiveMeeting}, to); err != nil {
				return err
			}
			if room.MeetingEndAction != types.MeetingEndActionNone {
				if err := s.repo.SetMeetingEndAction(ctx, roomID, types.MeetingEndActionNone); err != nil {
					return err
				}
			}
			if err := s.names.ReleaseAll(ctx, roomID); err != nil {
				logging.Warn(ctx, "Failed to release participant names", zap.Error(err))
			}
		}

		metrics.ActiveRooms.Dec()
		s.publishMeetingEvent(ctx, types.EventMeetingEnded, roomID)
		logging.Info(ctx, "Meeting ended", zap.String("endAction", string(room.MeetingEndAction)))
		return nil
	})
}

// HandleParticipantLeft frees the departed participant's display name for
// reuse.
func (s *Service) HandleParticipantLeft(ctx context.Context, roomID, identity string) error {
	if roomID == "" || identity == "" {
		return nil
	}
	return s.names.Release(logging.WithRoom(ctx, roomID), roomID, identity, "")
}

// RunGC deletes rooms whose auto-deletion date has passed, each under its
// own lease and stored policy. Rooms the policy refuses to delete stay and
// are retried on the next pass.
func (s *Service) RunGC(ctx context.Context) error {
	now := time.Now().UnixMilli()
	expired, err := s.repo.ListExpiring(ctx, now)
	if err != nil {
		return err
	}

	for _, candidate := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rctx := logging.WithRoom(ctx, candidate.RoomID)
		err := s.withRoomLock(rctx, candidate.RoomID, func(ctx context.Context) error {
			room, err := s.repo.Get(ctx, candidate.RoomID)
			if err != nil {
				return err
			}
			// The date may have moved while we waited on the lease.
			if !room.IsExpired(now) {
				return nil
			}
			out, err := s.applyDeletion(ctx, room, room.AutoDeletionPolicy, room.HasActiveMeeting(), "auto_deletion")
			if err != nil {
				return err
			}
			if out == OutcomeDeferred {
				logging.Debug(ctx, "Expired room deletion deferred until its meeting ends")
			}
			return nil
		})
		switch {
		case err == nil:
		case apperr.KindOf(err) == apperr.KindNotFound:
		case apperr.KindOf(err) == apperr.KindConflict:
			logging.Info(rctx, "Skipping expired room the policy refuses to delete", zap.Error(err))
		default:
			logging.Warn(rctx, "Failed to collect expired room", zap.Error(err))
		}
	}
	return nil
}
