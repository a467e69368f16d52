package webhook

import (
	"context"
	"net/http"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lkwebhook "github.com/livekit/protocol/webhook"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/logging"
)

// RoomEvents is the room-lifecycle side of webhook handling.
type RoomEvents interface {
	HandleRoomStarted(ctx context.Context, roomID string) error
	HandleRoomFinished(ctx context.Context, roomID string) error
	HandleParticipantLeft(ctx context.Context, roomID, identity string) error
}

// RecordingEvents is the egress side of webhook handling.
type RecordingEvents interface {
	HandleEgressUpdate(ctx context.Context, info *livekit.EgressInfo) error
}

// Receiver authenticates media-server callbacks and routes them to the
// domain services. Events it does not track are acknowledged and dropped so
// the media server stops resending them.
type Receiver struct {
	keys  auth.KeyProvider
	rooms RoomEvents
	recs  RecordingEvents
}

func NewReceiver(keys auth.KeyProvider, rooms RoomEvents, recs RecordingEvents) *Receiver {
	return &Receiver{keys: keys, rooms: rooms, recs: recs}
}

// Receive verifies the request signature against the media-server API
// secret and dispatches the event. The request body is consumed.
func (r *Receiver) Receive(req *http.Request) error {
	ev, err := lkwebhook.ReceiveWebhookEvent(req, r.keys)
	if err != nil {
		return apperr.Wrap(err, apperr.KindUnauthenticated, "INVALID_WEBHOOK_SIGNATURE",
			"webhook signature verification failed")
	}

	ctx := req.Context()
	switch ev.Event {
	case lkwebhook.EventRoomStarted:
		if ev.Room == nil {
			return nil
		}
		return r.rooms.HandleRoomStarted(ctx, ev.Room.Name)
	case lkwebhook.EventRoomFinished:
		if ev.Room == nil {
			return nil
		}
		return r.rooms.HandleRoomFinished(ctx, ev.Room.Name)
	case lkwebhook.EventParticipantLeft:
		if ev.Room == nil || ev.Participant == nil {
			return nil
		}
		return r.rooms.HandleParticipantLeft(ctx, ev.Room.Name, ev.Participant.Identity)
	case lkwebhook.EventEgressStarted, lkwebhook.EventEgressUpdated, lkwebhook.EventEgressEnded:
		if ev.EgressInfo == nil {
			return nil
		}
		return r.recs.HandleEgressUpdate(ctx, ev.EgressInfo)
	default:
		logging.Debug(ctx, "Ignoring untracked media-server event", zap.String("event", ev.Event))
		return nil
	}
}
