// Package livekit wraps the media server's server-side APIs. Every call runs
// through one shared circuit breaker so a media-server outage degrades into
// fast DEPENDENCY_UNAVAILABLE errors instead of piled-up timeouts, and
// request metrics live in a single place.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/sony/gobreaker"
	"github.com/twitchtv/twirp"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/metrics"
)

// roomAPI is the slice of lksdk.RoomServiceClient the control plane calls.
type roomAPI interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	ListParticipants(ctx context.Context, req *livekit.ListParticipantsRequest) (*livekit.ListParticipantsResponse, error)
	RemoveParticipant(ctx context.Context, req *livekit.RoomParticipantIdentity) (*livekit.RemoveParticipantResponse, error)
}

// egressAPI is the slice of lksdk.EgressClient the recording engine calls.
type egressAPI interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
}

// Config carries the media server endpoint and API credentials.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
}

// Client talks to the media server's room and egress services.
type Client struct {
	rooms     roomAPI
	egress    egressAPI
	cb        *gobreaker.CircuitBreaker
	apiKey    string
	apiSecret string
}

// New builds the client. The URL accepts ws(s):// or http(s):// forms; the
// SDK normalizes either.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit: url, api key, and api secret are all required")
	}

	st := gobreaker.Settings{
		Name:        "livekit",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		// An RPC rejection (not found, bad request) is the server answering,
		// not the server being down; only transport-level failures trip.
		IsSuccessful: func(err error) bool {
			return err == nil || !isOutage(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.MediaServerBreakerState.Set(stateVal)
		},
	}

	return &Client{
		rooms:     lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		egress:    lksdk.NewEgressClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		cb:        gobreaker.NewCircuitBreaker(st),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
	}, nil
}

// isOutage reports whether an RPC failure means the media server itself is
// unhealthy rather than a well-formed rejection of this request.
func isOutage(err error) bool {
	var te twirp.Error
	if !errors.As(err, &te) {
		return true
	}
	switch te.Code() {
	case twirp.Unavailable, twirp.Internal, twirp.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func isTwirpNotFound(err error) bool {
	var te twirp.Error
	return errors.As(err, &te) && te.Code() == twirp.NotFound
}

// do runs one media-server call through the circuit breaker, recording
// metrics and mapping outages onto the dependency-unavailable error kind.
// Twirp-level rejections come back unmapped for the caller to interpret.
func (c *Client) do(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := c.cb.Execute(fn)
	metrics.MediaServerRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MediaServerRequestsTotal.WithLabelValues(op, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Unavailable(err, "media server circuit breaker open")
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Cancelled(err)
		}
		if isOutage(err) {
			return nil, apperr.Unavailable(err, fmt.Sprintf("media server %s failed", op))
		}
		return nil, err
	}

	metrics.MediaServerRequestsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// RoomOptions shape the media-server room created for a meeting.
type RoomOptions struct {
	// EmptyTimeout closes the room when nobody ever joins.
	EmptyTimeout time.Duration
	// DepartureTimeout closes the room after the last participant leaves.
	DepartureTimeout time.Duration
	// Metadata is an opaque JSON blob readable by room participants.
	Metadata string
}

// EnsureRoom creates the media-server room, or returns the existing one when
// a concurrent token request already created it.
func (c *Client) EnsureRoom(ctx context.Context, roomID string, opts RoomOptions) (*livekit.Room, error) {
	res, err := c.do(ctx, "create_room", func() (any, error) {
		return c.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
			Name:             roomID,
			EmptyTimeout:     uint32(opts.EmptyTimeout.Seconds()),
			DepartureTimeout: uint32(opts.DepartureTimeout.Seconds()),
			Metadata:         opts.Metadata,
		})
	})
	if err != nil {
		return nil, err
	}
	return res.(*livekit.Room), nil
}

// ActiveRoom looks up the live media-server room for a meeting. The second
// return reports whether one exists.
func (c *Client) ActiveRoom(ctx context.Context, roomID string) (*livekit.Room, bool, error) {
	res, err := c.do(ctx, "list_rooms", func() (any, error) {
		return c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{roomID}})
	})
	if err != nil {
		return nil, false, err
	}
	rooms := res.(*livekit.ListRoomsResponse).Rooms
	if len(rooms) == 0 {
		return nil, false, nil
	}
	return rooms[0], true, nil
}

// DeleteRoom tears down the live room, disconnecting everyone in it. Deleting
// a room that already closed is not an error.
func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := c.do(ctx, "delete_room", func() (any, error) {
		return c.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomID})
	})
	if isTwirpNotFound(err) {
		return nil
	}
	return err
}

// Participants lists who is connected to the live room. A meeting with no
// live room has no participants.
func (c *Client) Participants(ctx context.Context, roomID string) ([]*livekit.ParticipantInfo, error) {
	res, err := c.do(ctx, "list_participants", func() (any, error) {
		return c.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomID})
	})
	if isTwirpNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res.(*livekit.ListParticipantsResponse).Participants, nil
}

// RemoveParticipant disconnects one participant by identity.
func (c *Client) RemoveParticipant(ctx context.Context, roomID, identity string) error {
	_, err := c.do(ctx, "remove_participant", func() (any, error) {
		return c.rooms.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
			Room:     roomID,
			Identity: identity,
		})
	})
	if isTwirpNotFound(err) {
		return apperr.NotFound("PARTICIPANT_NOT_FOUND",
			fmt.Sprintf("participant %q is not connected to room %q", identity, roomID))
	}
	return err
}

// EgressOptions shape a room-composite recording.
type EgressOptions struct {
	// Filepath is where the egress deployment writes the MP4, relative to
	// its configured output location.
	Filepath string
	// Layout selects the composite template; empty means grid.
	Layout string
}

// StartRecording starts a room-composite egress producing a single MP4.
func (c *Client) StartRecording(ctx context.Context, roomID string, opts EgressOptions) (*livekit.EgressInfo, error) {
	layout := opts.Layout
	if layout == "" {
		layout = "grid"
	}
	res, err := c.do(ctx, "start_egress", func() (any, error) {
		return c.egress.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
			RoomName: roomID,
			Layout:   layout,
			FileOutputs: []*livekit.EncodedFileOutput{{
				FileType: livekit.EncodedFileType_MP4,
				Filepath: opts.Filepath,
			}},
		})
	})
	if isTwirpNotFound(err) {
		return nil, apperr.NotFound("MEETING_NOT_FOUND",
			fmt.Sprintf("room %q has no live meeting to record", roomID))
	}
	if err != nil {
		return nil, err
	}
	return res.(*livekit.EgressInfo), nil
}

// StopRecording asks the egress to finalize. The recording row advances on
// the resulting webhook, not on this response.
func (c *Client) StopRecording(ctx context.Context, egressID string) (*livekit.EgressInfo, error) {
	res, err := c.do(ctx, "stop_egress", func() (any, error) {
		return c.egress.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID})
	})
	if isTwirpNotFound(err) {
		return nil, apperr.NotFound("EGRESS_NOT_FOUND",
			fmt.Sprintf("egress %q is not running", egressID))
	}
	if err != nil {
		return nil, err
	}
	return res.(*livekit.EgressInfo), nil
}

// Ping verifies the media server answers API calls. Used by readiness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", func() (any, error) {
		return c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{"__healthz"}})
	})
	return err
}
