package livekit

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/ovmeet/backend/internal/v1/types"
)

// DefaultTokenTTL bounds a participant token's validity. Tokens gate joining
// only; an expired token does not disconnect a participant already in the
// room.
const DefaultTokenTTL = 6 * time.Hour

// ParticipantTokenOptions describe one join grant.
type ParticipantTokenOptions struct {
	RoomID string
	// Identity must be unique within the room; the control plane uses the
	// assigned display name.
	Identity string
	Role     types.ParticipantRole
	// Metadata is an opaque JSON blob other participants can read.
	Metadata string
	// TTL overrides DefaultTokenTTL when positive.
	TTL time.Duration
}

// ParticipantToken mints the media-server access token for one participant.
// Moderators get room-admin powers on top of publishing, publishers can send
// and receive media, viewers only receive.
func (c *Client) ParticipantToken(opts ParticipantTokenOptions) (string, error) {
	if opts.RoomID == "" || opts.Identity == "" {
		return "", fmt.Errorf("livekit: token needs a room and an identity")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	grant := &auth.VideoGrant{
		Room:     opts.RoomID,
		RoomJoin: true,
	}
	grant.SetCanSubscribe(true)
	switch opts.Role {
	case types.ParticipantRoleModerator:
		grant.RoomAdmin = true
		grant.SetCanPublish(true)
		grant.SetCanPublishData(true)
	case types.ParticipantRolePublisher:
		grant.SetCanPublish(true)
		grant.SetCanPublishData(true)
	case types.ParticipantRoleViewer:
		grant.SetCanPublish(false)
		grant.SetCanPublishData(false)
	default:
		return "", fmt.Errorf("livekit: unknown participant role %q", opts.Role)
	}

	at := auth.NewAccessToken(c.apiKey, c.apiSecret).
		SetIdentity(opts.Identity).
		SetName(opts.Identity).
		SetValidFor(ttl).
		SetMetadata(opts.Metadata).
		SetVideoGrant(grant)
	return at.ToJWT()
}

// KeyProvider exposes the API credentials for webhook signature checks.
func (c *Client) KeyProvider() auth.KeyProvider {
	return auth.NewSimpleKeyProvider(c.apiKey, c.apiSecret)
}
