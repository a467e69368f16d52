package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovmeet/backend/internal/v1/auth"
	"github.com/ovmeet/backend/internal/v1/types"
)

func issueToken(t *testing.T, f *testAPI, body map[string]any) map[string]string {
	t.Helper()
	w := f.do(http.MethodPost, "/api/v1/participants/token", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestParticipants_AnonymousJoinByDefault(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	issued := issueToken(t, f, map[string]any{"roomId": room.RoomID, "name": "Alice"})
	assert.NotEmpty(t, issued["token"])
	assert.Equal(t, "Alice", issued["assignedName"])
	assert.NotEmpty(t, issued["reservationToken"])
}

func TestParticipants_TokenRequiresRoomID(t *testing.T) {
	f := newTestAPI(t)

	w := f.do(http.MethodPost, "/api/v1/participants/token", "", map[string]any{"name": "Alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_BODY")
}

func TestParticipants_ClosedRoomRefusesJoin(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusClosed)

	w := f.do(http.MethodPost, "/api/v1/participants/token", "", map[string]any{"roomId": room.RoomID, "name": "Alice"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "ROOM_CLOSED")
}

func TestParticipants_AuthRequiredBlocksAnonymous(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	cfg, err := f.cfgRepo.Get(context.Background())
	require.NoError(t, err)
	cfg.Security.AuthRequiredToJoinRoom = true
	require.NoError(t, f.cfgRepo.Upsert(context.Background(), cfg))

	w := f.do(http.MethodPost, "/api/v1/participants/token", "", map[string]any{"roomId": room.RoomID, "name": "Alice"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")

	// The same request with a valid token goes through.
	token := f.seedLogin(t, "member", types.UserRoleUser)
	w = f.do(http.MethodPost, "/api/v1/participants/token", token, map[string]any{"roomId": room.RoomID, "name": "Alice"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestParticipants_AuthRequiredStillRejectsGarbageToken(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	w := f.do(http.MethodPost, "/api/v1/participants/token", "garbage", map[string]any{"roomId": room.RoomID, "name": "Alice"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestParticipants_NameCollisionGetsSuffix(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	first := issueToken(t, f, map[string]any{"roomId": room.RoomID, "name": "Alice"})
	second := issueToken(t, f, map[string]any{"roomId": room.RoomID, "name": "Alice"})

	assert.Equal(t, "Alice", first["assignedName"])
	assert.NotEqual(t, "Alice", second["assignedName"])
	assert.NotEqual(t, first["reservationToken"], second["reservationToken"])
}

func TestParticipants_RefreshWithReservation(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	issued := issueToken(t, f, map[string]any{"roomId": room.RoomID, "name": "Alice"})

	w := f.do(http.MethodPost, "/api/v1/participants/token/refresh", "", map[string]any{
		"roomId":           room.RoomID,
		"name":             issued["assignedName"],
		"reservationToken": issued["reservationToken"],
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var refreshed map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.Equal(t, "Alice", refreshed["assignedName"])
	assert.NotEmpty(t, refreshed["token"])
}

func TestParticipants_RefreshWithBogusReservation(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	issueToken(t, f, map[string]any{"roomId": room.RoomID, "name": "Alice"})

	w := f.do(http.MethodPost, "/api/v1/participants/token/refresh", "", map[string]any{
		"roomId":           room.RoomID,
		"name":             "Alice",
		"reservationToken": "stolen",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_RESERVATION")
}

func TestParticipants_InternalSurfaceSkipsJoinRule(t *testing.T) {
	f := newTestAPI(t)
	room := f.seedRoom(types.RoomStatusOpen)

	cfg, err := f.cfgRepo.Get(context.Background())
	require.NoError(t, err)
	cfg.Security.AuthRequiredToJoinRoom = true
	require.NoError(t, f.cfgRepo.Upsert(context.Background(), cfg))

	key, err := f.auth.CreateAPIKey(context.Background(), auth.CreateKeyOptions{})
	require.NoError(t, err)

	w := f.doKeyed(http.MethodPost, "/internal-api/v1/participants/token", key.Key, map[string]any{
		"roomId": room.RoomID,
		"name":   "Backend",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
