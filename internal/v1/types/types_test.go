package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomStatusConstants(t *testing.T) {
	assert.Equal(t, RoomStatus("open"), RoomStatusOpen)
	assert.Equal(t, RoomStatus("active_meeting"), RoomStatusActiveMeeting)
	assert.Equal(t, RoomStatus("closed"), RoomStatusClosed)
}

func TestValidateRoomName_Valid(t *testing.T) {
	assert.NoError(t, ValidateRoomName("Weekly Standup"))
	assert.NoError(t, ValidateRoomName(strings.Repeat("a", 50)))
}

func TestValidateRoomName_Empty(t *testing.T) {
	assert.Error(t, ValidateRoomName(""))
	assert.Error(t, ValidateRoomName("   "))
}

func TestValidateRoomName_TooLong(t *testing.T) {
	assert.Error(t, ValidateRoomName(strings.Repeat("a", 51)))
}

func TestRecordingID_RoundTrip(t *testing.T) {
	id := NewRecordingID("demo-a1b2c3", "EG_xJ9mK2")
	assert.Equal(t, "demo-a1b2c3--EG_xJ9mK2", id)

	roomID, uid, err := ParseRecordingID(id)
	require.NoError(t, err)
	assert.Equal(t, "demo-a1b2c3", roomID)
	assert.Equal(t, "EG_xJ9mK2", uid)
}

func TestRecordingID_Malformed(t *testing.T) {
	for _, bad := range []string{"", "no-separator", "--onlyuid", "onlyroom--"} {
		_, _, err := ParseRecordingID(bad)
		assert.Error(t, err, "expected error for %q", bad)
	}
}

func TestRecordingStatus_IsTerminal(t *testing.T) {
	terminal := []RecordingStatus{
		RecordingStatusComplete,
		RecordingStatusFailed,
		RecordingStatusAborted,
		RecordingStatusLimitReached,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []RecordingStatus{
		RecordingStatusStarting,
		RecordingStatusActive,
		RecordingStatusEnding,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestRoom_IsExpired(t *testing.T) {
	now := time.Now().UnixMilli()

	r := Room{RoomID: "r1"}
	assert.False(t, r.IsExpired(now), "room without auto-deletion date never expires")

	r.AutoDeletionDate = now - 1000
	assert.True(t, r.IsExpired(now))

	r.AutoDeletionDate = now + time.Hour.Milliseconds()
	assert.False(t, r.IsExpired(now))
}

func TestValidParticipantRole(t *testing.T) {
	assert.True(t, ValidParticipantRole(ParticipantRoleModerator))
	assert.True(t, ValidParticipantRole(ParticipantRolePublisher))
	assert.True(t, ValidParticipantRole(ParticipantRoleViewer))
	assert.False(t, ValidParticipantRole("host"))
	assert.False(t, ValidParticipantRole(""))
}

func TestDefaultGlobalConfig(t *testing.T) {
	cfg := DefaultGlobalConfig()
	assert.Equal(t, GlobalConfigID, cfg.ID)
	assert.False(t, cfg.Webhooks.Enabled)
	assert.Equal(t, SchemaVersionConfig, cfg.SchemaVersion)
}

func TestDefaultRoomConfig(t *testing.T) {
	cfg := DefaultRoomConfig()
	assert.True(t, cfg.Chat.Enabled)
	assert.True(t, cfg.Recording.Enabled)
	assert.Equal(t, RecordingAccessAdminModerator, cfg.Recording.AllowAccess)
}
