package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSid(t *testing.T) {
	id := Sid("sid-123")
	assert.Equal(t, "sid-123", string(id))
}

func TestUserID(t *testing.T) {
	id := UserID("user-456")
	assert.Equal(t, "user-456", string(id))
}

func TestInstallID(t *testing.T) {
	id := InstallID("install-789")
	assert.Equal(t, "install-789", string(id))
}

func TestCallID(t *testing.T) {
	id := CallID("call-abc")
	assert.Equal(t, "call-abc", string(id))
}

func TestRoomID(t *testing.T) {
	id := RoomID("room-xyz")
	assert.Equal(t, "room-xyz", string(id))
}

func TestSidRoomID_OrderIndependent(t *testing.T) {
	a, b := Sid("sid-aaa"), Sid("sid-bbb")
	assert.Equal(t, SidRoomID(a, b), SidRoomID(b, a))
}

func TestSidRoomID_Format(t *testing.T) {
	got := SidRoomID(Sid("bbb"), Sid("aaa"))
	assert.Equal(t, RoomID("room_aaa_bbb"), got)
}

func TestUserRoomID_OrderIndependent(t *testing.T) {
	a, b := UserID("user-aaa"), UserID("user-bbb")
	assert.Equal(t, UserRoomID(a, b), UserRoomID(b, a))
}

func TestUserRoomID_Format(t *testing.T) {
	got := UserRoomID(UserID("bbb"), UserID("aaa"))
	assert.Equal(t, RoomID("room_aaa_bbb"), got)
}

func TestUserRoomID_StableAcrossReconnect(t *testing.T) {
	// Simulates the same two users reconnecting under new sids but the
	// same userIds: the media room name must not change.
	u1, u2 := UserID("user-1"), UserID("user-2")
	first := UserRoomID(u1, u2)
	second := UserRoomID(u1, u2)
	assert.Equal(t, first, second)
}
