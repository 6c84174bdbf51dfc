package signaling

import (
	"context"
	"sync"
	"testing"

	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/store"
	"github.com/meshcall/core/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	sid     types.Sid
	event   string
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEmitter) EmitToSid(_ context.Context, sid types.Sid, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{sid: sid, event: event, payload: payload})
}

func (f *fakeEmitter) find(event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type allConnected struct{}

func (allConnected) IsConnected(types.Sid) bool { return true }

func newTestForwarder() (*Forwarder, *presence.Registry, *fakeEmitter, store.QueueStore) {
	registry := presence.NewRegistry()
	qs := store.NewMemoryStore()
	emit := &fakeEmitter{}
	broadcaster := presence.NewBroadcaster(registry, noFriends{}, noUserEmit{})
	f := New(qs, registry, allConnected{}, emit, broadcaster)
	return f, registry, emit, qs
}

type noFriends struct{}

func (noFriends) Friends(context.Context, types.UserID) ([]types.UserID, error) { return nil, nil }

type noUserEmit struct{}

func (noUserEmit) EmitToUser(context.Context, types.UserID, string, any) {}
func (noUserEmit) EmitGlobal(context.Context, string, any)               {}

func TestForwarder_JoinAck_FirstMemberNoPeerConnected(t *testing.T) {
	ctx := context.Background()
	f, _, emit, _ := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	assert.Empty(t, emit.find("peer:connected"))
	assert.ElementsMatch(t, []types.Sid{"sid-a"}, f.Members(ctx, "room_a_b"))
}

func TestForwarder_JoinAck_SecondMemberAnnouncesBothWays(t *testing.T) {
	ctx := context.Background()
	f, registry, emit, _ := newTestForwarder()
	registry.BindUser("sid-a", "user-a")
	registry.BindUser("sid-b", "user-b")

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_a_b"))

	connected := emit.find("peer:connected")
	require.Len(t, connected, 2)
}

func TestForwarder_JoinAck_RoomFullRejectsThird(t *testing.T) {
	ctx := context.Background()
	f, _, emit, _ := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_x"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_x"))

	err := f.JoinAck(ctx, "sid-c", "room_x")
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Len(t, emit.find("call:busy"), 1)
}

func TestForwarder_JoinAck_AlreadyMemberIsNoop(t *testing.T) {
	ctx := context.Background()
	f, _, _, _ := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	assert.Len(t, f.Members(ctx, "room_a_b"), 1)
}

func TestForwarder_Forward_RoomWideExcludesSender(t *testing.T) {
	ctx := context.Background()
	f, _, emit, _ := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_a_b"))

	f.Forward(ctx, "offer", "sid-a", "room_a_b", "", map[string]any{"offer": "sdp"})

	offers := emit.find("offer")
	require.Len(t, offers, 1)
	assert.Equal(t, types.Sid("sid-b"), offers[0].sid)
}

func TestForwarder_Forward_DirectToSid(t *testing.T) {
	ctx := context.Background()
	f, _, emit, _ := newTestForwarder()

	f.Forward(ctx, "answer", "sid-a", "", "sid-b", map[string]any{"answer": "sdp"})

	answers := emit.find("answer")
	require.Len(t, answers, 1)
	assert.Equal(t, types.Sid("sid-b"), answers[0].sid)
}

func TestForwarder_Forward_Hangup_BroadcastsToAllSenderRooms(t *testing.T) {
	ctx := context.Background()
	f, _, emit, _ := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_1"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_1"))
	require.NoError(t, f.Join(ctx, "sid-a", "room_2"))
	require.NoError(t, f.Join(ctx, "sid-c", "room_2"))

	f.Forward(ctx, "hangup", "sid-a", "", "", nil)

	hangups := emit.find("hangup")
	targets := map[types.Sid]bool{}
	for _, h := range hangups {
		targets[h.sid] = true
	}
	assert.True(t, targets["sid-b"])
	assert.True(t, targets["sid-c"])
}

func TestForwarder_RoomLeave_NotifiesRemainingMemberWithPeerStopped(t *testing.T) {
	ctx := context.Background()
	f, _, emit, qs := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_a_b"))

	f.RoomLeave(ctx, "sid-a", "room_a_b")

	stopped := emit.find("peer:stopped")
	require.Len(t, stopped, 1)
	assert.Equal(t, types.Sid("sid-b"), stopped[0].sid)
	assert.Empty(t, emit.find("call:ended"))

	busy, _ := qs.IsBusy(ctx, "sid-a")
	assert.False(t, busy)
}

func TestForwarder_Disconnect_ClearsRoomsAndNotifies(t *testing.T) {
	ctx := context.Background()
	f, _, emit, qs := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_a_b"))
	require.NoError(t, qs.SetBusy(ctx, "sid-b", true))

	f.Disconnect(ctx, "sid-a")

	disconnected := emit.find("disconnected")
	require.Len(t, disconnected, 1)
	assert.Equal(t, types.Sid("sid-b"), disconnected[0].sid)

	busyB, _ := qs.IsBusy(ctx, "sid-b")
	assert.False(t, busyB)
	assert.ElementsMatch(t, []types.Sid{"sid-b"}, f.Members(ctx, "room_a_b"))
}

func TestForwarder_CamToggle_RelaysToRoomAndDirectPartner(t *testing.T) {
	ctx := context.Background()
	f, _, emit, qs := newTestForwarder()

	require.NoError(t, f.JoinAck(ctx, "sid-a", "room_a_b"))
	require.NoError(t, f.JoinAck(ctx, "sid-b", "room_a_b"))
	require.NoError(t, qs.SetPair(ctx, "sid-a", "sid-c"))

	f.CamToggle(ctx, "sid-a", true)

	toggles := emit.find("cam-toggle")
	targets := map[types.Sid]bool{}
	for _, e := range toggles {
		targets[e.sid] = true
	}
	assert.True(t, targets["sid-b"])
	assert.True(t, targets["sid-c"])
}

func TestForwarder_CamToggle_IgnoresClientSuppliedPartner(t *testing.T) {
	ctx := context.Background()
	f, _, emit, _ := newTestForwarder()

	// No PairTable entry for sid-a: a direct-partner relay must not happen
	// even though the caller might wish to target an arbitrary sid.
	f.CamToggle(ctx, "sid-a", true)

	assert.Empty(t, emit.find("cam-toggle"))
}
