package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshcall/core/internal/v1/clock"
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

type allConnected struct{ down map[types.Sid]bool }

func (a allConnected) IsConnected(sid types.Sid) bool { return !a.down[sid] }

type fakeTokenMinter struct {
	fail bool
}

func (f *fakeTokenMinter) MintToken(_ context.Context, roomName string, identity types.UserID) (string, error) {
	if f.fail {
		return "", errors.New("mint failed")
	}
	return "token-" + roomName + "-" + string(identity), nil
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[types.Sid][]types.RoomID
	left  []recordedLeave
}

type recordedLeave struct {
	sid    types.Sid
	roomID types.RoomID
}

func newFakeRooms(initial map[types.Sid][]types.RoomID) *fakeRooms {
	return &fakeRooms{rooms: initial}
}

func (f *fakeRooms) RoomsOf(_ context.Context, sid types.Sid) []types.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[sid]
}

func (f *fakeRooms) Leave(_ context.Context, sid types.Sid, roomID types.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, recordedLeave{sid: sid, roomID: roomID})
	delete(f.rooms, sid)
	return nil
}

func newTestMatcher(qs store.QueueStore, fc *clock.Fake, emit *fakeEmitter, conn ConnectionChecker) (*Matcher, *presence.Registry) {
	registry := presence.NewRegistry()
	m := New(qs, fc, registry, conn, emit, &fakeTokenMinter{}, nil)
	return m, registry
}

func TestMatcher_Start_NoCandidate_StaysQueued(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, _ := newTestMatcher(qs, fc, emit, allConnected{})

	require.NoError(t, m.Start(ctx, "sid-1"))

	inQueue, _ := qs.IsInQueue(ctx, "sid-1")
	assert.True(t, inQueue)
	assert.Empty(t, emit.find("match_found"))
}

func TestMatcher_Start_PairsTwoWaitingSids(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, registry := newTestMatcher(qs, fc, emit, allConnected{})
	registry.BindUser("sid-1", "user-a")
	registry.BindUser("sid-2", "user-b")

	require.NoError(t, m.Start(ctx, "sid-1"))
	require.NoError(t, m.Start(ctx, "sid-2"))

	found := emit.find("match_found")
	require.Len(t, found, 2)

	partner, ok, err := qs.GetPartner(ctx, "sid-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.Sid("sid-2"), partner)

	inQueue, _ := qs.IsInQueue(ctx, "sid-1")
	assert.False(t, inQueue)

	mf, ok := found[0].payload.(MatchFound)
	require.True(t, ok)
	assert.NotEmpty(t, mf.LivekitToken)
	assert.Equal(t, types.RoomID(types.SidRoomID("sid-1", "sid-2")), mf.RoomID)
}

func TestMatcher_Start_SkipsSameUserAcrossDevices(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, registry := newTestMatcher(qs, fc, emit, allConnected{})
	registry.BindUser("sid-1", "user-a")
	registry.BindUser("sid-2", "user-a") // same user, two devices

	require.NoError(t, m.Start(ctx, "sid-1"))
	require.NoError(t, m.Start(ctx, "sid-2"))

	assert.Empty(t, emit.find("match_found"))
	inQueue1, _ := qs.IsInQueue(ctx, "sid-1")
	inQueue2, _ := qs.IsInQueue(ctx, "sid-2")
	assert.True(t, inQueue1)
	assert.True(t, inQueue2)
}

func TestMatcher_Start_SkipsDisconnectedCandidate(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	conn := allConnected{down: map[types.Sid]bool{"sid-1": true}}
	m, _ := newTestMatcher(qs, fc, emit, conn)

	require.NoError(t, qs.AddToQueue(ctx, "sid-1", time.Now()))
	require.NoError(t, m.Start(ctx, "sid-2"))

	assert.Empty(t, emit.find("match_found"))
}

func TestMatcher_Stop_NotifiesPartner(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, _ := newTestMatcher(qs, fc, emit, allConnected{})

	require.NoError(t, qs.SetPair(ctx, "sid-1", "sid-2"))
	m.Stop(ctx, "sid-1")

	_, ok, _ := qs.GetPartner(ctx, "sid-1")
	assert.False(t, ok)
	stopped := emit.find("peer:stopped")
	require.Len(t, stopped, 1)
	assert.Equal(t, types.Sid("sid-2"), stopped[0].sid)
}

func TestMatcher_Disconnect_NoopWhileNexting(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, _ := newTestMatcher(qs, fc, emit, allConnected{})

	require.NoError(t, qs.SetPair(ctx, "sid-1", "sid-2"))
	m.Next(ctx, "sid-1") // sets isNexting before the debounce fires

	m.Disconnect(ctx, "sid-1")

	// Partnership must still exist; disconnect deferred to the next handler.
	_, ok, _ := qs.GetPartner(ctx, "sid-1")
	assert.True(t, ok)
}

func TestMatcher_Next_DebouncesAndReEnqueues(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, _ := newTestMatcher(qs, fc, emit, allConnected{})

	require.NoError(t, qs.SetPair(ctx, "sid-1", "sid-2"))
	// A third waiting sid takes the evicted partner; with only two sids
	// queued the pair-ban is bypassed and sid-1 would be rematched at once.
	require.NoError(t, qs.AddToQueue(ctx, "sid-3", fc.Now()))

	m.Next(ctx, "sid-1")
	fc.Advance(nextDebounce)
	fc.Advance(nextSettleDelay)

	_, ok, _ := qs.GetPartner(ctx, "sid-1")
	assert.False(t, ok)
	inQueue, _ := qs.IsInQueue(ctx, "sid-1")
	assert.True(t, inQueue)

	left := emit.find("peer:left")
	require.Len(t, left, 1)
	assert.Equal(t, types.Sid("sid-2"), left[0].sid)
}

func TestMatcher_TryMatch_BanPreventsImmediateRematch(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, _ := newTestMatcher(qs, fc, emit, allConnected{})

	require.NoError(t, qs.BanPair(ctx, "sid-1", "sid-2", banTTL))
	require.NoError(t, qs.AddToQueue(ctx, "sid-2", time.Now()))
	require.NoError(t, qs.AddToQueue(ctx, "sid-3", time.Now().Add(time.Millisecond)))

	m.tryMatch(ctx, "sid-1")

	partner, ok, _ := qs.GetPartner(ctx, "sid-1")
	require.True(t, ok)
	assert.Equal(t, types.Sid("sid-3"), partner, "banned sid-2 must be skipped in favor of sid-3")
}

func TestMatcher_TryMatch_SmallCohortIgnoresBan(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	m, _ := newTestMatcher(qs, fc, emit, allConnected{})

	require.NoError(t, qs.BanPair(ctx, "sid-1", "sid-2", banTTL))
	require.NoError(t, qs.AddToQueue(ctx, "sid-2", time.Now()))

	m.tryMatch(ctx, "sid-1")

	partner, ok, _ := qs.GetPartner(ctx, "sid-1")
	require.True(t, ok, "ban must be bypassed when the cohort is this small")
	assert.Equal(t, types.Sid("sid-2"), partner)
}

func TestMatcher_Start_ClearsStaleRoomMemberships(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	registry := presence.NewRegistry()
	rooms := newFakeRooms(map[types.Sid][]types.RoomID{"sid-1": {"room_stale"}})
	m := New(qs, fc, registry, allConnected{}, emit, &fakeTokenMinter{}, rooms)

	require.NoError(t, m.Start(ctx, "sid-1"))

	require.Len(t, rooms.left, 1)
	assert.Equal(t, types.Sid("sid-1"), rooms.left[0].sid)
	assert.Equal(t, types.RoomID("room_stale"), rooms.left[0].roomID)
}

func TestMatcher_RunNext_ClearsEvictedPartnerStaleRoomMemberships(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	registry := presence.NewRegistry()
	rooms := newFakeRooms(map[types.Sid][]types.RoomID{"sid-2": {"room_a_b"}})
	m := New(qs, fc, registry, allConnected{}, emit, &fakeTokenMinter{}, rooms)

	require.NoError(t, qs.SetPair(ctx, "sid-1", "sid-2"))

	m.Next(ctx, "sid-1")
	fc.Advance(nextDebounce)
	fc.Advance(nextSettleDelay)

	require.Len(t, rooms.left, 1)
	assert.Equal(t, types.Sid("sid-2"), rooms.left[0].sid)
	assert.Equal(t, types.RoomID("room_a_b"), rooms.left[0].roomID)
}

func TestMatcher_Mint_FailureDegradesToNullToken(t *testing.T) {
	ctx := context.Background()
	qs := store.NewMemoryStore()
	fc := clock.NewFake(time.Now())
	emit := &fakeEmitter{}
	registry := presence.NewRegistry()
	m := New(qs, fc, registry, allConnected{}, emit, &fakeTokenMinter{fail: true}, nil)

	require.NoError(t, qs.AddToQueue(ctx, "sid-2", time.Now()))
	m.tryMatch(ctx, "sid-1")

	found := emit.find("match_found")
	require.Len(t, found, 2)
	mf := found[0].payload.(MatchFound)
	assert.Empty(t, mf.LivekitToken)
}
