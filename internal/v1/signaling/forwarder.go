// Package signaling implements the WebRTC signaling fan-out between the two
// peers of a room: join/leave, offer/answer/ICE/hangup forwarding, and
// media-control relay (camera toggle, picture-in-picture state).
package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/store"
	"github.com/meshcall/core/internal/v1/types"
	"k8s.io/utils/set"
)

// ErrRoomFull is returned by JoinAck when two peers already occupy the room.
var ErrRoomFull = errors.New("room_full")

// Emitter delivers an event to a single socket by sid.
type Emitter interface {
	EmitToSid(ctx context.Context, sid types.Sid, event string, payload any)
}

// UserResolver maps sids to the userIds needed for envelope enrichment and
// the `to`-as-userId fallback resolution.
type UserResolver interface {
	UserForSid(sid types.Sid) (types.UserID, bool)
	SidsForUser(userID types.UserID) []types.Sid
}

// ConnectionChecker answers whether a sid still has a live socket.
type ConnectionChecker interface {
	IsConnected(sid types.Sid) bool
}

// Forwarder is the SignalingForwarder (C7). It also implements
// call.RoomDirectory so the DirectCallManager can share the same room
// membership table.
type Forwarder struct {
	mu    sync.Mutex
	rooms map[types.RoomID]set.Set[types.Sid]
	// member tracks every room a sid currently belongs to, so hangup can
	// broadcast to all of them and disconnect can clear all of them.
	member map[types.Sid]set.Set[types.RoomID]

	store       store.QueueStore
	users       UserResolver
	connected   ConnectionChecker
	emit        Emitter
	broadcaster *presence.Broadcaster
}

// New wires a Forwarder to its collaborators.
func New(qs store.QueueStore, users UserResolver, connected ConnectionChecker, emit Emitter, broadcaster *presence.Broadcaster) *Forwarder {
	return &Forwarder{
		rooms:       make(map[types.RoomID]set.Set[types.Sid]),
		member:      make(map[types.Sid]set.Set[types.RoomID]),
		store:       qs,
		users:       users,
		connected:   connected,
		emit:        emit,
		broadcaster: broadcaster,
	}
}

// Join adds sid to roomID without the two-peer cap check (used by
// call.Manager, which enforces its own two-party invariant directly).
func (f *Forwarder) Join(_ context.Context, sid types.Sid, roomID types.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinLocked(sid, roomID)
	return nil
}

func (f *Forwarder) joinLocked(sid types.Sid, roomID types.RoomID) {
	if f.rooms[roomID] == nil {
		f.rooms[roomID] = set.New[types.Sid]()
	}
	f.rooms[roomID].Insert(sid)
	if f.member[sid] == nil {
		f.member[sid] = set.New[types.RoomID]()
	}
	f.member[sid].Insert(roomID)
}

// Members lists roomID's current occupants.
func (f *Forwarder) Members(_ context.Context, roomID types.RoomID) []types.Sid {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID].UnsortedList()
}

// RoomsOf satisfies match.RoomDirectory: every room sid currently belongs
// to, so a caller can force-clear stale room memberships left over from a
// prior match or call before re-enqueueing sid.
func (f *Forwarder) RoomsOf(_ context.Context, sid types.Sid) []types.RoomID {
	return f.roomsOf(sid)
}

// Leave removes sid from roomID, deleting the room entry once empty.
func (f *Forwarder) Leave(_ context.Context, sid types.Sid, roomID types.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveLocked(sid, roomID)
	return nil
}

func (f *Forwarder) leaveLocked(sid types.Sid, roomID types.RoomID) {
	f.rooms[roomID].Delete(sid)
	if f.rooms[roomID].Len() == 0 {
		delete(f.rooms, roomID)
	}
	f.member[sid].Delete(roomID)
	if f.member[sid].Len() == 0 {
		delete(f.member, sid)
	}
}

func (f *Forwarder) membersExcluding(roomID types.RoomID, self types.Sid) []types.Sid {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Sid, 0, f.rooms[roomID].Len())
	for _, s := range f.rooms[roomID].UnsortedList() {
		if s != self {
			out = append(out, s)
		}
	}
	return out
}

func (f *Forwarder) roomsOf(sid types.Sid) []types.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.member[sid].UnsortedList()
}

func (f *Forwarder) isMember(sid types.Sid, roomID types.RoomID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[roomID].Has(sid)
}

// JoinAck handles the `room:join:ack` event: joins sid to roomID unless the
// room already has two occupants, in which case it aborts with
// call:busy/room_full.
func (f *Forwarder) JoinAck(ctx context.Context, sid types.Sid, roomID types.RoomID) error {
	if f.isMember(sid, roomID) {
		return nil
	}
	others := f.membersExcluding(roomID, sid)
	if len(others) >= 2 {
		f.emit.EmitToSid(ctx, sid, "call:busy", map[string]any{"callId": roomID, "reason": "room_full"})
		return ErrRoomFull
	}

	f.mu.Lock()
	f.joinLocked(sid, roomID)
	f.mu.Unlock()

	selfUser, _ := f.users.UserForSid(sid)
	for _, other := range others {
		otherUser, _ := f.users.UserForSid(other)
		f.emit.EmitToSid(ctx, sid, "peer:connected", map[string]any{"peerId": other, "userId": otherUser})
		f.emit.EmitToSid(ctx, other, "peer:connected", map[string]any{"peerId": sid, "userId": selfUser})
	}
	return nil
}

// ConnectionEstablished marks sid busy and fans out the transition to
// friends (the `connection:established` event).
func (f *Forwarder) ConnectionEstablished(ctx context.Context, sid types.Sid) {
	_ = f.store.SetBusy(ctx, sid, true)
	if userID, ok := f.users.UserForSid(sid); ok {
		f.broadcaster.BroadcastBusy(ctx, userID, true)
	}
}

// Envelope is the common shape added to forwarded signaling payloads.
type Envelope struct {
	From       types.Sid    `json:"from"`
	FromUserID types.UserID `json:"fromUserId,omitempty"`
}

// Forward relays offer/answer/ice-candidate/hangup. If payload carries a
// roomId, it goes to every other room member (never the sender, to avoid
// self-echo). If sender is not yet a room member, it joins first. If only
// `to` is present, `to` is resolved as a sid then as a userId fallback.
// hangup additionally broadcasts to every room the sender belongs to.
func (f *Forwarder) Forward(ctx context.Context, event string, from types.Sid, roomID types.RoomID, to types.Sid, payload map[string]any) {
	fromUser, _ := f.users.UserForSid(from)
	envelope := map[string]any{}
	for k, v := range payload {
		envelope[k] = v
	}
	envelope["from"] = from
	envelope["fromUserId"] = fromUser

	switch {
	case roomID != "":
		if !f.isMember(from, roomID) {
			_ = f.Join(ctx, from, roomID)
		}
		envelope["roomId"] = roomID
		for _, other := range f.membersExcluding(roomID, from) {
			f.emit.EmitToSid(ctx, other, event, envelope)
		}
	case to != "":
		target := to
		if !f.connected.IsConnected(target) {
			if sids := f.users.SidsForUser(types.UserID(target)); len(sids) > 0 {
				target = sids[0]
			}
		}
		f.emit.EmitToSid(ctx, target, event, envelope)
	}

	if event == "hangup" {
		for _, r := range f.roomsOf(from) {
			for _, other := range f.membersExcluding(r, from) {
				f.emit.EmitToSid(ctx, other, event, envelope)
			}
		}
	}
}

// CamToggle forwards a camera-state change to every room the sender is in
// (excluding self) and, if the PairTable has sender paired with a partner,
// to that sid. The partner is always resolved server-side from the
// authoritative PairTable, never taken from the client-supplied payload, so
// a client can't redirect the relay to an arbitrary sid.
func (f *Forwarder) CamToggle(ctx context.Context, from types.Sid, enabled bool) {
	f.relayToRooms(ctx, "cam-toggle", from, map[string]any{"enabled": enabled})
	if partner, ok, err := f.store.GetPartner(ctx, from); err == nil && ok {
		fromUser, _ := f.users.UserForSid(from)
		f.emit.EmitToSid(ctx, partner, "cam-toggle", map[string]any{"enabled": enabled, "from": from, "fromUserId": fromUser})
	}
}

// PipEntered, PipExited, PipState follow the same room-wide relay as
// CamToggle.
func (f *Forwarder) PipEntered(ctx context.Context, from types.Sid) {
	f.relayToRooms(ctx, "pip:entered", from, nil)
}

func (f *Forwarder) PipExited(ctx context.Context, from types.Sid) {
	f.relayToRooms(ctx, "pip:exited", from, nil)
}

func (f *Forwarder) PipState(ctx context.Context, from types.Sid, state map[string]any) {
	f.relayToRooms(ctx, "pip:state", from, state)
}

func (f *Forwarder) relayToRooms(ctx context.Context, event string, from types.Sid, extra map[string]any) {
	fromUser, _ := f.users.UserForSid(from)
	payload := map[string]any{"from": from, "fromUserId": fromUser}
	for k, v := range extra {
		payload[k] = v
	}
	for _, r := range f.roomsOf(from) {
		for _, other := range f.membersExcluding(r, from) {
			f.emit.EmitToSid(ctx, other, event, payload)
		}
	}
}

// RoomLeave handles `room:leave`: clears busy, leaves roomID, and notifies
// the sole remaining member with peer:stopped (not call:ended — random-chat
// termination must not trigger the direct-call UI).
func (f *Forwarder) RoomLeave(ctx context.Context, sid types.Sid, roomID types.RoomID) {
	others := f.membersExcluding(roomID, sid)
	_ = f.Leave(ctx, sid, roomID)
	_ = f.store.SetBusy(ctx, sid, false)
	if userID, ok := f.users.UserForSid(sid); ok {
		f.broadcaster.BroadcastBusy(ctx, userID, false)
	}
	for _, other := range others {
		f.emit.EmitToSid(ctx, other, "peer:stopped", map[string]any{"id": sid})
	}
}

// Disconnect handles a hard socket loss outside of a Matcher `next`
// transition: clears busy, and for every room sid belonged to, clears busy
// on remaining members and emits `disconnected`.
func (f *Forwarder) Disconnect(ctx context.Context, sid types.Sid) {
	_ = f.store.SetBusy(ctx, sid, false)
	for _, r := range f.roomsOf(sid) {
		others := f.membersExcluding(r, sid)
		_ = f.Leave(ctx, sid, r)
		for _, other := range others {
			_ = f.store.SetBusy(ctx, other, false)
			f.emit.EmitToSid(ctx, other, "disconnected", map[string]any{"id": sid})
		}
	}
}
