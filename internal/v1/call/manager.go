// Package call implements the direct-call invite/ring state machine between
// two friends: initiate, accept, decline, cancel, end, with a 20s ring
// timeout.
package call

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshcall/core/internal/v1/clock"
	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/store"
	"github.com/meshcall/core/internal/v1/types"
)

const ringTimeout = 20 * time.Second

// Client-facing errors, surfaced via ack per the core's error taxonomy.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBadPeer       = errors.New("bad_peer")
	ErrInitiatorBusy = errors.New("initiator_busy")
	ErrPeerBusy      = errors.New("peer_busy")
	ErrPeerOffline   = errors.New("peer_offline")
	ErrNotFound      = errors.New("not_found")
)

// Emitter delivers an event to a single socket by sid.
type Emitter interface {
	EmitToSid(ctx context.Context, sid types.Sid, event string, payload any)
}

// ConnectionChecker answers whether a sid still has a live socket.
type ConnectionChecker interface {
	IsConnected(sid types.Sid) bool
}

// TokenMinter issues a media-server access token for identity in roomName.
type TokenMinter interface {
	MintToken(ctx context.Context, roomName string, identity types.UserID) (string, error)
}

// NickResolver looks up a display nickname for fromNick enrichment. Failure
// degrades gracefully: the caller falls back to the raw userId.
type NickResolver interface {
	Nick(ctx context.Context, userID types.UserID) (string, error)
}

// RoomDirectory is the room-membership collaborator (SignalingForwarder):
// call.Manager pre-joins the initiator at invite time and both parties at
// accept time, and tears the room down on end.
type RoomDirectory interface {
	Join(ctx context.Context, sid types.Sid, roomID types.RoomID) error
	Members(ctx context.Context, roomID types.RoomID) []types.Sid
	Leave(ctx context.Context, sid types.Sid, roomID types.RoomID) error
}

type record struct {
	CallID          types.CallID
	InitiatorUserID types.UserID
	CalleeUserID    types.UserID
	InitiatorSid    types.Sid
	CalleeSid       types.Sid
	RoomID          types.RoomID
	RingTimer       clock.Timer
}

// activeCall is the "activeCallBySocket" entry End falls back to when a
// request carries neither a payload roomId nor a scratch roomId: it survives
// Accept (unlike the ringing record in calls/byUser), since the call is
// still active, just no longer ringing.
type activeCall struct {
	CallID types.CallID
	RoomID types.RoomID
}

// Manager is the DirectCallManager (C6).
type Manager struct {
	mu     sync.Mutex
	calls  map[types.CallID]*record
	byUser map[types.UserID]types.CallID
	bySid  map[types.Sid]activeCall

	store     store.QueueStore
	registry  *presence.Registry
	connected ConnectionChecker
	emit      Emitter
	tokens    TokenMinter
	nicks     NickResolver
	rooms     RoomDirectory
	clock     clock.Clock
}

// New wires a Manager to its collaborators.
func New(qs store.QueueStore, registry *presence.Registry, connected ConnectionChecker, emit Emitter, tokens TokenMinter, nicks NickResolver, rooms RoomDirectory, c clock.Clock) *Manager {
	return &Manager{
		calls:     make(map[types.CallID]*record),
		byUser:    make(map[types.UserID]types.CallID),
		bySid:     make(map[types.Sid]activeCall),
		store:     qs,
		registry:  registry,
		connected: connected,
		emit:      emit,
		tokens:    tokens,
		nicks:     nicks,
		rooms:     rooms,
		clock:     c,
	}
}

func (m *Manager) firstConnectedSid(userID types.UserID) (types.Sid, bool) {
	for _, sid := range m.registry.SidsForUser(userID) {
		if m.connected.IsConnected(sid) {
			return sid, true
		}
	}
	return "", false
}

// Initiate starts a ring for fromUser calling to. fromSid is the socket the
// initiate event arrived on (used for the ack and call:room:created target).
func (m *Manager) Initiate(ctx context.Context, fromSid types.Sid, fromUser, to types.UserID) (types.CallID, error) {
	if fromUser == "" {
		return "", ErrUnauthorized
	}
	if to == "" || to == fromUser {
		return "", ErrBadPeer
	}

	m.mu.Lock()
	if _, busy := m.byUser[fromUser]; busy {
		m.mu.Unlock()
		return "", ErrInitiatorBusy
	}
	if _, busy := m.byUser[to]; busy {
		m.mu.Unlock()
		return "", ErrPeerBusy
	}
	m.mu.Unlock()

	// byUser only tracks this manager's own call-table; BusySet is the
	// authoritative scratch busy flag and also covers a roulette pairing or
	// a just-accepted call that byUser no longer (or never did) reflect.
	if busy, _ := m.store.IsBusy(ctx, fromSid); busy {
		return "", ErrInitiatorBusy
	}

	calleeSid, ok := m.firstConnectedSid(to)
	if !ok {
		return "", ErrPeerOffline
	}
	if busy, _ := m.store.IsBusy(ctx, calleeSid); busy {
		m.emit.EmitToSid(ctx, fromSid, "call:busy", map[string]any{"to": to})
		return "", ErrPeerBusy
	}

	callID := newCallID(m.clock.Now())
	roomID := types.SidRoomID(fromSid, calleeSid)

	_ = m.store.SetBusy(ctx, fromSid, true)
	_ = m.store.SetBusy(ctx, calleeSid, true)
	_ = m.rooms.Join(ctx, fromSid, roomID)

	rec := &record{
		CallID:          callID,
		InitiatorUserID: fromUser,
		CalleeUserID:    to,
		InitiatorSid:    fromSid,
		CalleeSid:       calleeSid,
		RoomID:          roomID,
	}
	rec.RingTimer = m.clock.AfterFunc(ringTimeout, func() {
		m.onTimeout(context.Background(), callID)
	})

	m.mu.Lock()
	m.calls[callID] = rec
	m.byUser[fromUser] = callID
	m.byUser[to] = callID
	m.bySid[fromSid] = activeCall{CallID: callID, RoomID: roomID}
	m.bySid[calleeSid] = activeCall{CallID: callID, RoomID: roomID}
	m.mu.Unlock()

	nick := string(fromUser)
	if m.nicks != nil {
		if n, err := m.nicks.Nick(ctx, fromUser); err == nil && n != "" {
			nick = n
		}
	}

	for _, sid := range m.registry.SidsForUser(to) {
		if m.connected.IsConnected(sid) {
			m.emit.EmitToSid(ctx, sid, "call:incoming", map[string]any{
				"callId": callID, "from": fromUser, "fromNick": nick,
			})
		}
	}
	m.emit.EmitToSid(ctx, fromSid, "call:room:created", map[string]any{
		"callId": callID, "roomId": roomID, "partnerId": to, "from": calleeSid,
	})

	return callID, nil
}

// Accept joins both parties to the pre-created room, mints SFU tokens, and
// resolves the ring record.
func (m *Manager) Accept(ctx context.Context, callID types.CallID, bySid types.Sid) error {
	rec, ok := m.take(callID)
	if !ok {
		return ErrNotFound
	}

	if !m.connected.IsConnected(rec.InitiatorSid) || !m.connected.IsConnected(rec.CalleeSid) {
		return ErrNotFound
	}

	_ = m.rooms.Join(ctx, rec.InitiatorSid, rec.RoomID)
	_ = m.rooms.Join(ctx, rec.CalleeSid, rec.RoomID)

	roomName := string(types.UserRoomID(rec.InitiatorUserID, rec.CalleeUserID))
	initiatorToken := m.mint(ctx, roomName, rec.InitiatorUserID)
	calleeToken := m.mint(ctx, roomName, rec.CalleeUserID)

	m.emit.EmitToSid(ctx, rec.InitiatorSid, "call:accepted", map[string]any{
		"callId": callID, "from": rec.CalleeSid, "fromUserId": rec.CalleeUserID,
		"roomId": rec.RoomID, "livekitToken": initiatorToken, "livekitRoomName": roomName,
	})
	m.emit.EmitToSid(ctx, rec.CalleeSid, "call:accepted", map[string]any{
		"callId": callID, "from": rec.InitiatorSid, "fromUserId": rec.InitiatorUserID,
		"roomId": rec.RoomID, "livekitToken": calleeToken, "livekitRoomName": roomName,
	})

	_ = bySid
	return nil
}

// Decline rejects the ring; both sides are notified with the same event.
func (m *Manager) Decline(ctx context.Context, callID types.CallID, bySid types.Sid) error {
	rec, ok := m.take(callID)
	if !ok {
		return ErrNotFound
	}
	m.clearBusy(ctx, rec)
	m.clearActive(rec)
	m.emit.EmitToSid(ctx, rec.InitiatorSid, "call:declined", map[string]any{"callId": callID, "from": bySid})
	m.emit.EmitToSid(ctx, rec.CalleeSid, "call:declined", map[string]any{"callId": callID, "from": bySid})
	return nil
}

// Cancel aborts a still-ringing call the initiator no longer wants.
func (m *Manager) Cancel(ctx context.Context, callID types.CallID, bySid types.Sid) error {
	rec, ok := m.take(callID)
	if !ok {
		return ErrNotFound
	}
	m.clearBusy(ctx, rec)
	m.clearActive(rec)
	m.emit.EmitToSid(ctx, rec.InitiatorSid, "call:cancel", map[string]any{"callId": callID, "from": bySid})
	m.emit.EmitToSid(ctx, rec.CalleeSid, "call:cancel", map[string]any{"callId": callID, "from": bySid})
	return nil
}

// End tears down an active (already-accepted) call room. roomID is
// resolved, in order: the explicit payload param, sid's scratchRoomID (the
// caller's ConnState mirror), sid's own still-ringing-or-active call record
// via bySid (the "activeCallBySocket" leg), then the explicit payload
// callID.
func (m *Manager) End(ctx context.Context, sid types.Sid, callID types.CallID, roomID, scratchRoomID types.RoomID) error {
	if roomID == "" {
		roomID = scratchRoomID
	}
	if roomID == "" {
		m.mu.Lock()
		if active, ok := m.bySid[sid]; ok {
			callID = active.CallID
			roomID = active.RoomID
		}
		m.mu.Unlock()
	}
	if roomID == "" && callID != "" {
		if rec, ok := m.take(callID); ok {
			roomID = rec.RoomID
			m.clearBusy(ctx, rec)
			m.clearActive(rec)
		}
	}
	if roomID == "" {
		return ErrNotFound
	}

	members := m.rooms.Members(ctx, roomID)
	for _, member := range members {
		_ = m.store.SetBusy(ctx, member, false)
		_ = m.rooms.Leave(ctx, member, roomID)
		m.mu.Lock()
		delete(m.bySid, member)
		m.mu.Unlock()
		m.emit.EmitToSid(ctx, member, "call:ended", map[string]any{
			"callId": callID, "roomId": roomID, "reason": "ended", "scope": "all",
		})
	}
	return nil
}

// onTimeout fires on the ring timer: notifies both sides and clears state.
func (m *Manager) onTimeout(ctx context.Context, callID types.CallID) {
	rec, ok := m.take(callID)
	if !ok {
		return
	}
	m.clearBusy(ctx, rec)
	m.clearActive(rec)
	m.emit.EmitToSid(ctx, rec.InitiatorSid, "call:timeout", map[string]any{"callId": callID})
	m.emit.EmitToSid(ctx, rec.CalleeSid, "call:timeout", map[string]any{"callId": callID})
}

// take removes and returns a call record, stopping its ring timer. Safe to
// call from any terminal transition; a second call for the same callID is a
// harmless no-op returning ok=false.
func (m *Manager) take(callID types.CallID) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok {
		return nil, false
	}
	delete(m.calls, callID)
	delete(m.byUser, rec.InitiatorUserID)
	delete(m.byUser, rec.CalleeUserID)
	// bySid deliberately survives take(): Accept calls take() too, but the
	// call is still active (now in-room, not ringing) and must stay
	// resolvable from the socket alone for End's fallback leg. It is cleared
	// explicitly wherever the call truly terminates (Decline, Cancel,
	// onTimeout, End).
	if rec.RingTimer != nil {
		rec.RingTimer.Stop()
	}
	return rec, true
}

func (m *Manager) clearBusy(ctx context.Context, rec *record) {
	_ = m.store.SetBusy(ctx, rec.InitiatorSid, false)
	_ = m.store.SetBusy(ctx, rec.CalleeSid, false)
}

// clearActive drops rec's bySid entries once the call has truly terminated
// (as opposed to take()'s Accept path, where the call stays active).
func (m *Manager) clearActive(rec *record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySid, rec.InitiatorSid)
	delete(m.bySid, rec.CalleeSid)
}

func (m *Manager) mint(ctx context.Context, roomName string, identity types.UserID) string {
	if m.tokens == nil {
		return ""
	}
	tok, err := m.tokens.MintToken(ctx, roomName, identity)
	if err != nil {
		return ""
	}
	return tok
}

func newCallID(now time.Time) types.CallID {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	return types.CallID(fmt.Sprintf("%d_%s", now.UnixNano(), hex.EncodeToString(buf[:])))
}
