// Package match implements the random-matchmaking ("roulette") engine: the
// waiting queue, pairing, anti-rematch bans, and the start/next/stop/
// disconnect state transitions a socket drives it through.
package match

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meshcall/core/internal/v1/clock"
	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/store"
	"github.com/meshcall/core/internal/v1/types"
)

const (
	lockTTL           = 30 * time.Second
	banTTL            = 5 * time.Second
	nextDebounce      = 500 * time.Millisecond
	nextSettleDelay   = 400 * time.Millisecond
	smallCohortLimit  = 2 // ban is ignored for liveness at or below this queue size
)

// ErrAlreadyPartnered is returned by Start when the sid already has a live
// partner.
var ErrAlreadyPartnered = errors.New("already_partnered")

// Emitter delivers an event to a single socket by sid.
type Emitter interface {
	EmitToSid(ctx context.Context, sid types.Sid, event string, payload any)
}

// ConnectionChecker answers whether a sid still has a live socket. The
// Matcher never trusts queue/pair membership alone — a stale entry for a
// disconnected sid must never be matched against.
type ConnectionChecker interface {
	IsConnected(sid types.Sid) bool
}

// TokenMinter issues a media-server access token for identity in roomName.
// Minting is non-fatal on error: the match proceeds with a null token and
// clients fall back to direct peer-to-peer.
type TokenMinter interface {
	MintToken(ctx context.Context, roomName string, identity types.UserID) (string, error)
}

// RoomDirectory is the room-membership collaborator (SignalingForwarder):
// the Matcher uses it to force-clear stale room memberships a sid or its
// evicted partner is left holding from a prior match or call, so a stopped
// pairing can never leak cam-toggle/pip:* relays to a partner who has since
// moved on.
type RoomDirectory interface {
	RoomsOf(ctx context.Context, sid types.Sid) []types.RoomID
	Leave(ctx context.Context, sid types.Sid, roomID types.RoomID) error
}

// MatchFound is the match_found payload emitted to each side of a new pair.
type MatchFound struct {
	RoomID          types.RoomID  `json:"roomId"`
	ID              types.Sid     `json:"id"`
	UserID          types.UserID  `json:"userId,omitempty"`
	LivekitToken    string        `json:"livekitToken,omitempty"`
	LivekitRoomName string        `json:"livekitRoomName,omitempty"`
}

// Matcher is the Matcher (C5).
type Matcher struct {
	store     store.QueueStore
	clock     clock.Clock
	registry  *presence.Registry
	connected ConnectionChecker
	emit      Emitter
	tokens    TokenMinter
	rooms     RoomDirectory

	mu          sync.Mutex
	inProgress  map[types.Sid]bool
	isNexting   map[types.Sid]bool
	debounce    map[types.Sid]clock.Timer
}

// New wires a Matcher to its collaborators.
func New(qs store.QueueStore, c clock.Clock, registry *presence.Registry, connected ConnectionChecker, emit Emitter, tokens TokenMinter, rooms RoomDirectory) *Matcher {
	return &Matcher{
		store:      qs,
		clock:      c,
		registry:   registry,
		connected:  connected,
		emit:       emit,
		tokens:     tokens,
		rooms:      rooms,
		inProgress: make(map[types.Sid]bool),
		isNexting:  make(map[types.Sid]bool),
		debounce:   make(map[types.Sid]clock.Timer),
	}
}

// clearStaleRooms force-leaves every room sid currently belongs to. Used to
// wipe scratch room membership left over from a prior match or call before
// a sid (re-)enters matchmaking.
func (m *Matcher) clearStaleRooms(ctx context.Context, sid types.Sid) {
	if m.rooms == nil {
		return
	}
	for _, r := range m.rooms.RoomsOf(ctx, sid) {
		_ = m.rooms.Leave(ctx, sid, r)
	}
}

// Start enters sid into the waiting queue and attempts an immediate match.
func (m *Matcher) Start(ctx context.Context, sid types.Sid) error {
	if partner, ok, err := m.store.GetPartner(ctx, sid); err == nil && ok && m.connected.IsConnected(partner) {
		return ErrAlreadyPartnered
	}

	m.clearStaleRooms(ctx, sid)

	now := m.clock.Now()
	_ = m.store.SetBusy(ctx, sid, true)
	_ = m.store.SetLastStart(ctx, sid, now)
	_ = m.store.AddToQueue(ctx, sid, now)

	m.tryMatch(ctx, sid)
	return nil
}

// Next debounces 500ms per sid, then evicts the current partner back into
// the queue (with a pair-ban against self) before re-enqueueing self.
func (m *Matcher) Next(ctx context.Context, sid types.Sid) {
	m.mu.Lock()
	m.isNexting[sid] = true
	if t, ok := m.debounce[sid]; ok {
		t.Stop()
	}
	m.debounce[sid] = m.clock.AfterFunc(nextDebounce, func() {
		m.runNext(ctx, sid)
	})
	m.mu.Unlock()
}

func (m *Matcher) runNext(ctx context.Context, sid types.Sid) {
	defer func() {
		m.mu.Lock()
		delete(m.isNexting, sid)
		m.mu.Unlock()
	}()

	if partner, ok, _ := m.store.GetPartner(ctx, sid); ok {
		_ = m.store.BanPair(ctx, sid, partner, banTTL)
		_ = m.store.RemovePair(ctx, sid)
		_ = m.store.UnlockSocket(ctx, partner)
		m.emit.EmitToSid(ctx, partner, "peer:left", map[string]any{"id": sid})
		_ = m.store.SetBusy(ctx, partner, true)
		m.clearStaleRooms(ctx, partner)
		if m.connected.IsConnected(partner) {
			_ = m.store.AddToQueue(ctx, partner, m.clock.Now())
			m.tryMatch(ctx, partner)
		}
	}

	m.clock.Sleep(nextSettleDelay)

	_ = m.store.SetBusy(ctx, sid, true)
	_ = m.store.AddToQueue(ctx, sid, m.clock.Now())
	m.tryMatch(ctx, sid)
}

// Stop removes sid from matchmaking entirely: leaves the queue, clears any
// partnership (notifying the partner), clears busy.
func (m *Matcher) Stop(ctx context.Context, sid types.Sid) {
	_ = m.store.RemoveFromQueue(ctx, sid)
	if partner, ok, _ := m.store.GetPartner(ctx, sid); ok {
		_ = m.store.RemovePair(ctx, sid)
		_ = m.store.UnlockSocket(ctx, partner)
		m.emit.EmitToSid(ctx, partner, "peer:stopped", map[string]any{"id": sid})
	}
	_ = m.store.UnlockSocket(ctx, sid)
	_ = m.store.SetBusy(ctx, sid, false)
}

// Disconnect handles a hard socket loss. A no-op while a `next` is in
// flight for sid — the next handler owns that transition.
func (m *Matcher) Disconnect(ctx context.Context, sid types.Sid) {
	m.mu.Lock()
	nexting := m.isNexting[sid]
	m.mu.Unlock()
	if nexting {
		return
	}

	_ = m.store.RemoveFromQueue(ctx, sid)
	if partner, ok, _ := m.store.GetPartner(ctx, sid); ok {
		_ = m.store.RemovePair(ctx, sid)
		_ = m.store.UnlockSocket(ctx, partner)
		m.emit.EmitToSid(ctx, partner, "disconnected", map[string]any{"id": sid})
	}
	_ = m.store.SetBusy(ctx, sid, false)
	_ = m.store.UnlockSocket(ctx, sid)
}

// tryMatch is reentrancy-guarded per sid; a second call for the same sid
// while one is already running is dropped, not queued.
func (m *Matcher) tryMatch(ctx context.Context, self types.Sid) {
	m.mu.Lock()
	if m.inProgress[self] {
		m.mu.Unlock()
		return
	}
	m.inProgress[self] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inProgress, self)
		m.mu.Unlock()
	}()

	_ = m.store.SetLastMatchAttempt(ctx, self, m.clock.Now())

	if _, ok, _ := m.store.GetPartner(ctx, self); ok {
		return
	}
	if locked, _ := m.store.IsLocked(ctx, self); locked {
		return
	}

	queue, err := m.store.WaitingQueue(ctx)
	if err != nil {
		return
	}
	selfUser, _ := m.registry.UserForSid(self)
	smallCohort := len(queue) <= smallCohortLimit

	for _, c := range queue {
		if c == self || !m.connected.IsConnected(c) {
			continue
		}
		if locked, _ := m.store.IsLocked(ctx, c); locked {
			continue
		}
		if _, paired, _ := m.store.GetPartner(ctx, c); paired {
			continue
		}
		cUser, _ := m.registry.UserForSid(c)
		if selfUser != "" && cUser != "" && selfUser == cUser {
			continue
		}
		if !smallCohort {
			if banned, _ := m.store.IsBannedTogether(ctx, self, c); banned {
				continue
			}
		}

		m.pair(ctx, self, c, selfUser, cUser)
		return
	}
	// No viable candidate: self stays queued.
}

func (m *Matcher) pair(ctx context.Context, self, partner types.Sid, selfUser, partnerUser types.UserID) {
	_ = m.store.RemoveFromQueue(ctx, self)
	_ = m.store.RemoveFromQueue(ctx, partner)
	_ = m.store.SetPair(ctx, self, partner)
	_, _ = m.store.LockSocket(ctx, self, lockTTL)
	_, _ = m.store.LockSocket(ctx, partner, lockTTL)
	_ = m.store.SetBusy(ctx, self, true)
	_ = m.store.SetBusy(ctx, partner, true)

	roomID := types.SidRoomID(self, partner)
	roomName := tokenRoomName(selfUser, partnerUser, self, partner)

	selfToken := m.mint(ctx, roomName, selfUser)
	partnerToken := m.mint(ctx, roomName, partnerUser)

	m.emit.EmitToSid(ctx, self, "match_found", MatchFound{
		RoomID: roomID, ID: partner, UserID: partnerUser,
		LivekitToken: selfToken, LivekitRoomName: roomName,
	})
	m.emit.EmitToSid(ctx, partner, "match_found", MatchFound{
		RoomID: roomID, ID: self, UserID: selfUser,
		LivekitToken: partnerToken, LivekitRoomName: roomName,
	})
}

func (m *Matcher) mint(ctx context.Context, roomName string, identity types.UserID) string {
	if m.tokens == nil {
		return ""
	}
	tok, err := m.tokens.MintToken(ctx, roomName, identity)
	if err != nil {
		return ""
	}
	return tok
}

// tokenRoomName derives the media-server room name from the two userIds
// when both are known (sorted, stable across reconnect), falling back to
// the sid-pair room for guest participants.
func tokenRoomName(a, b types.UserID, sa, sb types.Sid) string {
	if a != "" && b != "" {
		return string(types.UserRoomID(a, b))
	}
	return string(types.SidRoomID(sa, sb))
}
