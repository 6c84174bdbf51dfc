package hub

import (
	"sync"

	"github.com/meshcall/core/internal/v1/types"
)

// ConnState is the per-socket scratch state a connection accumulates across
// its lifetime: identity resolution, matchmaking/call partner bookkeeping,
// and the room it currently belongs to. It mirrors the cross-pod QueueStore
// scratch fields ({ userId?, partnerSid?, roomId?, busy, inCall, isNexting })
// on the local Client so End and friends can fall back to "what this socket
// last saw" without a store round-trip. It replaces the untyped per-socket
// map the teacher's room package keeps on Client.
type ConnState struct {
	mu sync.RWMutex

	Sid        types.Sid
	UserID     types.UserID
	InstallID  types.InstallID
	Authed     bool
	RemoteAddr string

	PartnerSid types.Sid
	RoomID     types.RoomID
	Busy       bool
	InCall     bool
	IsNexting  bool
}

// GetUserID returns the bound userId, or "" for a guest/unauthenticated
// connection.
func (s *ConnState) GetUserID() types.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID
}

// SetUserID records the resolved identity after a successful bind.
func (s *ConnState) SetUserID(userID types.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.Authed = userID != ""
}

// IsAuthed reports whether this connection has ever bound a userId.
func (s *ConnState) IsAuthed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Authed
}

// GetPartnerSid returns the sid this socket is currently paired or in a call
// with, or "" if none.
func (s *ConnState) GetPartnerSid() types.Sid {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.PartnerSid
}

// SetPartnerSid records the current partner sid.
func (s *ConnState) SetPartnerSid(sid types.Sid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PartnerSid = sid
}

// GetRoomID returns the room this socket currently belongs to, or "" if
// none.
func (s *ConnState) GetRoomID() types.RoomID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.RoomID
}

// SetRoomID records the current room.
func (s *ConnState) SetRoomID(roomID types.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RoomID = roomID
}

// GetBusy reports the local mirror of BusySet for this socket.
func (s *ConnState) GetBusy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Busy
}

// SetBusy records the local mirror of BusySet for this socket.
func (s *ConnState) SetBusy(busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Busy = busy
}

// GetInCall reports whether this socket is currently a member of an accepted
// direct-call room.
func (s *ConnState) GetInCall() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.InCall
}

// SetInCall records whether this socket is currently a member of an
// accepted direct-call room.
func (s *ConnState) SetInCall(inCall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InCall = inCall
}

// GetIsNexting reports whether a roulette `next` debounce is in flight for
// this socket.
func (s *ConnState) GetIsNexting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.IsNexting
}

// SetIsNexting records whether a roulette `next` debounce is in flight for
// this socket.
func (s *ConnState) SetIsNexting(nexting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IsNexting = nexting
}

// clearPairing resets the partner/room/call scratch fields, leaving identity
// untouched. Used once a pairing or call ends, by whichever side observes
// the transition (self or the emitted-to peer).
func (s *ConnState) clearPairing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PartnerSid = ""
	s.RoomID = ""
	s.Busy = false
	s.InCall = false
}
