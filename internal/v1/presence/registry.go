// Package presence tracks which users are online and fans out
// presence-change notifications to their friends.
package presence

import (
	"sync"

	"github.com/meshcall/core/internal/v1/types"
)

// Registry is the ConnectionRegistry: the authoritative map of which sids
// are bound to which userId, with a reverse index for O(1) online-user
// enumeration (spec.md explicitly allows this scaling choice).
type Registry struct {
	mu         sync.RWMutex
	sidToUser  map[types.Sid]types.UserID
	userToSids map[types.UserID]map[types.Sid]struct{}
}

// NewRegistry constructs an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		sidToUser:  make(map[types.Sid]types.UserID),
		userToSids: make(map[types.UserID]map[types.Sid]struct{}),
	}
}

// BindUser associates sid with userID. Enforces single-session-per-user: any
// other sid already bound to this userID is evicted and returned so the
// caller (hub) can close those connections.
func (r *Registry) BindUser(sid types.Sid, userID types.UserID) (evicted []types.Sid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.userToSids[userID]; ok {
		for s := range existing {
			if s == sid {
				continue
			}
			evicted = append(evicted, s)
			delete(r.sidToUser, s)
			delete(existing, s)
		}
	}

	r.sidToUser[sid] = userID
	if r.userToSids[userID] == nil {
		r.userToSids[userID] = make(map[types.Sid]struct{})
	}
	r.userToSids[userID][sid] = struct{}{}

	return evicted
}

// UnbindUser removes the sid from the registry. Returns true if that was the
// last sid for the bound userID (i.e. the user just went offline).
func (r *Registry) UnbindUser(sid types.Sid) (userID types.UserID, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.sidToUser[sid]
	if !ok {
		return "", false
	}
	delete(r.sidToUser, sid)

	sids, ok := r.userToSids[userID]
	if ok {
		delete(sids, sid)
		if len(sids) == 0 {
			delete(r.userToSids, userID)
			return userID, true
		}
	}
	return userID, false
}

// UserForSid returns the userID bound to sid, if any.
func (r *Registry) UserForSid(sid types.Sid) (types.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.sidToUser[sid]
	return u, ok
}

// SidsForUser returns every sid currently bound to userID.
func (r *Registry) SidsForUser(userID types.UserID) []types.Sid {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sids, ok := r.userToSids[userID]
	if !ok {
		return nil
	}
	out := make([]types.Sid, 0, len(sids))
	for s := range sids {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether userID has at least one bound sid.
func (r *Registry) IsOnline(userID types.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sids, ok := r.userToSids[userID]
	return ok && len(sids) > 0
}

// OnlineList returns every userID with at least one bound connection.
func (r *Registry) OnlineList() []types.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UserID, 0, len(r.userToSids))
	for u := range r.userToSids {
		out = append(out, u)
	}
	return out
}
