package presence

import (
	"context"

	"github.com/meshcall/core/internal/v1/types"
)

// FriendLister is the collaborator the Broadcaster uses to scope fan-out to
// a user's friends. Implemented by internal/v1/directory; declared here,
// consumer-side, so this package never imports directory.
type FriendLister interface {
	Friends(ctx context.Context, userID types.UserID) ([]types.UserID, error)
}

// Emitter delivers an event to one user's connections (all bound sids), or
// to every connected client. The hub implements this over the websocket
// fan-out.
type Emitter interface {
	EmitToUser(ctx context.Context, userID types.UserID, event string, payload any)
	EmitGlobal(ctx context.Context, event string, payload any)
}

// Update is the payload of a friend-scoped presence:update event: a busy
// state transition for userID.
type Update struct {
	UserID types.UserID `json:"userId"`
	Busy   bool         `json:"busy"`
}

// Bulk is the payload of the global presence_update event.
type Bulk struct {
	Online []types.UserID `json:"online"`
}

// Broadcaster is the PresenceBroadcaster. Two distinct fan-outs, at
// different granularities and triggers: BroadcastBusy scopes a busy-state
// transition to the subject's online friends (O(F), not O(N)); NotifyBind/
// NotifyUnbind emit the full online roster globally, but only on a
// connect/disconnect transition of the binding itself (not on every busy
// flip).
type Broadcaster struct {
	registry *Registry
	friends  FriendLister
	emit     Emitter
}

// NewBroadcaster wires a Broadcaster to its registry, friend lookup, and
// transport-level emitter.
func NewBroadcaster(registry *Registry, friends FriendLister, emit Emitter) *Broadcaster {
	return &Broadcaster{registry: registry, friends: friends, emit: emit}
}

// BroadcastBusy fans userID's busy-state transition out to their online
// friends and to userID's own other devices. Friend lookup failure degrades
// gracefully: the fan-out is simply skipped, never fatal to the caller.
func (b *Broadcaster) BroadcastBusy(ctx context.Context, userID types.UserID, busy bool) {
	friends, err := b.friends.Friends(ctx, userID)
	if err != nil {
		return
	}
	update := Update{UserID: userID, Busy: busy}
	for _, f := range friends {
		if !b.registry.IsOnline(f) {
			continue
		}
		b.emit.EmitToUser(ctx, f, "presence:update", update)
	}
	b.emit.EmitToUser(ctx, userID, "presence:update", update)
}

// NotifyBind emits the full online roster globally after userID's binding
// transitions from offline to online.
func (b *Broadcaster) NotifyBind(ctx context.Context, userID types.UserID) {
	_ = userID
	b.emit.EmitGlobal(ctx, "presence_update", Bulk{Online: b.registry.OnlineList()})
}

// NotifyUnbind emits the full online roster globally after userID's last
// connection drops.
func (b *Broadcaster) NotifyUnbind(ctx context.Context, userID types.UserID) {
	_ = userID
	b.emit.EmitGlobal(ctx, "presence_update", Bulk{Online: b.registry.OnlineList()})
}
