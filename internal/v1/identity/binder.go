// Package identity resolves an inbound connection's handshake to a durable
// user identity and binds it into the connection registry.
package identity

import (
	"context"
	"errors"

	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/types"
)

// Sentinel client-facing errors, surfaced via ack per the core's error
// taxonomy (bad_payload / unauthorized class).
var (
	ErrInvalidUserID = errors.New("invalid_userId")
	ErrUnauthorized  = errors.New("unauthorized")
)

// UserStore is the profile/friendship document store's identity surface:
// does this user exist, and which user owns this install.
type UserStore interface {
	UserExists(ctx context.Context, userID types.UserID) (bool, error)
	ResolveInstall(ctx context.Context, installID types.InstallID) (types.UserID, bool, error)
}

// OfflineDeliverer kicks off delivery of queued offline items (chat
// messages, missed-call notices) once a user comes online. The core never
// touches message storage itself (Non-goal preserved); it only requests
// delivery.
type OfflineDeliverer interface {
	DeliverQueued(ctx context.Context, userID types.UserID)
}

// Binder is the IdentityBinder (C4).
type Binder struct {
	registry    *presence.Registry
	users       UserStore
	offline     OfflineDeliverer
	broadcaster *presence.Broadcaster
}

// NewBinder wires a Binder to its collaborators.
func NewBinder(registry *presence.Registry, users UserStore, offline OfflineDeliverer, broadcaster *presence.Broadcaster) *Binder {
	return &Binder{registry: registry, users: users, offline: offline, broadcaster: broadcaster}
}

// Bound is the result of a successful (or guest) bind: the resolved userId
// (empty for guest) and any prior sids the caller must force-disconnect
// under the duplicate-login policy.
type Bound struct {
	UserID  types.UserID
	Evicted []types.Sid
}

// Attach runs the on-connect handshake resolution: userId first, then
// installId, else guest.
func (b *Binder) Attach(ctx context.Context, sid types.Sid, userID types.UserID, installID types.InstallID) (Bound, error) {
	if userID != "" {
		exists, err := b.users.UserExists(ctx, userID)
		if err != nil {
			return Bound{}, err
		}
		if exists {
			return b.bind(ctx, sid, userID), nil
		}
		return Bound{}, ErrInvalidUserID
	}

	if installID != "" {
		owner, found, err := b.users.ResolveInstall(ctx, installID)
		if err != nil {
			return Bound{}, err
		}
		if found {
			return b.bind(ctx, sid, owner), nil
		}
	}

	// Guest: remain unbound. Not an error.
	return Bound{}, nil
}

// Reauth soft-rebinds sid to userID mid-session (the `reauth` event).
func (b *Binder) Reauth(ctx context.Context, sid types.Sid, userID types.UserID) (Bound, error) {
	return b.attachUser(ctx, sid, userID)
}

// AttachUser explicitly binds sid to userID at the client's request (the
// `attach_user` event). Identical resolution to Reauth; kept as a distinct
// method so callers can log/metric the two triggers separately.
func (b *Binder) AttachUser(ctx context.Context, sid types.Sid, userID types.UserID) (Bound, error) {
	return b.attachUser(ctx, sid, userID)
}

func (b *Binder) attachUser(ctx context.Context, sid types.Sid, userID types.UserID) (Bound, error) {
	if userID == "" {
		return Bound{}, ErrInvalidUserID
	}
	exists, err := b.users.UserExists(ctx, userID)
	if err != nil {
		return Bound{}, err
	}
	if !exists {
		return Bound{}, ErrInvalidUserID
	}
	return b.bind(ctx, sid, userID), nil
}

// bind performs the registry bind, collects any evicted prior session for
// the caller to force-disconnect, delivers queued offline items, and fans
// out the presence change.
func (b *Binder) bind(ctx context.Context, sid types.Sid, userID types.UserID) Bound {
	wasOnline := b.registry.IsOnline(userID)
	evicted := b.registry.BindUser(sid, userID)

	b.offline.DeliverQueued(ctx, userID)
	if !wasOnline {
		b.broadcaster.NotifyBind(ctx, userID)
	}
	return Bound{UserID: userID, Evicted: evicted}
}

// Unbind severs sid's binding on disconnect, fanning out a presence update
// only if that was the user's last connection.
func (b *Binder) Unbind(ctx context.Context, sid types.Sid) {
	userID, wentOffline := b.registry.UnbindUser(sid)
	if wentOffline {
		b.broadcaster.NotifyUnbind(ctx, userID)
	}
}
