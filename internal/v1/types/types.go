// Package types defines the nominal identifier types shared across the
// signaling core. The wire protocol treats sid/userId/callId/roomId as
// plain strings, but they are semantically distinct: assigning a userId
// where a sid is expected is a latent bug class this package exists to
// prevent at compile time.
package types

import "fmt"

// Sid is a socket id: the identifier of one live client connection.
type Sid string

// UserID is the durable identifier of an application user.
type UserID string

// InstallID is an opaque client-install identifier used to bootstrap
// identity before a UserID is known.
type InstallID string

// CallID identifies one direct-call invite record.
type CallID string

// RoomID identifies the implicit set of sids sharing a signaling room.
type RoomID string

// SidRoomID builds the sid-pair room name, sids ascending lexicographically,
// so the name is the same regardless of which side computes it.
func SidRoomID(a, b Sid) RoomID {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return RoomID(fmt.Sprintf("room_%s_%s", lo, hi))
}

// UserRoomID builds the userId-pair media-server room name, userIds sorted,
// so a reconnect under a new sid still rejoins the same media room.
func UserRoomID(a, b UserID) RoomID {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	return RoomID(fmt.Sprintf("room_%s_%s", lo, hi))
}
