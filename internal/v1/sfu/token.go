// Package sfu mints LiveKit-compatible access tokens so matched or
// connected peers can join the SFU room their signaling session agreed on.
// The core never runs the SFU itself (Non-goal); it only issues the join
// credential.
package sfu

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/meshcall/core/internal/v1/types"
)

// ErrNotConfigured is returned when no API key/secret pair is set; callers
// degrade to an empty token rather than fail the match/call outright.
var ErrNotConfigured = errors.New("sfu_not_configured")

const defaultTTL = 6 * time.Hour

// VideoGrant mirrors LiveKit's video grant claim shape.
type VideoGrant struct {
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	Room         string `json:"room,omitempty"`
	CanPublish   *bool  `json:"canPublish,omitempty"`
	CanSubscribe *bool  `json:"canSubscribe,omitempty"`
}

// claims is the LiveKit access-token claim set: standard registered claims
// plus the video grant, signed HS256 with the project API secret.
type claims struct {
	jwt.RegisteredClaims
	Video VideoGrant `json:"video"`
	Name  string     `json:"name,omitempty"`
}

// Config carries the LiveKit (or LiveKit-compatible) project credentials.
type Config struct {
	APIKey    string
	APISecret string
	TTL       time.Duration
}

// Minter is the component both match.Matcher and call.Manager consume as
// their TokenMinter collaborator.
type Minter struct {
	cfg Config
	now func() time.Time
}

// New constructs a Minter. now defaults to time.Now when nil.
func New(cfg Config, now func() time.Time) *Minter {
	if now == nil {
		now = time.Now
	}
	return &Minter{cfg: cfg, now: now}
}

// MintToken issues a room-join grant for identity scoped to roomName. A
// missing API key/secret degrades to ErrNotConfigured rather than a panic;
// callers in match and call treat that as non-fatal and proceed without a
// token.
func (m *Minter) MintToken(_ context.Context, roomName string, identity types.UserID) (string, error) {
	if m.cfg.APIKey == "" || m.cfg.APISecret == "" {
		return "", ErrNotConfigured
	}

	ttl := m.cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	canPublish, canSubscribe := true, true
	now := m.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.APIKey,
			Subject:   string(identity),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Video: VideoGrant{
			RoomJoin:     true,
			Room:         roomName,
			CanPublish:   &canPublish,
			CanSubscribe: &canSubscribe,
		},
		Name: string(identity),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(m.cfg.APISecret))
}
