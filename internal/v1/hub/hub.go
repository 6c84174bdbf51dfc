// Package hub wires C1 through C9 together behind one WebSocket endpoint:
// per-connection read/write pumps (grounded on the teacher's
// transport.Client), a local sid->Client registry, and the Emitter/
// ConnectionChecker seams every domain package consumes independently.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/meshcall/core/internal/v1/auth"
	"github.com/meshcall/core/internal/v1/bus"
	"github.com/meshcall/core/internal/v1/call"
	"github.com/meshcall/core/internal/v1/identity"
	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/match"
	"github.com/meshcall/core/internal/v1/metrics"
	"github.com/meshcall/core/internal/v1/presence"
	"github.com/meshcall/core/internal/v1/signaling"
	"github.com/meshcall/core/internal/v1/types"
	"go.uber.org/zap"
)

// TokenValidator authenticates the bearer token presented at upgrade time.
// The core accepts an unauthenticated (guest) upgrade too — identity
// resolution then happens over the `identity:attach` event instead.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// WSUserLimiter enforces the per-user WebSocket rate limit once ServeWs has
// resolved a bearer token to a userId.
type WSUserLimiter interface {
	CheckWebSocketUser(ctx context.Context, userID string) error
}

// ProfileStore is the directory collaborator backing `profile:me` and
// `profile:update`. The core never stores profile documents itself
// (Non-goal); it only relays the read/patch to the directory service.
type ProfileStore interface {
	Profile(ctx context.Context, userID types.UserID) (map[string]any, error)
	UpdateProfile(ctx context.Context, userID types.UserID, patch map[string]any) (map[string]any, error)
}

const globalChannel = "meshcall:global"

// Hub is the process-local WebSocket coordinator. Connection state
// (sid->Client) lives only on the pod that owns the socket; bus.Service
// bridges events across pods, mirroring the teacher's Hub/Room split where
// rooms are per-pod memory and Redis only relays events, never shared
// connection state.
type Hub struct {
	mu      sync.RWMutex
	clients map[types.Sid]*Client

	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	binder      *identity.Binder
	matcher     *match.Matcher
	calls       *call.Manager
	signaling   *signaling.Forwarder
	profiles    ProfileStore

	validator      TokenValidator
	wsLimiter      WSUserLimiter
	allowedOrigins []string
	devMode        bool

	bus *bus.Service

	sidCounter uint64
}

// Deps bundles the already-constructed domain components a Hub wires
// together. Each is built independently (see cmd/v1/meshcall) and handed in
// here so Hub has no construction logic of its own beyond dispatch/transport.
type Deps struct {
	Registry       *presence.Registry
	Broadcaster    *presence.Broadcaster
	Binder         *identity.Binder
	Matcher        *match.Matcher
	Calls          *call.Manager
	Signaling      *signaling.Forwarder
	Profiles       ProfileStore
	Validator      TokenValidator
	WSLimiter      WSUserLimiter
	AllowedOrigins []string
	DevMode        bool
	Bus            *bus.Service
}

// New constructs a Hub from its wired domain components.
func New(d Deps) *Hub {
	return &Hub{
		clients:        make(map[types.Sid]*Client),
		registry:       d.Registry,
		broadcaster:    d.Broadcaster,
		binder:         d.Binder,
		matcher:        d.Matcher,
		calls:          d.Calls,
		signaling:      d.Signaling,
		profiles:       d.Profiles,
		validator:      d.Validator,
		wsLimiter:      d.WSLimiter,
		allowedOrigins: d.AllowedOrigins,
		devMode:        d.DevMode,
		bus:            d.Bus,
	}
}

// ServeWs upgrades the request to a WebSocket and starts the connection's
// pump pair. A bearer token is accepted but optional: an invalid/missing
// token simply leaves the connection a guest until `identity:attach`.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return h.validateOrigin(r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "hub: upgrade failed", zap.Error(err))
		return
	}

	sid := h.newSid()
	client := newClient(conn, h, sid, c.ClientIP())

	h.mu.Lock()
	h.clients[sid] = client
	h.mu.Unlock()

	metrics.ActiveWebSocketConnections.Inc()
	logging.Info(c.Request.Context(), "hub: connection established", zap.String("sid", string(sid)))

	if bearer := bearerToken(c); bearer != "" && h.validator != nil {
		if claims, err := h.validator.ValidateToken(bearer); err == nil {
			if h.wsLimiter != nil && h.wsLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject) != nil {
				logging.Warn(c.Request.Context(), "hub: ws user rate limit exceeded, leaving connection as guest", zap.String("sub", claims.Subject))
			} else {
				bound, err := h.binder.Attach(c.Request.Context(), sid, types.UserID(claims.Subject), "")
				if err == nil {
					client.state.SetUserID(bound.UserID)
					h.forceDisconnect(bound.Evicted)
				}
			}
		}
	}

	go client.writePump()
	go client.readPump()
}

func bearerToken(c *gin.Context) string {
	if v := c.Query("token"); v != "" {
		return v
	}
	authHeader := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return ""
}

func (h *Hub) validateOrigin(origin string) bool {
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

func (h *Hub) newSid() types.Sid {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sidCounter++
	return types.Sid(time.Now().UTC().Format("20060102T150405.000000000") + "-" + itoa(h.sidCounter))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// handleDisconnect fires when a socket's read loop exits for any reason:
// tears down matchmaking/call/signaling/identity state for sid and removes
// it from the local registry.
func (h *Hub) handleDisconnect(c *Client) {
	ctx := context.Background()
	sid := c.state.Sid

	h.matcher.Disconnect(ctx, sid)
	h.signaling.Disconnect(ctx, sid)
	h.binder.Unbind(ctx, sid)

	h.mu.Lock()
	delete(h.clients, sid)
	h.mu.Unlock()

	logging.Info(ctx, "hub: connection closed", zap.String("sid", string(sid)))
}

func (h *Hub) forceDisconnect(sids []types.Sid) {
	for _, sid := range sids {
		h.mu.RLock()
		c, ok := h.clients[sid]
		h.mu.RUnlock()
		if ok {
			_ = c.conn.Close()
		}
	}
}

// --- Emitter / ConnectionChecker implementations consumed by match, call,
// signaling, and presence. ---

// EmitToSid satisfies match.Emitter, call.Emitter, signaling.Emitter. Before
// delivery it also mirrors the scratch-state transition the event carries
// onto the recipient's ConnState (applyScratchState) — every pairing/call
// transition reaches the affected sid through here, on both the self and
// partner side, so this is the one seam that keeps ConnState in sync with
// match.Matcher and call.Manager without threading it through either.
func (h *Hub) EmitToSid(ctx context.Context, sid types.Sid, event string, payload any) {
	h.mu.RLock()
	c, ok := h.clients[sid]
	h.mu.RUnlock()
	if ok {
		applyScratchState(c, event, payload)
		c.Send(event, payload)
		return
	}
	if h.bus != nil {
		_ = h.bus.PublishDirect(ctx, string(sid), event, payload, "")
	}
}

// applyScratchState updates the recipient's ConnState to reflect a
// pairing/call transition carried by event. Unrecognized events and
// payload-shape mismatches are no-ops: ConnState is a best-effort local
// mirror, never the source of truth (QueueStore is).
func applyScratchState(c *Client, event string, payload any) {
	switch event {
	case "match_found":
		if mf, ok := payload.(match.MatchFound); ok {
			c.state.SetPartnerSid(mf.ID)
			c.state.SetRoomID(mf.RoomID)
			c.state.SetBusy(true)
			c.state.SetIsNexting(false)
		}
	case "call:room:created":
		if m, ok := payload.(map[string]any); ok {
			if roomID, ok := m["roomId"].(types.RoomID); ok {
				c.state.SetRoomID(roomID)
			}
		}
	case "call:accepted":
		if m, ok := payload.(map[string]any); ok {
			if roomID, ok := m["roomId"].(types.RoomID); ok {
				c.state.SetRoomID(roomID)
			}
			if from, ok := m["from"].(types.Sid); ok {
				c.state.SetPartnerSid(from)
			}
			c.state.SetInCall(true)
			c.state.SetBusy(true)
		}
	case "peer:left", "peer:stopped", "disconnected":
		c.state.clearPairing()
		c.state.SetIsNexting(false)
	case "call:ended", "call:declined", "call:cancel", "call:timeout":
		c.state.clearPairing()
	}
}

// IsConnected satisfies match.ConnectionChecker, call.ConnectionChecker,
// signaling.ConnectionChecker, janitor.ConnectionChecker. It answers for
// sids local to this pod; a sid owned by another pod reports disconnected
// here, matching the teacher's per-pod Room/Hub split (bus.Service relays
// events, it never exposes remote connection state).
func (h *Hub) IsConnected(sid types.Sid) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[sid]
	return ok
}

// EmitToUser satisfies presence.Emitter: deliver to every locally-connected
// sid bound to userID.
func (h *Hub) EmitToUser(ctx context.Context, userID types.UserID, event string, payload any) {
	for _, sid := range h.registry.SidsForUser(userID) {
		h.EmitToSid(ctx, sid, event, payload)
	}
}

// EmitGlobal satisfies presence.Emitter: deliver to every locally-connected
// client, and relay to other pods via the bus so their own local clients
// receive it too.
func (h *Hub) EmitGlobal(ctx context.Context, event string, payload any) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Send(event, payload)
	}
	if h.bus != nil {
		_ = h.bus.Publish(ctx, globalChannel, event, payload, "", nil)
	}
}
