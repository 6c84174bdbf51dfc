package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/metrics"
	"github.com/meshcall/core/internal/v1/types"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn a Client needs, grounded on
// the teacher's transport.wsConnection seam so tests can fake the socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// inboundMessage is the wire envelope clients send: a flat event name and a
// raw JSON payload, decoded per-event by dispatch.
type inboundMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// outboundMessage is the wire envelope delivered to clients.
type outboundMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Client is one live WebSocket connection: a read pump and a write pump
// goroutine pair, exactly as the teacher structures transport.Client,
// generalized from room-scoped protobuf frames to the flat JSON event set
// this core's signaling/matchmaking/call surface uses.
type Client struct {
	conn  wsConnection
	hub   *Hub
	state *ConnState

	send         chan outboundMessage
	prioritySend chan outboundMessage

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newClient(conn wsConnection, hub *Hub, sid types.Sid, remoteAddr string) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		state:        &ConnState{Sid: sid, RemoteAddr: remoteAddr},
		send:         make(chan outboundMessage, 256),
		prioritySend: make(chan outboundMessage, 256),
	}
}

// Send queues event/payload for this client, dropping it if the channel is
// full rather than blocking the hub.
func (c *Client) Send(event string, payload any) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	msg := outboundMessage{Event: event, Payload: payload}
	ch := c.send
	if priority(event) {
		ch = c.prioritySend
	}
	select {
	case ch <- msg:
	default:
		logging.Warn(context.Background(), "hub: client send channel full, dropping", zap.String("sid", string(c.state.Sid)), zap.String("event", event))
	}
}

// readPump decodes inbound JSON frames and dispatches them, until the
// connection errors or closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
		metrics.ActiveWebSocketConnections.Dec()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "hub: malformed frame", zap.Error(err))
			continue
		}

		start := time.Now()
		ctx := context.Background()
		c.hub.dispatch(ctx, c, msg.Event, msg.Payload)
		metrics.MessageProcessingDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(msg.Event, "ok").Inc()
	}
}

func (c *Client) writePump() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(msg) {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.write(msg) {
				return
			}
		}
	}
}

func (c *Client) write(msg outboundMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "hub: failed to marshal outbound message", zap.Error(err))
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Error(context.Background(), "hub: write failed", zap.Error(err), zap.String("sid", string(c.state.Sid)))
		return false
	}
	return true
}

// priority reports whether event carries state clients must not miss
// behind a backlog of best-effort traffic (mirrors the teacher's
// prioritySend split in transport.Client.SendProto).
func priority(event string) bool {
	switch event {
	case "match_found", "call:incoming", "call:accepted", "call:declined",
		"call:cancel", "call:timeout", "call:busy", "call:ended",
		"call:room:created", "peer:connected", "peer:stopped", "peer:left",
		"disconnected", "offer", "answer", "ice-candidate", "hangup":
		return true
	default:
		return false
	}
}
