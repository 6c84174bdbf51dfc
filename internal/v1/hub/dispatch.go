package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/meshcall/core/internal/v1/logging"
	"github.com/meshcall/core/internal/v1/types"
	"go.uber.org/zap"
)

var errBadPayload = errors.New("bad_payload")

// dispatch routes one decoded inbound frame to the owning domain
// component. Handlers never panic out to the read loop: decode failures
// and domain errors are acked back to the sender as `error` frames, per the
// core's error-handling design (handlers never throw out of transport).
func (h *Hub) dispatch(ctx context.Context, c *Client, event string, raw json.RawMessage) {
	sid := c.state.Sid

	switch event {
	case "identity:attach":
		var body struct {
			UserID    types.UserID    `json:"userId"`
			InstallID types.InstallID `json:"installId"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		bound, err := h.binder.Attach(ctx, sid, body.UserID, body.InstallID)
		if err != nil {
			ackErr(c, event, err)
			return
		}
		c.state.SetUserID(bound.UserID)
		h.forceDisconnect(bound.Evicted)
		c.Send("whoami", map[string]any{"userId": bound.UserID, "sid": sid})

	case "reauth", "attach_user":
		var body struct {
			UserID types.UserID `json:"userId"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		bind := h.binder.Reauth
		if event == "attach_user" {
			bind = h.binder.AttachUser
		}
		bound, err := bind(ctx, sid, body.UserID)
		if err != nil {
			ackErr(c, event, err)
			return
		}
		c.state.SetUserID(bound.UserID)
		h.forceDisconnect(bound.Evicted)
		c.Send("whoami", map[string]any{"userId": bound.UserID, "sid": sid})

	case "whoami":
		c.Send("whoami", map[string]any{"userId": c.state.GetUserID(), "sid": sid})

	case "start":
		// Reset before Start: a match formed inside Start reaches this socket
		// as match_found, and that mirror must survive.
		c.state.clearPairing()
		c.state.SetBusy(true)
		if err := h.matcher.Start(ctx, sid); err != nil {
			ackErr(c, event, err)
			return
		}

	case "next":
		c.state.SetIsNexting(true)
		h.matcher.Next(ctx, sid)

	case "stop":
		h.matcher.Stop(ctx, sid)
		c.state.clearPairing()
		c.state.SetIsNexting(false)

	case "call:initiate":
		var body struct {
			To types.UserID `json:"to"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		if _, err := h.calls.Initiate(ctx, sid, c.state.GetUserID(), body.To); err != nil {
			ackErr(c, event, err)
		}

	case "call:accept":
		withCallID(c, event, raw, func(callID types.CallID) error {
			return h.calls.Accept(ctx, callID, sid)
		})

	case "call:decline":
		withCallID(c, event, raw, func(callID types.CallID) error {
			return h.calls.Decline(ctx, callID, sid)
		})

	case "call:cancel":
		withCallID(c, event, raw, func(callID types.CallID) error {
			return h.calls.Cancel(ctx, callID, sid)
		})

	case "call:end":
		var body struct {
			CallID types.CallID `json:"callId"`
			RoomID types.RoomID `json:"roomId"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		if err := h.calls.End(ctx, sid, body.CallID, body.RoomID, c.state.GetRoomID()); err != nil {
			ackErr(c, event, err)
		}

	case "room:join:ack":
		var body struct {
			RoomID types.RoomID `json:"roomId"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		_ = h.signaling.JoinAck(ctx, sid, body.RoomID)

	case "room:leave":
		var body struct {
			RoomID types.RoomID `json:"roomId"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		h.signaling.RoomLeave(ctx, sid, body.RoomID)

	case "connection:established":
		h.signaling.ConnectionEstablished(ctx, sid)

	case "offer", "answer", "ice-candidate", "hangup":
		var body struct {
			RoomID  types.RoomID   `json:"roomId"`
			To      types.Sid      `json:"to"`
			Payload map[string]any `json:"-"`
		}
		var full map[string]any
		if !decode(c, event, raw, &full) {
			return
		}
		if v, ok := full["roomId"].(string); ok {
			body.RoomID = types.RoomID(v)
		}
		if v, ok := full["to"].(string); ok {
			body.To = types.Sid(v)
		}
		h.signaling.Forward(ctx, event, sid, body.RoomID, body.To, full)

	case "cam-toggle":
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if !decode(c, event, raw, &body) {
			return
		}
		h.signaling.CamToggle(ctx, sid, body.Enabled)

	case "pip:entered":
		h.signaling.PipEntered(ctx, sid)

	case "pip:exited":
		h.signaling.PipExited(ctx, sid)

	case "pip:state":
		var body map[string]any
		if !decode(c, event, raw, &body) {
			return
		}
		h.signaling.PipState(ctx, sid, body)

	case "profile:me":
		if h.profiles == nil {
			return
		}
		profile, err := h.profiles.Profile(ctx, c.state.GetUserID())
		if err != nil {
			ackErr(c, event, err)
			return
		}
		c.Send("profile:me", profile)

	case "profile:update":
		if h.profiles == nil {
			return
		}
		var patch map[string]any
		if !decode(c, event, raw, &patch) {
			return
		}
		profile, err := h.profiles.UpdateProfile(ctx, c.state.GetUserID(), patch)
		if err != nil {
			ackErr(c, event, err)
			return
		}
		c.Send("profile:update", profile)

	default:
		logging.Warn(ctx, "hub: unrecognized event", zap.String("event", event))
	}
}

func decode(c *Client, event string, raw json.RawMessage, out any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		ackErr(c, event, errBadPayload)
		return false
	}
	return true
}

func withCallID(c *Client, event string, raw json.RawMessage, fn func(types.CallID) error) {
	var body struct {
		CallID types.CallID `json:"callId"`
	}
	if !decode(c, event, raw, &body) {
		return
	}
	if err := fn(body.CallID); err != nil {
		ackErr(c, event, err)
	}
}

func ackErr(c *Client, event string, err error) {
	c.Send("error", map[string]any{"event": event, "error": err.Error()})
}
