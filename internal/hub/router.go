package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/rateguard"
)

// Client-originated event names.
const (
	eventJoinSite       = "join-site"
	eventStartEditing   = "start-editing"
	eventEndEditing     = "end-editing"
	eventContentEdit    = "content-edit"
	eventPresenceUpdate = "presence-update"
	eventPing           = "ping"
)

// HandleMessage is the transport's message callback: it decodes the envelope
// and dispatches by event name. Unknown connections and malformed envelopes
// are dropped with a log line; protocol-level failures go back to the sender
// as error events rather than closing the connection.
func (h *Hub) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	c, ok := h.state.get(connID)
	if !ok {
		h.logger.Warn("message from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug("malformed client message", slog.String("connID", connID.String()), slog.Any("error", err))
		h.sendError(c, "bad-message", "message must be a JSON envelope with an event field")
		return
	}

	switch msg.Event {
	case eventJoinSite:
		h.handleJoinSite(c, msg.Payload)
	case eventStartEditing:
		h.handleStartEditing(ctx, c, msg.Payload)
	case eventEndEditing:
		h.handleEndEditing(ctx, c, msg.Payload)
	case eventContentEdit:
		h.handleContentEdit(ctx, c, msg.Payload)
	case eventPresenceUpdate:
		h.handlePresenceUpdate(c, msg.Payload)
	case eventPing:
		h.send(c, ServerMessage{Event: "pong"})
	default:
		h.logger.Debug("unknown event", slog.String("event", msg.Event), slog.String("connID", connID.String()))
		h.sendError(c, "unknown-event", "unsupported event: "+msg.Event)
	}
}

// handleJoinSite re-sends the presence snapshot. The connection is already
// bound to its site by the session it authenticated with, so a mismatched
// siteId is refused rather than switching rooms.
func (h *Hub) handleJoinSite(c *client, payload []byte) {
	siteID := gjson.GetBytes(payload, "siteId").String()
	if siteID != "" && siteID != c.SiteID {
		h.sendError(c, "site-mismatch", "connection is bound to a different site")
		return
	}
	h.send(c, ServerMessage{Event: "presence-list", Payload: map[string]any{
		"siteId": c.SiteID,
		"users":  h.state.roster(c.SiteID, c.ID),
	}})
}

func (h *Hub) handleStartEditing(ctx context.Context, c *client, payload []byte) {
	elementID := gjson.GetBytes(payload, "elementId").String()
	if elementID == "" {
		h.sendError(c, "bad-payload", "elementId is required")
		return
	}

	row, err := h.locks.Acquire(ctx, c.UserID, elementID, c.Token)
	if err != nil {
		var conflict *lock.ConflictError
		switch {
		case errors.As(err, &conflict):
			h.send(c, ServerMessage{Event: "edit-conflict", Payload: map[string]any{
				"elementId":    conflict.ElementID,
				"holderUserId": conflict.HolderUserID,
			}})
		case errors.Is(err, lock.ErrNoPermission):
			h.sendError(c, "no-permission", "write permission required")
		case errors.Is(err, lock.ErrSessionInvalid):
			h.sendError(c, "session-invalid", "edit session is no longer valid")
		default:
			h.logger.Error("lock acquire failed", slog.String("userID", c.UserID), slog.Any("error", err))
			h.sendError(c, "internal", "could not start editing")
		}
		return
	}

	c.setEditing(elementID)
	c.mu.Lock()
	c.presence.ElementID = elementID
	c.presence.LastActivity = h.now()
	c.mu.Unlock()

	h.broadcast(c.SiteID, ServerMessage{Event: "edit-session-started", Payload: map[string]any{
		"elementId":    elementID,
		"userId":       c.UserID,
		"sessionToken": row.SessionToken,
		"startedAt":    row.StartedAt,
	}}, uuid.Nil)
}

func (h *Hub) handleEndEditing(ctx context.Context, c *client, payload []byte) {
	elementID := gjson.GetBytes(payload, "elementId").String()
	if elementID == "" {
		elementID = c.editingElement()
	}

	if err := h.locks.Release(ctx, c.Token); err != nil {
		h.logger.Warn("lock release failed", slog.String("userID", c.UserID), slog.Any("error", err))
	}
	c.setEditing("")
	c.mu.Lock()
	c.presence.ElementID = ""
	c.presence.LastActivity = h.now()
	c.mu.Unlock()

	if elementID == "" {
		return
	}
	h.broadcast(c.SiteID, ServerMessage{Event: "edit-session-ended", Payload: map[string]any{
		"elementId": elementID,
		"userId":    c.UserID,
	}}, uuid.Nil)
}

// handleContentEdit relays an edit to the rest of the room. Senders that do
// not hold the element's lock get an edit-conflict instead of a relay, so a
// stale client converges instead of clobbering the holder's work.
func (h *Hub) handleContentEdit(ctx context.Context, c *client, payload []byte) {
	elementID := gjson.GetBytes(payload, "elementId").String()
	if elementID == "" {
		h.sendError(c, "bad-payload", "elementId is required")
		return
	}

	if d := h.guard.Check(c.UserID, rateguard.EndpointEdit); !d.Allowed {
		h.send(c, ServerMessage{Event: "error", Payload: map[string]any{
			"code":    "rate-limited",
			"message": "too many edits",
			"resetAt": d.ResetAt,
		}})
		return
	}
	if v := h.guard.Record(c.UserID); v.ShouldBan {
		h.logger.Warn("disconnecting banned user", slog.String("userID", c.UserID))
		c.Transport.Close(errors.New("request rate exceeded ban threshold"))
		return
	}

	holders, err := h.locks.ActiveHolders(ctx, elementID)
	if err != nil {
		h.logger.Error("holder lookup failed", slog.String("elementID", elementID), slog.Any("error", err))
		h.sendError(c, "internal", "could not verify editing session")
		return
	}
	senderHolds := false
	var other string
	for _, holder := range holders {
		if holder == c.UserID {
			senderHolds = true
		} else if other == "" {
			other = holder
		}
	}

	if !senderHolds {
		h.send(c, ServerMessage{Event: "edit-conflict", Payload: map[string]any{
			"elementId":    elementID,
			"holderUserId": other,
		}})
		return
	}

	// An edit is activity: keep the lock warm without a separate heartbeat.
	if err := h.locks.Heartbeat(ctx, c.Token); err != nil {
		h.logger.Debug("heartbeat during edit failed", slog.String("userID", c.UserID), slog.Any("error", err))
	}

	relay := ServerMessage{Event: "content-editing", Payload: map[string]any{
		"elementId": elementID,
		"userId":    c.UserID,
		"content":   gjson.GetBytes(payload, "content").String(),
		"delta":     json.RawMessage(rawOrNull(payload, "delta")),
		"timestamp": h.now(),
	}}
	h.broadcast(c.SiteID, relay, c.ID)

	// Concurrent holders can exist across instances; tell the whole room so
	// both sides surface the conflict.
	if other != "" {
		h.broadcast(c.SiteID, ServerMessage{Event: "edit-conflict", Payload: map[string]any{
			"elementId":    elementID,
			"holderUserId": other,
		}}, uuid.Nil)
	}
}

func (h *Hub) handlePresenceUpdate(c *client, payload []byte) {
	c.mu.Lock()
	if r := gjson.GetBytes(payload, "elementId"); r.Exists() {
		c.presence.ElementID = r.String()
	}
	if r := gjson.GetBytes(payload, "cursorPosition"); r.Exists() {
		c.presence.CursorPosition = json.RawMessage(r.Raw)
	}
	if r := gjson.GetBytes(payload, "selection"); r.Exists() {
		c.presence.Selection = json.RawMessage(r.Raw)
	}
	c.presence.LastActivity = h.now()
	p := c.presence
	c.mu.Unlock()

	h.broadcast(c.SiteID, ServerMessage{Event: "presence-updated", Payload: map[string]any{
		"siteId":   c.SiteID,
		"presence": p,
	}}, c.ID)
}

func (h *Hub) sendError(c *client, code, message string) {
	h.send(c, ServerMessage{Event: "error", Payload: map[string]any{
		"code":    code,
		"message": message,
	}})
}

// rawOrNull extracts a field's raw JSON, substituting null when absent so the
// relayed payload keeps a stable shape.
func rawOrNull(payload []byte, path string) []byte {
	if r := gjson.GetBytes(payload, path); r.Exists() {
		return []byte(r.Raw)
	}
	return []byte("null")
}
