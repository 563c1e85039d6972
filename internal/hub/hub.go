// Package hub keeps the realtime picture of who is connected to which site
// and fans events out to site rooms. All of its state is ephemeral: a restart
// drops every room and clients rebuild presence on reconnect. Durable facts
// (sessions, locks, roles) live behind the pkg-level managers it delegates to.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/rateguard"
	"github.com/coeditd/coeditd/pkg/session"
)

// ErrConnectionReplaced is the close reason used when a newer connection
// displaces the user's oldest one under the replace_oldest limit mode.
var ErrConnectionReplaced = errors.New("connection replaced by a newer one")

// Hub routes realtime traffic between connections grouped by site.
type Hub struct {
	sessions *session.Manager
	locks    *lock.Coordinator
	guard    *rateguard.Guard
	logger   *slog.Logger
	now      func() time.Time

	state *state
}

func NewHub(sessions *session.Manager, locks *lock.Coordinator, guard *rateguard.Guard, logger *slog.Logger) *Hub {
	return &Hub{
		sessions: sessions,
		locks:    locks,
		guard:    guard,
		logger:   logger.With(slog.String("component", "hub")),
		now:      time.Now,
		state:    newState(),
	}
}

// Register joins a validated connection to its site room, sends the joiner a
// presence snapshot, and announces the join to everyone already there.
func (h *Hub) Register(conn Conn, sess *session.EditSession, ip string) {
	now := h.now()
	c := &client{
		ID:        conn.ID(),
		UserID:    sess.UserID,
		SiteID:    sess.SiteID,
		Token:     sess.Token,
		IP:        ip,
		Transport: conn,
		CreatedAt: now,
		presence: Presence{
			UserID:       sess.UserID,
			SiteID:       sess.SiteID,
			LastActivity: now,
		},
	}
	h.state.add(c)

	h.send(c, ServerMessage{Event: "presence-list", Payload: map[string]any{
		"siteId": c.SiteID,
		"users":  h.state.roster(c.SiteID, c.ID),
	}})
	h.broadcast(c.SiteID, ServerMessage{Event: "user-joined", Payload: map[string]any{
		"siteId":   c.SiteID,
		"presence": c.snapshotPresence(),
	}}, c.ID)

	h.logger.Info("client joined site",
		slog.String("connID", c.ID.String()),
		slog.String("userID", c.UserID),
		slog.String("siteID", c.SiteID))
}

// Deregister tears down a connection's footprint: any lock it holds is
// released, and the room learns the user left. Safe to call for unknown IDs.
func (h *Hub) Deregister(connID uuid.UUID, cause error) {
	c, ok := h.state.remove(connID)
	if !ok {
		return
	}

	if elementID := c.editingElement(); elementID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.locks.Release(ctx, c.Token); err != nil {
			h.logger.Warn("failed to release lock on disconnect",
				slog.String("userID", c.UserID), slog.String("elementID", elementID), slog.Any("error", err))
		}
		cancel()
		h.broadcast(c.SiteID, ServerMessage{Event: "edit-session-ended", Payload: map[string]any{
			"elementId": elementID,
			"userId":    c.UserID,
		}}, c.ID)
	}

	h.broadcast(c.SiteID, ServerMessage{Event: "user-left", Payload: map[string]any{
		"siteId": c.SiteID,
		"userId": c.UserID,
	}}, c.ID)

	h.logger.Info("client left site",
		slog.String("connID", connID.String()),
		slog.String("userID", c.UserID),
		slog.String("siteID", c.SiteID),
		slog.Any("reason", cause))
}

// ConnectionCount reports the user's live connections across all sites.
func (h *Hub) ConnectionCount(userID string) int {
	return h.state.countByUser(userID)
}

// CloseOldest drops the user's longest-lived connection, for the replace_oldest
// connection-limit mode. Returns false when the user has no connections.
func (h *Hub) CloseOldest(userID string) bool {
	c, ok := h.state.oldestByUser(userID)
	if !ok {
		return false
	}
	h.logger.Info("closing oldest connection for user",
		slog.String("userID", userID), slog.String("connID", c.ID.String()))
	c.Transport.Close(ErrConnectionReplaced)
	return true
}

// Shutdown closes every live connection. The per-connection close handlers
// run the usual Deregister path.
func (h *Hub) Shutdown() {
	for _, c := range h.state.all() {
		c.Transport.Close(nil)
	}
}

// send marshals and queues a message for one client.
func (h *Hub) send(c *client, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal server message", slog.String("event", msg.Event), slog.Any("error", err))
		return
	}
	c.Transport.Send(data)
}

// broadcast fans a message out to every member of a site room, excluding at
// most one connection (uuid.Nil excludes nobody). Enqueueing happens under
// the room's send mutex so members agree on broadcast order.
func (h *Hub) broadcast(siteID string, msg ServerMessage, exclude uuid.UUID) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", slog.String("event", msg.Event), slog.Any("error", err))
		return
	}
	h.state.forEachMember(siteID, exclude, func(c *client) {
		c.Transport.Send(data)
	})
}
