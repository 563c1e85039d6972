package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the slice of the transport connection the hub needs. The concrete
// implementation is *transport.Connection.
type Conn interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// ClientMessage is the envelope for everything a client sends.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope for everything the hub emits.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Presence is a connection's ephemeral editing state. It lives only in hub
// memory and is rebuilt from scratch on reconnect.
type Presence struct {
	UserID         string          `json:"userId"`
	SiteID         string          `json:"siteId"`
	ElementID      string          `json:"elementId,omitempty"`
	CursorPosition json.RawMessage `json:"cursorPosition,omitempty"`
	Selection      json.RawMessage `json:"selection,omitempty"`
	LastActivity   time.Time       `json:"lastActivity"`
}

// client is one live connection joined to a site room.
type client struct {
	ID        uuid.UUID
	UserID    string
	SiteID    string
	Token     string
	IP        string
	Transport Conn
	CreatedAt time.Time

	mu       sync.Mutex
	presence Presence
	editing  string // elementID of the lock held via this connection, if any
}

func (c *client) snapshotPresence() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *client) editingElement() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing
}

func (c *client) setEditing(elementID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editing = elementID
}

// room is a site's broadcast group. sendMu serializes whole broadcasts so
// every member's send queue sees concurrent broadcasts in the same order.
type room struct {
	ID      string
	Members map[uuid.UUID]*client

	sendMu sync.Mutex
}
