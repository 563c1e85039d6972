package hub

import (
	"sync"

	"github.com/google/uuid"
)

// state is the hub's registry of live connections and site rooms. Connections
// and rooms are guarded separately so presence reads never block joins.
type state struct {
	connMu sync.RWMutex
	conns  map[uuid.UUID]*client

	roomMu sync.RWMutex
	rooms  map[string]*room
}

func newState() *state {
	return &state{
		conns: make(map[uuid.UUID]*client),
		rooms: make(map[string]*room),
	}
}

func (s *state) add(c *client) {
	s.connMu.Lock()
	s.conns[c.ID] = c
	s.connMu.Unlock()

	s.roomMu.Lock()
	r, ok := s.rooms[c.SiteID]
	if !ok {
		r = &room{ID: c.SiteID, Members: make(map[uuid.UUID]*client)}
		s.rooms[c.SiteID] = r
	}
	r.Members[c.ID] = c
	s.roomMu.Unlock()
}

// remove detaches a connection from the registry and its room, deleting the
// room once empty. Returns the client so the caller can finish teardown.
func (s *state) remove(connID uuid.UUID) (*client, bool) {
	s.connMu.Lock()
	c, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.connMu.Unlock()
	if !ok {
		return nil, false
	}

	s.roomMu.Lock()
	if r, ok := s.rooms[c.SiteID]; ok {
		delete(r.Members, connID)
		if len(r.Members) == 0 {
			delete(s.rooms, c.SiteID)
		}
	}
	s.roomMu.Unlock()
	return c, true
}

func (s *state) get(connID uuid.UUID) (*client, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// members snapshots a room's membership so callers can iterate without
// holding the lock while writing to sockets.
func (s *state) members(siteID string) []*client {
	s.roomMu.RLock()
	defer s.roomMu.RUnlock()
	r, ok := s.rooms[siteID]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(r.Members))
	for _, c := range r.Members {
		out = append(out, c)
	}
	return out
}

// forEachMember runs send for every room member but one (uuid.Nil excludes
// nobody). The whole loop holds the room's send mutex: two broadcasts racing
// from different read pumps enqueue atomically, so no pair of members ever
// observes them in opposite orders.
func (s *state) forEachMember(siteID string, exclude uuid.UUID, send func(*client)) {
	s.roomMu.RLock()
	r, ok := s.rooms[siteID]
	if !ok {
		s.roomMu.RUnlock()
		return
	}
	members := make([]*client, 0, len(r.Members))
	for _, c := range r.Members {
		if c.ID != exclude {
			members = append(members, c)
		}
	}
	s.roomMu.RUnlock()

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	for _, c := range members {
		send(c)
	}
}

// roster collects the presence of everyone in a room except one connection,
// for the snapshot sent to a fresh joiner.
func (s *state) roster(siteID string, exclude uuid.UUID) []Presence {
	members := s.members(siteID)
	out := make([]Presence, 0, len(members))
	for _, c := range members {
		if c.ID == exclude {
			continue
		}
		out = append(out, c.snapshotPresence())
	}
	return out
}

func (s *state) countByUser(userID string) int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	n := 0
	for _, c := range s.conns {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (s *state) oldestByUser(userID string) (*client, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	var oldest *client
	for _, c := range s.conns {
		if c.UserID != userID {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

func (s *state) all() []*client {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	out := make([]*client, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
