// Package inmem backs the persistence interfaces with process-local maps.
// It serves tests and single-node development; durable deployments use the
// sqlite backend.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
)

// Store bundles the three in-memory tables. Each table carries its own
// RWMutex so session churn never contends with lock traffic.
type Store struct {
	sessions *SessionStore
	locks    *LockStore
	roles    *RoleStore
}

func New() *Store {
	return &Store{
		sessions: &SessionStore{
			byID:    make(map[string]*session.EditSession),
			byToken: make(map[string]string),
		},
		locks: &LockStore{rows: make(map[string]*lock.ContentEditingSession)},
		roles: &RoleStore{roles: make(map[string]permission.Role)},
	}
}

func (s *Store) Sessions() *SessionStore { return s.sessions }
func (s *Store) Locks() *LockStore       { return s.locks }
func (s *Store) Roles() *RoleStore       { return s.roles }

// Compile-time interface checks.
var (
	_ session.Store    = (*SessionStore)(nil)
	_ lock.Store       = (*LockStore)(nil)
	_ permission.Store = (*RoleStore)(nil)
)

// --- sessions ---

type SessionStore struct {
	mu      sync.RWMutex
	byID    map[string]*session.EditSession
	byToken map[string]string
}

func (s *SessionStore) Insert(ctx context.Context, sess *session.EditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.byID[sess.ID] = &cp
	s.byToken[sess.Token] = sess.ID
	return nil
}

func (s *SessionStore) FindByToken(ctx context.Context, token string) (*session.EditSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byToken[token]
	if !ok {
		return nil, false, nil
	}
	sess, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	cp := *sess
	return &cp, true, nil
}

func (s *SessionStore) FindByID(ctx context.Context, id string) (*session.EditSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	cp := *sess
	return &cp, true, nil
}

func (s *SessionStore) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*session.EditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*session.EditSession
	for _, sess := range s.byID {
		if sess.UserID != userID || sess.Revoked() || sess.Expired(now) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (s *SessionStore) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok && sess.RevokedAt == nil {
		t := at
		sess.RevokedAt = &t
	}
	return nil
}

func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[id]; ok {
		sess.LastUsedAt = at
	}
	return nil
}

func (s *SessionStore) BulkExpire(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.byID {
		if sess.RevokedAt == nil && sess.Expired(now) {
			t := now
			sess.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

// --- locks ---

type LockStore struct {
	mu   sync.RWMutex
	rows map[string]*lock.ContentEditingSession
}

func (s *LockStore) Insert(ctx context.Context, row *lock.ContentEditingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *row
	s.rows[row.ID] = &cp
	return nil
}

func (s *LockStore) FindActive(ctx context.Context, elementID string, cutoff time.Time) ([]*lock.ContentEditingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*lock.ContentEditingSession
	for _, row := range s.rows {
		if row.ElementID == elementID && row.Active(cutoff) {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *LockStore) FindActiveByUserElement(ctx context.Context, userID, elementID string, cutoff time.Time) (*lock.ContentEditingSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows {
		if row.UserID == userID && row.ElementID == elementID && row.Active(cutoff) {
			cp := *row
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *LockStore) FindActiveByToken(ctx context.Context, token string, cutoff time.Time) (*lock.ContentEditingSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.rows {
		if row.SessionToken == token && row.Active(cutoff) {
			cp := *row
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *LockStore) EndRow(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok && row.EndedAt == nil {
		t := at
		row.EndedAt = &t
	}
	return nil
}

func (s *LockStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.LastActivity = at
	}
	return nil
}

func (s *LockStore) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for _, row := range s.rows {
		if row.EndedAt == nil && !row.LastActivity.After(cutoff) {
			t := now
			row.EndedAt = &t
			n++
		}
	}
	return n, nil
}

// Get returns a lock row by ID, for tests that assert on EndedAt.
func (s *LockStore) Get(id string) (*lock.ContentEditingSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

// --- roles ---

type RoleStore struct {
	mu    sync.RWMutex
	roles map[string]permission.Role
}

func roleKey(userID, siteID string) string {
	return userID + "\x00" + siteID
}

func (s *RoleStore) ResolveRole(ctx context.Context, userID, siteID string) (permission.Role, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[roleKey(userID, siteID)]
	return role, ok, nil
}

// Grant assigns a role. Used by tests and dev bootstrap; production roles
// come from the external permission store.
func (s *RoleStore) Grant(userID, siteID string, role permission.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[roleKey(userID, siteID)] = role
}

// Revoke removes a user's role on a site.
func (s *RoleStore) Revoke(userID, siteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, roleKey(userID, siteID))
}
