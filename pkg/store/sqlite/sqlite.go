// Package sqlite persists sessions, locks and site roles in a single sqlite
// database via the pure-Go modernc driver. Timestamps are stored as unix
// nanoseconds so range predicates work without parsing.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
	"github.com/coeditd/coeditd/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS edit_sessions (
	id           TEXT PRIMARY KEY,
	site_id      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	token        TEXT NOT NULL UNIQUE,
	permissions  TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	ip_address   TEXT NOT NULL DEFAULT '',
	user_agent   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL,
	revoked_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_edit_sessions_user ON edit_sessions(user_id);

CREATE TABLE IF NOT EXISTS editing_locks (
	id            TEXT PRIMARY KEY,
	session_token TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	site_id       TEXT NOT NULL,
	element_id    TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	last_activity INTEGER NOT NULL,
	ended_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_editing_locks_element ON editing_locks(element_id);
CREATE INDEX IF NOT EXISTS idx_editing_locks_token ON editing_locks(session_token);

CREATE TABLE IF NOT EXISTS site_roles (
	user_id TEXT NOT NULL,
	site_id TEXT NOT NULL,
	role    TEXT NOT NULL,
	PRIMARY KEY (user_id, site_id)
);
`

type Store struct {
	db       *sql.DB
	sessions *SessionStore
	locks    *LockStore
	roles    *RoleStore
}

// Open opens (creating if needed) the database at dsn and bootstraps the
// schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, store.WrapErr("open", err)
	}
	if err := db.Ping(); err != nil {
		return nil, store.WrapErr("ping", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, store.WrapErr("bootstrap schema", err)
	}
	return &Store{
		db:       db,
		sessions: &SessionStore{db: db},
		locks:    &LockStore{db: db},
		roles:    &RoleStore{db: db},
	}, nil
}

func (s *Store) Close() error            { return s.db.Close() }
func (s *Store) Sessions() *SessionStore { return s.sessions }
func (s *Store) Locks() *LockStore       { return s.locks }
func (s *Store) Roles() *RoleStore       { return s.roles }

var (
	_ session.Store    = (*SessionStore)(nil)
	_ lock.Store       = (*LockStore)(nil)
	_ permission.Store = (*RoleStore)(nil)
)

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// --- sessions ---

type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) Insert(ctx context.Context, sess *session.EditSession) error {
	perms, err := json.Marshal(sess.Permissions)
	if err != nil {
		return store.WrapErr("marshal permissions", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edit_sessions
			(id, site_id, user_id, token, permissions, expires_at, ip_address, user_agent, created_at, last_used_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SiteID, sess.UserID, sess.Token, string(perms),
		nanos(sess.ExpiresAt), sess.IPAddress, sess.UserAgent,
		nanos(sess.CreatedAt), nanos(sess.LastUsedAt), nullableNanos(sess.RevokedAt))
	return store.WrapErr("insert session", err)
}

const sessionCols = `id, site_id, user_id, token, permissions, expires_at, ip_address, user_agent, created_at, last_used_at, revoked_at`

func scanSession(row interface{ Scan(...any) error }) (*session.EditSession, error) {
	var (
		sess      session.EditSession
		perms     string
		expires   int64
		created   int64
		lastUsed  int64
		revokedAt sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.SiteID, &sess.UserID, &sess.Token, &perms,
		&expires, &sess.IPAddress, &sess.UserAgent, &created, &lastUsed, &revokedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &sess.Permissions); err != nil {
		return nil, err
	}
	sess.ExpiresAt = fromNanos(expires)
	sess.CreatedAt = fromNanos(created)
	sess.LastUsedAt = fromNanos(lastUsed)
	if revokedAt.Valid {
		t := fromNanos(revokedAt.Int64)
		sess.RevokedAt = &t
	}
	return &sess, nil
}

func (s *SessionStore) FindByToken(ctx context.Context, token string) (*session.EditSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM edit_sessions WHERE token = ?`, token)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.WrapErr("find session by token", err)
	}
	return sess, true, nil
}

func (s *SessionStore) FindByID(ctx context.Context, id string) (*session.EditSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM edit_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.WrapErr("find session by id", err)
	}
	return sess, true, nil
}

func (s *SessionStore) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*session.EditSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM edit_sessions
		 WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?`,
		userID, nanos(now))
	if err != nil {
		return nil, store.WrapErr("find active sessions", err)
	}
	defer rows.Close()

	var out []*session.EditSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, store.WrapErr("scan session", err)
		}
		out = append(out, sess)
	}
	return out, store.WrapErr("find active sessions", rows.Err())
}

func (s *SessionStore) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE edit_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		nanos(at), id)
	return store.WrapErr("mark session revoked", err)
}

func (s *SessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE edit_sessions SET last_used_at = ? WHERE id = ?`, nanos(at), id)
	return store.WrapErr("touch session", err)
}

func (s *SessionStore) BulkExpire(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE edit_sessions SET revoked_at = ? WHERE revoked_at IS NULL AND expires_at <= ?`,
		nanos(now), nanos(now))
	if err != nil {
		return 0, store.WrapErr("bulk expire sessions", err)
	}
	n, err := res.RowsAffected()
	return int(n), store.WrapErr("bulk expire sessions", err)
}

// --- locks ---

type LockStore struct {
	db *sql.DB
}

func (s *LockStore) Insert(ctx context.Context, row *lock.ContentEditingSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO editing_locks
			(id, session_token, user_id, site_id, element_id, started_at, last_activity, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.SessionToken, row.UserID, row.SiteID, row.ElementID,
		nanos(row.StartedAt), nanos(row.LastActivity), nullableNanos(row.EndedAt))
	return store.WrapErr("insert lock", err)
}

const lockCols = `id, session_token, user_id, site_id, element_id, started_at, last_activity, ended_at`

func scanLock(row interface{ Scan(...any) error }) (*lock.ContentEditingSession, error) {
	var (
		l        lock.ContentEditingSession
		started  int64
		activity int64
		ended    sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.SessionToken, &l.UserID, &l.SiteID, &l.ElementID,
		&started, &activity, &ended)
	if err != nil {
		return nil, err
	}
	l.StartedAt = fromNanos(started)
	l.LastActivity = fromNanos(activity)
	if ended.Valid {
		t := fromNanos(ended.Int64)
		l.EndedAt = &t
	}
	return &l, nil
}

func (s *LockStore) FindActive(ctx context.Context, elementID string, cutoff time.Time) ([]*lock.ContentEditingSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockCols+` FROM editing_locks
		 WHERE element_id = ? AND ended_at IS NULL AND last_activity > ?`,
		elementID, nanos(cutoff))
	if err != nil {
		return nil, store.WrapErr("find active locks", err)
	}
	defer rows.Close()

	var out []*lock.ContentEditingSession
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, store.WrapErr("scan lock", err)
		}
		out = append(out, l)
	}
	return out, store.WrapErr("find active locks", rows.Err())
}

func (s *LockStore) FindActiveByUserElement(ctx context.Context, userID, elementID string, cutoff time.Time) (*lock.ContentEditingSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockCols+` FROM editing_locks
		 WHERE user_id = ? AND element_id = ? AND ended_at IS NULL AND last_activity > ?
		 ORDER BY started_at DESC LIMIT 1`,
		userID, elementID, nanos(cutoff))
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.WrapErr("find lock by user+element", err)
	}
	return l, true, nil
}

func (s *LockStore) FindActiveByToken(ctx context.Context, token string, cutoff time.Time) (*lock.ContentEditingSession, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockCols+` FROM editing_locks
		 WHERE session_token = ? AND ended_at IS NULL AND last_activity > ?
		 ORDER BY started_at DESC LIMIT 1`,
		token, nanos(cutoff))
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, store.WrapErr("find lock by token", err)
	}
	return l, true, nil
}

func (s *LockStore) EndRow(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE editing_locks SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		nanos(at), id)
	return store.WrapErr("end lock", err)
}

func (s *LockStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE editing_locks SET last_activity = ? WHERE id = ?`, nanos(at), id)
	return store.WrapErr("touch lock", err)
}

func (s *LockStore) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE editing_locks SET ended_at = ? WHERE ended_at IS NULL AND last_activity <= ?`,
		nanos(time.Now()), nanos(cutoff))
	if err != nil {
		return 0, store.WrapErr("sweep stale locks", err)
	}
	n, err := res.RowsAffected()
	return int(n), store.WrapErr("sweep stale locks", err)
}

// --- roles ---

type RoleStore struct {
	db *sql.DB
}

func (s *RoleStore) ResolveRole(ctx context.Context, userID, siteID string) (permission.Role, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM site_roles WHERE user_id = ? AND site_id = ?`,
		userID, siteID).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.WrapErr("resolve role", err)
	}
	role, err := permission.ParseRole(raw)
	if err != nil {
		return "", false, store.WrapErr("resolve role", err)
	}
	return role, true, nil
}

// Grant upserts a user's role on a site.
func (s *RoleStore) Grant(ctx context.Context, userID, siteID string, role permission.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_roles (user_id, site_id, role) VALUES (?, ?, ?)
		ON CONFLICT(user_id, site_id) DO UPDATE SET role = excluded.role`,
		userID, siteID, string(role))
	return store.WrapErr("grant role", err)
}
