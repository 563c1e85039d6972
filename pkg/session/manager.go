package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coeditd/coeditd/pkg/permission"
)

var (
	// ErrPermissionExceeded means the requested permission set is broader
	// than what the user's role implies.
	ErrPermissionExceeded = errors.New("requested permissions exceed role")
	// ErrNotFound covers unknown, revoked and wrong-site tokens alike, so a
	// caller can't probe which of the three it was.
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
	// ErrForbidden means the requester may not revoke someone else's session.
	ErrForbidden = errors.New("not allowed to revoke this session")
)

// IP-mismatch policies for Validate.
const (
	IPPolicyStrict  = "strict"
	IPPolicyLogOnly = "log-only"
	IPPolicyOff     = "off"
)

const tokenBytes = 48

type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	IPPolicy   string
}

// Manager issues, validates and revokes edit sessions.
type Manager struct {
	store    Store
	resolver *permission.Resolver
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(store Store, resolver *permission.Resolver, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 2 * time.Hour
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.IPPolicy == "" {
		cfg.IPPolicy = IPPolicyLogOnly
	}
	return &Manager{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session_manager")),
		now:      time.Now,
	}
}

// CreateParams carries the inputs for Create. TTL of zero means the default.
type CreateParams struct {
	SiteID      string
	UserID      string
	Permissions []string
	TTL         time.Duration
	IPAddress   string
	UserAgent   string
}

// Create resolves the user's role, checks the requested permissions against
// it, and persists a new session with a fresh random token.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*EditSession, error) {
	role, err := m.resolver.ResolveRole(ctx, p.UserID, p.SiteID)
	if err != nil {
		return nil, err
	}
	if !permission.Covers(role, p.Permissions) {
		return nil, fmt.Errorf("%w: role %s", ErrPermissionExceeded, role)
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &EditSession{
		ID:          uuid.New().String(),
		SiteID:      p.SiteID,
		UserID:      p.UserID,
		Token:       token,
		Permissions: p.Permissions,
		ExpiresAt:   now.Add(m.clampTTL(p.TTL)),
		IPAddress:   p.IPAddress,
		UserAgent:   p.UserAgent,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := m.store.Insert(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created",
		"sessionID", sess.ID, "userID", p.UserID, "siteID", p.SiteID, "role", string(role))
	return sess, nil
}

// clampTTL maps a requested duration into (0, MaxTTL], defaulting non-positive
// requests to the configured default.
func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.cfg.DefaultTTL
	}
	if ttl > m.cfg.MaxTTL {
		return m.cfg.MaxTTL
	}
	return ttl
}

// Validate looks up a token scoped to a site. The IP check follows the
// configured policy; by default a mismatch is logged but allowed, since
// clients roam networks mid-session.
func (m *Manager) Validate(ctx context.Context, token, siteID, ip string) (*EditSession, error) {
	sess, err := m.ValidateToken(ctx, token, ip)
	if err != nil {
		return nil, err
	}
	if sess.SiteID != siteID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ValidateToken validates a token without binding it to a site. The lock
// coordinator uses this path: the session row itself names the site.
func (m *Manager) ValidateToken(ctx context.Context, token, ip string) (*EditSession, error) {
	sess, ok, err := m.store.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok || sess.Revoked() {
		return nil, ErrNotFound
	}
	now := m.now()
	if sess.Expired(now) {
		return nil, ErrExpired
	}
	if ip != "" && sess.IPAddress != "" && ip != sess.IPAddress {
		switch m.cfg.IPPolicy {
		case IPPolicyStrict:
			m.logger.Warn("session IP mismatch rejected", "sessionID", sess.ID, "boundIP", sess.IPAddress, "callerIP", ip)
			return nil, ErrNotFound
		case IPPolicyLogOnly:
			m.logger.Warn("session IP mismatch", "sessionID", sess.ID, "boundIP", sess.IPAddress, "callerIP", ip)
		}
	}
	if err := m.store.Touch(ctx, sess.ID, now); err != nil {
		// A failed touch doesn't invalidate an otherwise good session.
		m.logger.Warn("failed to touch session", "sessionID", sess.ID, "error", err)
	}
	sess.LastUsedAt = now
	return sess, nil
}

// Revoke marks a session inactive. Only the owning user or a holder of the
// site:admin permission may revoke.
func (m *Manager) Revoke(ctx context.Context, sessionID, requestingUserID string) error {
	sess, ok, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if sess.UserID != requestingUserID && !m.isAdmin(ctx, requestingUserID, sess.SiteID) {
		return ErrForbidden
	}
	if sess.Revoked() {
		return nil
	}
	if err := m.store.MarkRevoked(ctx, sessionID, m.now()); err != nil {
		return err
	}
	m.logger.Info("session revoked", "sessionID", sessionID, "by", requestingUserID)
	return nil
}

func (m *Manager) isAdmin(ctx context.Context, userID, siteID string) bool {
	role, err := m.resolver.ResolveRole(ctx, userID, siteID)
	if err != nil {
		return false
	}
	return role.AtLeast(permission.RoleOwner)
}

// ListActive returns the user's not-expired, not-revoked sessions.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*EditSession, error) {
	return m.store.FindActiveByUser(ctx, userID, m.now())
}

// SweepExpired batch-marks every session past its expiry as inactive and
// returns how many rows were closed. Scheduling is the caller's concern.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.BulkExpire(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired sessions swept", "count", n)
	}
	return n, nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
