package session

import (
	"context"
	"time"
)

// EditSession is a time-boxed, revocable credential scoping a user to a site.
type EditSession struct {
	ID          string     `json:"id"`
	SiteID      string     `json:"siteId"`
	UserID      string     `json:"userId"`
	Token       string     `json:"token"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	IPAddress   string     `json:"ipAddress,omitempty"`
	UserAgent   string     `json:"userAgent,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  time.Time  `json:"lastUsedAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *EditSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Revoked reports whether the session was explicitly revoked.
func (s *EditSession) Revoked() bool {
	return s.RevokedAt != nil
}

// Store is the persistence interface the manager consumes. Implementations
// live under pkg/store.
type Store interface {
	Insert(ctx context.Context, s *EditSession) error
	FindByToken(ctx context.Context, token string) (*EditSession, bool, error)
	FindByID(ctx context.Context, id string) (*EditSession, bool, error)
	FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*EditSession, error)
	MarkRevoked(ctx context.Context, id string, at time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
	BulkExpire(ctx context.Context, now time.Time) (int, error)
}
