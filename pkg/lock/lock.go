package lock

import (
	"context"
	"time"
)

// ContentEditingSession is one editing-lock row. A row is active while
// EndedAt is unset and its LastActivity falls inside the activity window;
// staleness is computed, never stored.
type ContentEditingSession struct {
	ID           string     `json:"id"`
	SessionToken string     `json:"sessionToken"`
	UserID       string     `json:"userId"`
	SiteID       string     `json:"siteId"`
	ElementID    string     `json:"elementId"`
	StartedAt    time.Time  `json:"startedAt"`
	LastActivity time.Time  `json:"lastActivity"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Active reports whether the row counts as a live lock given the cutoff
// (now minus the activity window).
func (c *ContentEditingSession) Active(cutoff time.Time) bool {
	return c.EndedAt == nil && c.LastActivity.After(cutoff)
}

// Store is the persistence interface the coordinator consumes. "Active"
// queries take the staleness cutoff so the window stays a coordinator
// concern, not a storage one.
type Store interface {
	Insert(ctx context.Context, row *ContentEditingSession) error
	FindActive(ctx context.Context, elementID string, cutoff time.Time) ([]*ContentEditingSession, error)
	FindActiveByUserElement(ctx context.Context, userID, elementID string, cutoff time.Time) (*ContentEditingSession, bool, error)
	FindActiveByToken(ctx context.Context, token string, cutoff time.Time) (*ContentEditingSession, bool, error)
	EndRow(ctx context.Context, id string, at time.Time) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}
