package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
)

var (
	// ErrSessionInvalid covers expired, revoked and unknown session tokens,
	// and tokens presented by a user other than their owner.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrNoPermission means the user's role on the site is below editor.
	ErrNoPermission = errors.New("write permission required")
	// ErrNotFound means no active lock row exists for the caller.
	ErrNotFound = errors.New("no active editing session")
)

// ConflictError reports that another user currently holds the element.
type ConflictError struct {
	ElementID    string
	HolderUserID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("element %s is being edited by %s", e.ElementID, e.HolderUserID)
}

// SessionValidator is the slice of the session manager the coordinator needs.
type SessionValidator interface {
	ValidateToken(ctx context.Context, token, ip string) (*session.EditSession, error)
}

const DefaultActivityWindow = 30 * time.Minute

// Coordinator enforces a soft single-writer policy per element. The lock is
// held by heartbeat, not by a database transaction: a holder that stops
// beating becomes inactive once the activity window elapses, so abandoned
// locks self-heal without an explicit release.
type Coordinator struct {
	sessions SessionValidator
	resolver *permission.Resolver
	store    Store
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// Per-element serialization of check-then-commit within this process.
	// Races across instances remain and are resolved by the window check.
	muMu    sync.Mutex
	elemMus map[string]*sync.Mutex
}

func NewCoordinator(sessions SessionValidator, resolver *permission.Resolver, store Store, window time.Duration, logger *slog.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &Coordinator{
		sessions: sessions,
		resolver: resolver,
		store:    store,
		window:   window,
		logger:   logger.With(slog.String("component", "lock_coordinator")),
		now:      time.Now,
		elemMus:  make(map[string]*sync.Mutex),
	}
}

// ActivityWindow returns the configured staleness window.
func (c *Coordinator) ActivityWindow() time.Duration {
	return c.window
}

func (c *Coordinator) elementMu(elementID string) *sync.Mutex {
	c.muMu.Lock()
	defer c.muMu.Unlock()
	mu, ok := c.elemMus[elementID]
	if !ok {
		mu = &sync.Mutex{}
		c.elemMus[elementID] = mu
	}
	return mu
}

func (c *Coordinator) cutoff() time.Time {
	return c.now().Add(-c.window)
}

// Acquire grants the caller the editing lock for an element. Another user
// with an active row wins a ConflictError; the caller's own prior row for the
// element is ended implicitly (takeover).
func (c *Coordinator) Acquire(ctx context.Context, userID, elementID, token string) (*ContentEditingSession, error) {
	sess, err := c.sessions.ValidateToken(ctx, token, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}
	if sess.UserID != userID {
		return nil, ErrSessionInvalid
	}

	role, err := c.resolver.ResolveRole(ctx, userID, sess.SiteID)
	if err != nil {
		if errors.Is(err, permission.ErrUnauthorized) {
			return nil, ErrNoPermission
		}
		return nil, err
	}
	if !permission.CanWrite(role) {
		return nil, ErrNoPermission
	}

	mu := c.elementMu(elementID)
	mu.Lock()
	defer mu.Unlock()

	cutoff := c.cutoff()
	active, err := c.store.FindActive(ctx, elementID, cutoff)
	if err != nil {
		return nil, err
	}
	for _, row := range active {
		if row.UserID != userID {
			return nil, &ConflictError{ElementID: elementID, HolderUserID: row.UserID}
		}
	}

	now := c.now()
	// Takeover: end the caller's own prior row before inserting the new one.
	if prior, ok, err := c.store.FindActiveByUserElement(ctx, userID, elementID, cutoff); err != nil {
		return nil, err
	} else if ok {
		if err := c.store.EndRow(ctx, prior.ID, now); err != nil {
			return nil, err
		}
		c.logger.Debug("prior lock ended by takeover", "userID", userID, "elementID", elementID, "priorID", prior.ID)
	}

	row := &ContentEditingSession{
		ID:           uuid.New().String(),
		SessionToken: token,
		UserID:       userID,
		SiteID:       sess.SiteID,
		ElementID:    elementID,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := c.store.Insert(ctx, row); err != nil {
		return nil, err
	}
	c.logger.Info("lock acquired", "userID", userID, "elementID", elementID)
	return row, nil
}

// Heartbeat refreshes the caller's active row. Call it at most every third of
// the activity window to keep the lock alive.
func (c *Coordinator) Heartbeat(ctx context.Context, token string) error {
	if _, err := c.sessions.ValidateToken(ctx, token, ""); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionInvalid, err)
	}
	row, ok, err := c.store.FindActiveByToken(ctx, token, c.cutoff())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return c.store.TouchActivity(ctx, row.ID, c.now())
}

// Release ends the caller's active row. Idempotent: releasing with no active
// row is a no-op.
func (c *Coordinator) Release(ctx context.Context, token string) error {
	row, ok, err := c.store.FindActiveByToken(ctx, token, c.cutoff())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.store.EndRow(ctx, row.ID, c.now()); err != nil {
		return err
	}
	c.logger.Info("lock released", "userID", row.UserID, "elementID", row.ElementID)
	return nil
}

// ActiveHolders lists the distinct users currently holding the element.
// Stale rows are excluded by the window check even before any sweep ends them.
func (c *Coordinator) ActiveHolders(ctx context.Context, elementID string) ([]string, error) {
	rows, err := c.store.FindActive(ctx, elementID, c.cutoff())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(rows))
	holders := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.UserID]; ok {
			continue
		}
		seen[row.UserID] = struct{}{}
		holders = append(holders, row.UserID)
	}
	return holders, nil
}

// SweepStale closes rows whose activity window has elapsed and returns how
// many were ended. Scheduling is the caller's concern.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	n, err := c.store.SweepStale(ctx, c.cutoff())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("stale locks swept", "count", n)
	}
	return n, nil
}
