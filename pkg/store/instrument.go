package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
)

// The instrumented wrappers time every persistence call. They are composed
// explicitly at construction time; nothing is intercepted dynamically.

func observe(logger *slog.Logger, op string, start time.Time, err error) {
	if err != nil {
		logger.Warn("store call failed", "op", op, "duration", time.Since(start), "error", err)
		return
	}
	logger.Debug("store call", "op", op, "duration", time.Since(start))
}

// InstrumentSessions wraps a session store with call timing.
func InstrumentSessions(logger *slog.Logger, s session.Store) session.Store {
	return &instrumentedSessions{inner: s, logger: logger.With(slog.String("component", "session_store"))}
}

type instrumentedSessions struct {
	inner  session.Store
	logger *slog.Logger
}

func (s *instrumentedSessions) Insert(ctx context.Context, sess *session.EditSession) error {
	start := time.Now()
	err := s.inner.Insert(ctx, sess)
	observe(s.logger, "Insert", start, err)
	return err
}

func (s *instrumentedSessions) FindByToken(ctx context.Context, token string) (*session.EditSession, bool, error) {
	start := time.Now()
	sess, ok, err := s.inner.FindByToken(ctx, token)
	observe(s.logger, "FindByToken", start, err)
	return sess, ok, err
}

func (s *instrumentedSessions) FindByID(ctx context.Context, id string) (*session.EditSession, bool, error) {
	start := time.Now()
	sess, ok, err := s.inner.FindByID(ctx, id)
	observe(s.logger, "FindByID", start, err)
	return sess, ok, err
}

func (s *instrumentedSessions) FindActiveByUser(ctx context.Context, userID string, now time.Time) ([]*session.EditSession, error) {
	start := time.Now()
	out, err := s.inner.FindActiveByUser(ctx, userID, now)
	observe(s.logger, "FindActiveByUser", start, err)
	return out, err
}

func (s *instrumentedSessions) MarkRevoked(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	err := s.inner.MarkRevoked(ctx, id, at)
	observe(s.logger, "MarkRevoked", start, err)
	return err
}

func (s *instrumentedSessions) Touch(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	err := s.inner.Touch(ctx, id, at)
	observe(s.logger, "Touch", start, err)
	return err
}

func (s *instrumentedSessions) BulkExpire(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := s.inner.BulkExpire(ctx, now)
	observe(s.logger, "BulkExpire", start, err)
	return n, err
}

// InstrumentLocks wraps a lock store with call timing.
func InstrumentLocks(logger *slog.Logger, s lock.Store) lock.Store {
	return &instrumentedLocks{inner: s, logger: logger.With(slog.String("component", "lock_store"))}
}

type instrumentedLocks struct {
	inner  lock.Store
	logger *slog.Logger
}

func (s *instrumentedLocks) Insert(ctx context.Context, row *lock.ContentEditingSession) error {
	start := time.Now()
	err := s.inner.Insert(ctx, row)
	observe(s.logger, "Insert", start, err)
	return err
}

func (s *instrumentedLocks) FindActive(ctx context.Context, elementID string, cutoff time.Time) ([]*lock.ContentEditingSession, error) {
	start := time.Now()
	out, err := s.inner.FindActive(ctx, elementID, cutoff)
	observe(s.logger, "FindActive", start, err)
	return out, err
}

func (s *instrumentedLocks) FindActiveByUserElement(ctx context.Context, userID, elementID string, cutoff time.Time) (*lock.ContentEditingSession, bool, error) {
	start := time.Now()
	row, ok, err := s.inner.FindActiveByUserElement(ctx, userID, elementID, cutoff)
	observe(s.logger, "FindActiveByUserElement", start, err)
	return row, ok, err
}

func (s *instrumentedLocks) FindActiveByToken(ctx context.Context, token string, cutoff time.Time) (*lock.ContentEditingSession, bool, error) {
	start := time.Now()
	row, ok, err := s.inner.FindActiveByToken(ctx, token, cutoff)
	observe(s.logger, "FindActiveByToken", start, err)
	return row, ok, err
}

func (s *instrumentedLocks) EndRow(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	err := s.inner.EndRow(ctx, id, at)
	observe(s.logger, "EndRow", start, err)
	return err
}

func (s *instrumentedLocks) TouchActivity(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	err := s.inner.TouchActivity(ctx, id, at)
	observe(s.logger, "TouchActivity", start, err)
	return err
}

func (s *instrumentedLocks) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	start := time.Now()
	n, err := s.inner.SweepStale(ctx, cutoff)
	observe(s.logger, "SweepStale", start, err)
	return n, err
}

// InstrumentRoles wraps a permission store with call timing.
func InstrumentRoles(logger *slog.Logger, s permission.Store) permission.Store {
	return &instrumentedRoles{inner: s, logger: logger.With(slog.String("component", "permission_store"))}
}

type instrumentedRoles struct {
	inner  permission.Store
	logger *slog.Logger
}

func (s *instrumentedRoles) ResolveRole(ctx context.Context, userID, siteID string) (permission.Role, bool, error) {
	start := time.Now()
	role, ok, err := s.inner.ResolveRole(ctx, userID, siteID)
	observe(s.logger, "ResolveRole", start, err)
	return role, ok, err
}
