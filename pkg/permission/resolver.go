package permission

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnauthorized means the user holds no role at all on the resource.
var ErrUnauthorized = errors.New("no role on resource")

// Store resolves a user's stored role for a site or team. Implementations
// live under pkg/store.
type Store interface {
	ResolveRole(ctx context.Context, userID, siteID string) (Role, bool, error)
}

// Resolver answers "what is this user's effective role here" and expands
// roles into the permission sets they imply.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With(slog.String("component", "permission_resolver")),
	}
}

// ResolveRole returns the user's role on the site, or ErrUnauthorized when
// they have none. Store failures propagate as-is.
func (r *Resolver) ResolveRole(ctx context.Context, userID, siteID string) (Role, error) {
	role, ok, err := r.store.ResolveRole(ctx, userID, siteID)
	if err != nil {
		return "", err
	}
	if !ok {
		r.logger.Debug("no role resolved", "userID", userID, "siteID", siteID)
		return "", ErrUnauthorized
	}
	return role, nil
}
