package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coeditd/coeditd/pkg/session"
)

// SessionValidator is the slice of the session manager this middleware needs.
type SessionValidator interface {
	Validate(ctx context.Context, token, siteID, ip string) (*session.EditSession, error)
}

// NewSessionAuth authenticates WebSocket upgrade requests with an edit
// session token. Browsers can't set headers on upgrade requests, so the
// token and site ride in the query string.
func NewSessionAuth(logger *slog.Logger, sessions SessionValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			q := r.URL.Query()
			token := q.Get("token")
			siteID := q.Get("site")
			if token == "" || siteID == "" {
				logger.Warn("Upgrade request missing token or site", "ip", reqMeta.IP)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			sess, err := sessions.Validate(r.Context(), token, siteID, reqMeta.IP)
			if err != nil {
				logger.Warn("Session validation failed on upgrade", "ip", reqMeta.IP, slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = sess.UserID
			reqMeta.SiteID = sess.SiteID
			reqMeta.Session = sess
			next.ServeHTTP(w, r)
		})
	}
}
