package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/coeditd/coeditd/internal/server/middleware"
	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
)

// routes builds the HTTP surface: a health probe, the WebSocket upgrade
// endpoint guarded by edit-session auth, and the service API guarded by the
// shared-secret JWT the editing backend signs.
func (a *App) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	r.Handle("/ws", middleware.Chain(http.HandlerFunc(a.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		middleware.NewBanFilter(a.logger, a.guard),
		middleware.NewSessionAuth(a.logger, a.sessions),
		middleware.NewConnectionLimiter(
			a.logger,
			a.hub.ConnectionCount,
			func(userID string) { a.hub.CloseOldest(userID) },
			a.config.Server.ConnectionLimit,
		),
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	for _, mw := range []middleware.Middleware{
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(a.logger),
		middleware.NewBanFilter(a.logger, a.guard),
		middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret),
		middleware.NewRateLimiter(a.logger, a.guard, "api"),
	} {
		api.Use(mux.MiddlewareFunc(mw))
	}

	api.HandleFunc("/sessions", a.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions/validate", a.handleValidateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", a.handleRevokeSession).Methods("DELETE")
	api.HandleFunc("/users/{id}/sessions", a.handleListSessions).Methods("GET")

	api.HandleFunc("/locks", a.handleAcquireLock).Methods("POST")
	api.HandleFunc("/locks/heartbeat", a.handleLockHeartbeat).Methods("POST")
	api.HandleFunc("/locks", a.handleReleaseLock).Methods("DELETE")
	api.HandleFunc("/elements/{id}/holders", a.handleListHolders).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/sweep", a.handleSweep).Methods("POST")
	admin.HandleFunc("/ratelimit/reset", a.handleRateLimitReset).Methods("POST")
	admin.HandleFunc("/bans/clear", a.handleBansClear).Methods("POST")

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createSessionRequest struct {
	SiteID      string   `json:"siteId"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	TTLSeconds  int      `json:"ttlSeconds"`
	IPAddress   string   `json:"ipAddress"`
	UserAgent   string   `json:"userAgent"`
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "siteId is required")
		return
	}
	// The service backend may mint sessions for any user; absent an explicit
	// userId the token subject is the target.
	if req.UserID == "" {
		req.UserID = reqMeta.UserID
	}

	sess, err := a.sessions.Create(r.Context(), session.CreateParams{
		SiteID:      req.SiteID,
		UserID:      req.UserID,
		Permissions: req.Permissions,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
	})
	if err != nil {
		switch {
		case errors.Is(err, permission.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "user has no role on this site")
		case errors.Is(err, session.ErrPermissionExceeded):
			writeError(w, http.StatusForbidden, "requested permissions exceed the user's role")
		default:
			a.logger.Error("Session create failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *App) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		SiteID string `json:"siteId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "token and siteId are required")
		return
	}

	sess, err := a.sessions.Validate(r.Context(), req.Token, req.SiteID, "")
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExpired):
			writeError(w, http.StatusUnauthorized, "session expired")
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "session not found")
		default:
			a.logger.Error("Session validate failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to validate session")
		}
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	id := mux.Vars(r)["id"]

	err := a.sessions.Revoke(r.Context(), id, reqMeta.UserID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrForbidden):
			writeError(w, http.StatusForbidden, "not allowed to revoke this session")
		default:
			a.logger.Error("Session revoke failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to revoke session")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	sessions, err := a.sessions.ListActive(r.Context(), userID)
	if err != nil {
		a.logger.Error("Session list failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*session.EditSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "sessions": sessions})
}

type lockRequest struct {
	UserID    string `json:"userId"`
	ElementID string `json:"elementId"`
	Token     string `json:"token"`
}

func (a *App) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ElementID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "elementId and token are required")
		return
	}
	if req.UserID == "" {
		req.UserID = reqMeta.UserID
	}

	row, err := a.locks.Acquire(r.Context(), req.UserID, req.ElementID, req.Token)
	if err != nil {
		var conflict *lock.ConflictError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":        "element is being edited by another user",
				"elementId":    conflict.ElementID,
				"holderUserId": conflict.HolderUserID,
			})
		case errors.Is(err, lock.ErrNoPermission):
			writeError(w, http.StatusForbidden, "write permission required")
		case errors.Is(err, lock.ErrSessionInvalid):
			writeError(w, http.StatusUnauthorized, "edit session is no longer valid")
		default:
			a.logger.Error("Lock acquire failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to acquire lock")
		}
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (a *App) handleLockHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	err := a.locks.Heartbeat(r.Context(), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrNotFound):
			writeError(w, http.StatusNotFound, "no active editing session for this token")
		case errors.Is(err, lock.ErrSessionInvalid):
			writeError(w, http.StatusUnauthorized, "edit session is no longer valid")
		default:
			a.logger.Error("Lock heartbeat failed", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to refresh lock")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	// Release is idempotent: a token with no active row still returns 204.
	if err := a.locks.Release(r.Context(), req.Token); err != nil {
		a.logger.Error("Lock release failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to release lock")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListHolders(w http.ResponseWriter, r *http.Request) {
	elementID := mux.Vars(r)["id"]
	holders, err := a.locks.ActiveHolders(r.Context(), elementID)
	if err != nil {
		a.logger.Error("Holder lookup failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list holders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"elementId": elementID, "holders": holders})
}

func (a *App) handleSweep(w http.ResponseWriter, r *http.Request) {
	sessionsExpired, locksEnded := a.Sweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{
		"sessionsExpired": sessionsExpired,
		"locksEnded":      locksEnded,
	})
}

func (a *App) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Endpoint   string `json:"endpoint"`
	}
	// An empty body means a full reset.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Identifier == "" {
		a.guard.ClearAllLimits()
	} else {
		endpoint := req.Endpoint
		if endpoint == "" {
			endpoint = "api"
		}
		a.guard.ResetLimit(req.Identifier, endpoint)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleBansClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	a.guard.ClearSuspicious(req.Identifier)
	w.WriteHeader(http.StatusNoContent)
}
