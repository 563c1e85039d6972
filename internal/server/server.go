package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/coeditd/coeditd/internal/hub"
	"github.com/coeditd/coeditd/internal/server/middleware"
	"github.com/coeditd/coeditd/pkg/config"
	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/rateguard"
	"github.com/coeditd/coeditd/pkg/session"
	"github.com/coeditd/coeditd/pkg/store"
	"github.com/coeditd/coeditd/pkg/store/inmem"
	"github.com/coeditd/coeditd/pkg/store/sqlite"
	"github.com/coeditd/coeditd/pkg/transport"
)

// App owns the wired component graph and the HTTP server that exposes it.
type App struct {
	logger   *slog.Logger
	config   *config.Config
	sessions *session.Manager
	locks    *lock.Coordinator
	guard    *rateguard.Guard
	hub      *hub.Hub

	wg         sync.WaitGroup
	http       *http.Server
	closeStore func() error

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	var (
		sessStore  session.Store
		lockStore  lock.Store
		roleStore  permission.Store
		closeStore func() error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		st, err := sqlite.Open(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		sessStore, lockStore, roleStore = st.Sessions(), st.Locks(), st.Roles()
		closeStore = st.Close
	case "memory":
		st := inmem.New()
		sessStore, lockStore, roleStore = st.Sessions(), st.Locks(), st.Roles()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	sessStore = store.InstrumentSessions(logger, sessStore)
	lockStore = store.InstrumentLocks(logger, lockStore)
	roleStore = store.InstrumentRoles(logger, roleStore)

	resolver := permission.NewResolver(roleStore, logger)
	sessions := session.NewManager(sessStore, resolver, session.Config{
		DefaultTTL: cfg.Session.DefaultTTL,
		MaxTTL:     cfg.Session.MaxTTL,
		IPPolicy:   cfg.Session.IPPolicy,
	}, logger)
	locks := lock.NewCoordinator(sessions, resolver, lockStore, cfg.Lock.ActivityWindow, logger)
	guard := rateguard.NewGuard(rateguard.Config{
		Window:      cfg.RateGuard.Window,
		MaxRequests: cfg.RateGuard.MaxRequests,
		EditWindow:  cfg.RateGuard.EditWindow,
		EditMax:     cfg.RateGuard.EditMax,
		Detection: rateguard.DetectorConfig{
			Window:              cfg.RateGuard.Detection.Window,
			SuspiciousThreshold: cfg.RateGuard.Detection.SuspiciousThreshold,
			BanThreshold:        cfg.RateGuard.Detection.BanThreshold,
		},
	}, logger)

	app := &App{
		logger:     logger,
		config:     cfg,
		sessions:   sessions,
		locks:      locks,
		guard:      guard,
		hub:        hub.NewHub(sessions, locks, guard, logger),
		closeStore: closeStore,
		ctx:        rootCtx,
	}

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: app.routes(),
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) Run() error {
	a.guard.Start(a.ctx)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// Sweep closes expired sessions and stale locks in one pass. The caller owns
// the schedule.
func (a *App) Sweep(ctx context.Context) (sessionsExpired, locksEnded int) {
	n, err := a.sessions.SweepExpired(ctx)
	if err != nil {
		a.logger.Error("Session sweep failed", slog.Any("error", err))
	}
	sessionsExpired = n
	m, err := a.locks.SweepStale(ctx)
	if err != nil {
		a.logger.Error("Lock sweep failed", slog.Any("error", err))
	}
	locksEnded = m
	return sessionsExpired, locksEnded
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	if reqMeta == nil || reqMeta.Session == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:  a.config.Transport.ReadTimeout,
			PingInterval: a.config.Transport.PingInterval,
		},
		a.hub.HandleMessage,
		nil,
		a.logger,
	)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("Deregistering connection due to closure", slog.String("connID", id.String()))
		a.hub.Deregister(id, err)
	})

	a.hub.Register(conn, reqMeta.Session, reqMeta.IP)
	connLogger.Info("User connection fully established", slog.String("siteID", reqMeta.SiteID))
	conn.Run()
	<-conn.Done()
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("Closing all active connections...")
	a.hub.Shutdown()
	a.guard.Stop()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Error("Failed to close store", slog.Any("error", err))
		}
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}
