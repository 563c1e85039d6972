package rateguard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Config struct {
	// Window/MaxRequests apply to ordinary API endpoints.
	Window      time.Duration
	MaxRequests int
	// EditWindow/EditMax throttle the realtime "edit" endpoint separately,
	// since edit events legitimately arrive much faster than API calls.
	EditWindow time.Duration
	EditMax    int
	Detection  DetectorConfig
}

// EndpointEdit is the logical endpoint key for realtime edit events.
const EndpointEdit = "edit"

// Guard composes the fixed-window limiter and the abuse detector behind one
// dependency-injected component with an explicit lifecycle. Both structures
// are in-memory and single-process by design; multi-instance deployments
// need a shared store in front.
type Guard struct {
	limiter  *Limiter
	detector *AbuseDetector
	cfg      Config
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 120
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 10 * time.Second
	}
	if cfg.EditMax <= 0 {
		cfg.EditMax = 50
	}
	return &Guard{
		limiter:  NewLimiter(),
		detector: NewAbuseDetector(cfg.Detection),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "rate_guard")),
		stop:     make(chan struct{}),
	}
}

// Start runs the periodic cleanup of idle counters until the context is
// cancelled or Stop is called.
func (g *Guard) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.limiter.cleanup()
				g.detector.cleanup()
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			}
		}
	}()
}

func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Check applies the configured window for the endpoint. The edit endpoint
// gets its own, tighter window.
func (g *Guard) Check(identifier, endpoint string) Decision {
	window, max := g.cfg.Window, g.cfg.MaxRequests
	if endpoint == EndpointEdit {
		window, max = g.cfg.EditWindow, g.cfg.EditMax
	}
	return g.limiter.Check(identifier, endpoint, window, max)
}

// CheckWith applies an explicit window, for callers with custom budgets.
func (g *Guard) CheckWith(identifier, endpoint string, window time.Duration, max int) Decision {
	return g.limiter.Check(identifier, endpoint, window, max)
}

// Record feeds the abuse detector and logs threshold crossings.
func (g *Guard) Record(identifier string) Verdict {
	v := g.detector.Record(identifier)
	if v.ShouldBan {
		g.logger.Warn("identifier banned for rapid requests", "identifier", identifier)
	} else if v.Suspicious {
		g.logger.Info("suspicious request rate", "identifier", identifier)
	}
	return v
}

func (g *Guard) Banned(identifier string) bool {
	return g.detector.Banned(identifier)
}

// BanExpiry reports when the identifier's current ban window lapses.
func (g *Guard) BanExpiry(identifier string) (time.Time, bool) {
	return g.detector.BanExpiry(identifier)
}

// ClearSuspicious lifts abuse state for one identifier, or for all when the
// identifier is empty.
func (g *Guard) ClearSuspicious(identifier string) {
	if identifier == "" {
		g.detector.ClearAll()
		return
	}
	g.detector.Clear(identifier)
}

func (g *Guard) ResetLimit(identifier, endpoint string) {
	g.limiter.Reset(identifier, endpoint)
}

func (g *Guard) ClearAllLimits() {
	g.limiter.ClearAll()
}
