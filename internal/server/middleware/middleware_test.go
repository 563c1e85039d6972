package middleware_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coeditd/coeditd/internal/server/middleware"
	"github.com/coeditd/coeditd/pkg/config"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/rateguard"
	"github.com/coeditd/coeditd/pkg/session"
	"github.com/coeditd/coeditd/pkg/store/inmem"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

const testSecret = "test-secret"

func signServiceToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &middleware.AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

// capture is a terminal handler recording the metadata it saw.
func capture(meta **middleware.RequestMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, _ := middleware.ReqMetadataFrom(r.Context())
		*meta = m
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestMetadataExtractsIP(t *testing.T) {
	var seen *middleware.RequestMetadata
	h := middleware.Chain(capture(&seen), middleware.RequestMetadataMiddleware())

	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen == nil {
		t.Fatal("Metadata never reached the handler")
	}
	if seen.IP != "10.1.2.3" {
		t.Errorf("Expected IP 10.1.2.3, got %q", seen.IP)
	}
}

func TestAuthMiddleware(t *testing.T) {
	var seen *middleware.RequestMetadata
	h := middleware.Chain(capture(&seen),
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(newTestLogger(), testSecret),
	)

	// No token.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Missing token should yield 401, got %d", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Invalid token should yield 401, got %d", rec.Code)
	}

	// Valid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+signServiceToken(t, "alice"))
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Valid token should pass, got %d", rec.Code)
	}
	if seen.UserID != "alice" {
		t.Errorf("Expected userID alice in metadata, got %q", seen.UserID)
	}
}

func TestSessionAuth(t *testing.T) {
	st := inmem.New()
	st.Roles().Grant("alice", "site-1", permission.RoleEditor)
	resolver := permission.NewResolver(st.Roles(), newTestLogger())
	sessions := session.NewManager(st.Sessions(), resolver, session.Config{}, newTestLogger())
	sess, err := sessions.Create(context.Background(), session.CreateParams{SiteID: "site-1", UserID: "alice"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	var seen *middleware.RequestMetadata
	h := middleware.Chain(capture(&seen),
		middleware.RequestMetadataMiddleware(),
		middleware.NewSessionAuth(newTestLogger(), sessions),
	)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?site=site-1&token="+sess.Token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Valid session should pass, got %d", rec.Code)
	}
	if seen.Session == nil || seen.UserID != "alice" || seen.SiteID != "site-1" {
		t.Errorf("Metadata not populated from session: %+v", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?site=site-2&token="+sess.Token, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Wrong site should yield 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?site=site-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Missing token should yield 401, got %d", rec.Code)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	guard := rateguard.NewGuard(rateguard.Config{
		Window:      time.Minute,
		MaxRequests: 2,
	}, newTestLogger())
	defer guard.Stop()

	var seen *middleware.RequestMetadata
	h := middleware.Chain(capture(&seen),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRateLimiter(newTestLogger(), guard, "api"),
	)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("Request #%d should pass, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Third request should be limited, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Limited response should carry Retry-After")
	}

	// A different caller is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Other identifier should pass, got %d", rec.Code)
	}
}

func TestBanFilter(t *testing.T) {
	guard := rateguard.NewGuard(rateguard.Config{
		Detection: rateguard.DetectorConfig{
			Window:              time.Minute,
			SuspiciousThreshold: 2,
			BanThreshold:        3,
		},
	}, newTestLogger())
	defer guard.Stop()

	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}),
		middleware.RequestMetadataMiddleware(),
		middleware.NewBanFilter(newTestLogger(), guard),
	)

	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "6.6.6.6:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unbanned IP should pass, got %d", rec.Code)
	}

	for i := 0; i < 3; i++ {
		guard.Record("6.6.6.6")
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Banned IP should yield 403, got %d", rec.Code)
	}
}

func TestConnectionLimiterModes(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	withUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, _ := middleware.ReqMetadataFrom(r.Context())
			meta.UserID = "alice"
			next.ServeHTTP(w, r)
		})
	}

	cycled := 0
	build := func(mode string, count int) http.Handler {
		return middleware.Chain(okHandler,
			middleware.RequestMetadataMiddleware(),
			withUser,
			middleware.NewConnectionLimiter(newTestLogger(),
				func(userID string) int { return count },
				func(userID string) { cycled++ },
				config.ConnectionLimitConfig{MaxPerUser: 2, Mode: mode},
			),
		)
	}

	rec := httptest.NewRecorder()
	build("reject", 1).ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Under the limit should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	build("reject", 2).ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Reject mode at the limit should yield 429, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	build("cycle", 2).ServeHTTP(rec, httptest.NewRequest("GET", "/ws", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Cycle mode should let the request through, got %d", rec.Code)
	}
	if cycled != 1 {
		t.Errorf("Cycle mode should close the oldest connection once, got %d", cycled)
	}
}
