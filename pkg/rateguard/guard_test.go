package rateguard_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/coeditd/coeditd/pkg/rateguard"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestLimiterFixedWindow(t *testing.T) {
	l := rateguard.NewLimiter()

	results := make([]bool, 0, 3)
	for i := 0; i < 3; i++ {
		d := l.Check("user-1", "api", time.Minute, 2)
		results = append(results, d.Allowed)
	}
	want := []bool{true, true, false}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("Check #%d: expected allowed=%v, got %v", i+1, want[i], results[i])
		}
	}
}

func TestLimiterWindowReset(t *testing.T) {
	l := rateguard.NewLimiter()
	window := 50 * time.Millisecond

	for i := 0; i < 2; i++ {
		l.Check("user-1", "api", window, 2)
	}
	if d := l.Check("user-1", "api", window, 2); d.Allowed {
		t.Fatal("Third request in the window should be denied")
	}

	time.Sleep(window + 10*time.Millisecond)
	d := l.Check("user-1", "api", window, 2)
	if !d.Allowed {
		t.Error("Request after window elapse should be allowed again")
	}
	if d.Remaining != 1 {
		t.Errorf("Expected remaining 1 after reset, got %d", d.Remaining)
	}
}

func TestLimiterIdentifierAndEndpointIndependence(t *testing.T) {
	l := rateguard.NewLimiter()

	for i := 0; i < 2; i++ {
		l.Check("user-1", "api", time.Minute, 2)
	}
	if d := l.Check("user-1", "api", time.Minute, 2); d.Allowed {
		t.Fatal("user-1/api should be exhausted")
	}
	if d := l.Check("user-2", "api", time.Minute, 2); !d.Allowed {
		t.Error("user-2 must not share user-1's bucket")
	}
	if d := l.Check("user-1", "edit", time.Minute, 2); !d.Allowed {
		t.Error("A different endpoint must not share the api bucket")
	}
}

func TestLimiterAdminReset(t *testing.T) {
	l := rateguard.NewLimiter()

	for i := 0; i < 3; i++ {
		l.Check("user-1", "api", time.Minute, 2)
	}
	l.Reset("user-1", "api")
	if d := l.Check("user-1", "api", time.Minute, 2); !d.Allowed {
		t.Error("Check after Reset should be allowed")
	}

	l.Check("user-2", "api", time.Minute, 1)
	l.Check("user-2", "api", time.Minute, 1)
	l.ClearAll()
	if d := l.Check("user-2", "api", time.Minute, 1); !d.Allowed {
		t.Error("Check after ClearAll should be allowed")
	}
}

func TestAbuseDetectorThresholds(t *testing.T) {
	d := rateguard.NewAbuseDetector(rateguard.DetectorConfig{
		Window:              time.Minute,
		SuspiciousThreshold: 3,
		BanThreshold:        5,
	})

	var v rateguard.Verdict
	for i := 0; i < 2; i++ {
		v = d.Record("1.2.3.4")
	}
	if v.Suspicious || v.ShouldBan {
		t.Fatalf("Two requests should be clean, got %+v", v)
	}

	v = d.Record("1.2.3.4")
	if !v.Suspicious {
		t.Error("Third request should cross the suspicion threshold")
	}
	if v.ShouldBan {
		t.Error("Third request should not ban yet")
	}

	for i := 0; i < 2; i++ {
		v = d.Record("1.2.3.4")
	}
	if !v.ShouldBan {
		t.Error("Fifth request should cross the ban threshold")
	}
	if !d.Banned("1.2.3.4") {
		t.Error("Identifier should be banned after crossing the threshold")
	}
	if d.Banned("5.6.7.8") {
		t.Error("Other identifiers must be unaffected")
	}
}

func TestAbuseDetectorBanLapsesWithWindow(t *testing.T) {
	d := rateguard.NewAbuseDetector(rateguard.DetectorConfig{
		Window:              50 * time.Millisecond,
		SuspiciousThreshold: 2,
		BanThreshold:        3,
	})

	for i := 0; i < 3; i++ {
		d.Record("1.2.3.4")
	}
	if !d.Banned("1.2.3.4") {
		t.Fatal("Expected ban after threshold")
	}
	expiry, ok := d.BanExpiry("1.2.3.4")
	if !ok {
		t.Fatal("Expected a ban expiry")
	}
	if !expiry.After(time.Now().Add(-time.Second)) {
		t.Errorf("Suspicious expiry in the past: %v", expiry)
	}

	time.Sleep(60 * time.Millisecond)
	if d.Banned("1.2.3.4") {
		t.Error("Ban should lapse once the detection window elapses")
	}
}

func TestAbuseDetectorClear(t *testing.T) {
	d := rateguard.NewAbuseDetector(rateguard.DetectorConfig{
		Window:              time.Minute,
		SuspiciousThreshold: 2,
		BanThreshold:        3,
	})
	for i := 0; i < 3; i++ {
		d.Record("1.2.3.4")
	}
	d.Clear("1.2.3.4")
	if d.Banned("1.2.3.4") {
		t.Error("Clear should lift the ban")
	}
}

func TestGuardEditEndpointUsesTighterWindow(t *testing.T) {
	g := rateguard.NewGuard(rateguard.Config{
		Window:      time.Minute,
		MaxRequests: 100,
		EditWindow:  time.Minute,
		EditMax:     2,
	}, newTestLogger())
	defer g.Stop()

	for i := 0; i < 2; i++ {
		if d := g.Check("user-1", rateguard.EndpointEdit); !d.Allowed {
			t.Fatalf("Edit #%d should be allowed", i+1)
		}
	}
	if d := g.Check("user-1", rateguard.EndpointEdit); d.Allowed {
		t.Error("Third edit should be denied by the edit budget")
	}
	if d := g.Check("user-1", "api"); !d.Allowed {
		t.Error("The api endpoint must not be throttled by the edit budget")
	}
}

func TestGuardBanAndClear(t *testing.T) {
	g := rateguard.NewGuard(rateguard.Config{
		Detection: rateguard.DetectorConfig{
			Window:              time.Minute,
			SuspiciousThreshold: 2,
			BanThreshold:        3,
		},
	}, newTestLogger())
	defer g.Stop()

	var v rateguard.Verdict
	for i := 0; i < 3; i++ {
		v = g.Record("1.2.3.4")
	}
	if !v.ShouldBan || !g.Banned("1.2.3.4") {
		t.Fatal("Expected ban after three records")
	}

	g.ClearSuspicious("1.2.3.4")
	if g.Banned("1.2.3.4") {
		t.Error("ClearSuspicious should lift the ban")
	}
}
