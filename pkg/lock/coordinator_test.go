package lock_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
	"github.com/coeditd/coeditd/pkg/store/inmem"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fixture struct {
	store  *inmem.Store
	locks  *lock.Coordinator
	tokens map[string]string // userID -> session token
}

func newFixture(t *testing.T, window time.Duration, users ...string) *fixture {
	t.Helper()
	st := inmem.New()
	for _, u := range users {
		st.Roles().Grant(u, "site-1", permission.RoleEditor)
	}
	st.Roles().Grant("viewer-1", "site-1", permission.RoleViewer)

	resolver := permission.NewResolver(st.Roles(), newTestLogger())
	sessions := session.NewManager(st.Sessions(), resolver, session.Config{}, newTestLogger())
	coord := lock.NewCoordinator(sessions, resolver, st.Locks(), window, newTestLogger())

	f := &fixture{store: st, locks: coord, tokens: make(map[string]string)}
	for _, u := range append(users, "viewer-1") {
		sess, err := sessions.Create(context.Background(), session.CreateParams{SiteID: "site-1", UserID: u})
		if err != nil {
			t.Fatalf("Failed to create session for %s: %v", u, err)
		}
		f.tokens[u] = sess.Token
	}
	return f
}

func TestAcquireAndConflict(t *testing.T) {
	f := newFixture(t, 0, "alice", "bob")
	ctx := context.Background()

	row, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"])
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if row.ElementID != "elem-1" || row.UserID != "alice" {
		t.Errorf("Lock row carries wrong identity: %+v", row)
	}

	_, err = f.locks.Acquire(ctx, "bob", "elem-1", f.tokens["bob"])
	var conflict *lock.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
	if conflict.HolderUserID != "alice" {
		t.Errorf("Conflict should name the holder, got %s", conflict.HolderUserID)
	}

	// A different element is free.
	if _, err := f.locks.Acquire(ctx, "bob", "elem-2", f.tokens["bob"]); err != nil {
		t.Errorf("Acquire on a free element failed: %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	const n = 16
	users := make([]string, n)
	for i := range users {
		users[i] = "user-" + string(rune('a'+i))
	}
	f := newFixture(t, 0, users...)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.locks.Acquire(context.Background(), users[i], "elem-1", f.tokens[users[i]])
		}(i)
	}
	wg.Wait()

	granted, conflicts := 0, 0
	for _, err := range errs {
		var conflict *lock.ConflictError
		switch {
		case err == nil:
			granted++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if granted != 1 {
		t.Errorf("Expected exactly 1 grant, got %d", granted)
	}
	if conflicts != n-1 {
		t.Errorf("Expected %d conflicts, got %d", n-1, conflicts)
	}
}

func TestTakeoverEndsPriorRow(t *testing.T) {
	f := newFixture(t, 0, "alice")
	ctx := context.Background()

	first, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"])
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	second, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"])
	if err != nil {
		t.Fatalf("Re-acquire by the same user should succeed, got %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("Takeover should insert a fresh row")
	}

	prior, ok := f.store.Locks().Get(first.ID)
	if !ok {
		t.Fatal("Prior row vanished")
	}
	if prior.EndedAt == nil {
		t.Error("Prior row should be ended by the takeover")
	}

	holders, err := f.locks.ActiveHolders(ctx, "elem-1")
	if err != nil {
		t.Fatalf("ActiveHolders failed: %v", err)
	}
	if len(holders) != 1 || holders[0] != "alice" {
		t.Errorf("Expected alice as the single holder, got %v", holders)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, 0, "alice")
	ctx := context.Background()

	if _, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"]); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := f.locks.Release(ctx, f.tokens["alice"]); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := f.locks.Release(ctx, f.tokens["alice"]); err != nil {
		t.Errorf("Second release should be a no-op, got %v", err)
	}

	holders, _ := f.locks.ActiveHolders(ctx, "elem-1")
	if len(holders) != 0 {
		t.Errorf("Expected no holders after release, got %v", holders)
	}
}

func TestPermissionAndSessionChecks(t *testing.T) {
	f := newFixture(t, 0, "alice")
	ctx := context.Background()

	if _, err := f.locks.Acquire(ctx, "viewer-1", "elem-1", f.tokens["viewer-1"]); !errors.Is(err, lock.ErrNoPermission) {
		t.Errorf("Viewer acquire should fail with ErrNoPermission, got %v", err)
	}
	if _, err := f.locks.Acquire(ctx, "alice", "elem-1", "bogus-token"); !errors.Is(err, lock.ErrSessionInvalid) {
		t.Errorf("Bogus token should fail with ErrSessionInvalid, got %v", err)
	}
	// Presenting someone else's token is a session problem too.
	if _, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["viewer-1"]); !errors.Is(err, lock.ErrSessionInvalid) {
		t.Errorf("Foreign token should fail with ErrSessionInvalid, got %v", err)
	}
}

func TestStaleLockSelfHeals(t *testing.T) {
	window := 60 * time.Millisecond
	f := newFixture(t, window, "alice", "bob")
	ctx := context.Background()

	row, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"])
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	time.Sleep(window + 20*time.Millisecond)

	// The abandoned lock is invisible even before any sweep ends the row.
	holders, err := f.locks.ActiveHolders(ctx, "elem-1")
	if err != nil {
		t.Fatalf("ActiveHolders failed: %v", err)
	}
	if len(holders) != 0 {
		t.Fatalf("Stale lock should not appear as a holder, got %v", holders)
	}
	if stale, _ := f.store.Locks().Get(row.ID); stale.EndedAt != nil {
		t.Error("Staleness is computed, the row should not be ended yet")
	}

	// Another user can acquire over the stale row.
	if _, err := f.locks.Acquire(ctx, "bob", "elem-1", f.tokens["bob"]); err != nil {
		t.Fatalf("Acquire over a stale lock failed: %v", err)
	}

	// Heartbeat for the stale row reports ErrNotFound.
	if err := f.locks.Heartbeat(ctx, f.tokens["alice"]); !errors.Is(err, lock.ErrNotFound) {
		t.Errorf("Heartbeat on a stale lock should fail with ErrNotFound, got %v", err)
	}
}

func TestHeartbeatKeepsLockAlive(t *testing.T) {
	window := 80 * time.Millisecond
	f := newFixture(t, window, "alice")
	ctx := context.Background()

	if _, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"]); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Beat twice across more than one full window.
	for i := 0; i < 2; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := f.locks.Heartbeat(ctx, f.tokens["alice"]); err != nil {
			t.Fatalf("Heartbeat #%d failed: %v", i+1, err)
		}
	}

	holders, _ := f.locks.ActiveHolders(ctx, "elem-1")
	if len(holders) != 1 {
		t.Errorf("Heartbeats should keep the lock alive, got holders %v", holders)
	}
}

func TestSweepStale(t *testing.T) {
	window := 50 * time.Millisecond
	f := newFixture(t, window, "alice")
	ctx := context.Background()

	row, err := f.locks.Acquire(ctx, "alice", "elem-1", f.tokens["alice"])
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	time.Sleep(window + 20*time.Millisecond)

	n, err := f.locks.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 swept lock, got %d", n)
	}
	swept, _ := f.store.Locks().Get(row.ID)
	if swept.EndedAt == nil {
		t.Error("Swept row should be ended")
	}
}
