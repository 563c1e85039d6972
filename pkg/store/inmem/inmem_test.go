package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coeditd/coeditd/pkg/lock"
	"github.com/coeditd/coeditd/pkg/permission"
	"github.com/coeditd/coeditd/pkg/session"
	"github.com/coeditd/coeditd/pkg/store/inmem"
)

func TestSessionsCopyOnRead(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()

	sess := &session.EditSession{
		ID:        uuid.New().String(),
		SiteID:    "site-1",
		UserID:    "alice",
		Token:     "tok-1",
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}
	if err := st.Sessions().Insert(ctx, sess); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, ok, err := st.Sessions().FindByToken(ctx, "tok-1")
	if err != nil || !ok {
		t.Fatalf("FindByToken failed: ok=%v err=%v", ok, err)
	}

	// Mutating the returned copy must not leak into the store.
	got.UserID = "mallory"
	again, _, _ := st.Sessions().FindByToken(ctx, "tok-1")
	if again.UserID != "alice" {
		t.Error("Store handed out a shared pointer instead of a copy")
	}

	// The inserted struct is detached too.
	sess.SiteID = "site-2"
	again, _, _ = st.Sessions().FindByToken(ctx, "tok-1")
	if again.SiteID != "site-1" {
		t.Error("Store kept a reference to the caller's struct")
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	now := time.Now()

	live := &session.EditSession{ID: "s1", UserID: "alice", Token: "t1", ExpiresAt: now.Add(time.Hour)}
	expired := &session.EditSession{ID: "s2", UserID: "alice", Token: "t2", ExpiresAt: now.Add(-time.Minute)}
	for _, s := range []*session.EditSession{live, expired} {
		if err := st.Sessions().Insert(ctx, s); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	active, err := st.Sessions().FindActiveByUser(ctx, "alice", now)
	if err != nil {
		t.Fatalf("FindActiveByUser failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("Expected only the live session, got %d", len(active))
	}

	if err := st.Sessions().MarkRevoked(ctx, "s1", now); err != nil {
		t.Fatalf("MarkRevoked failed: %v", err)
	}
	got, _, _ := st.Sessions().FindByID(ctx, "s1")
	if got.RevokedAt == nil {
		t.Error("MarkRevoked did not stick")
	}

	n, err := st.Sessions().BulkExpire(ctx, now)
	if err != nil {
		t.Fatalf("BulkExpire failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired row, got %d", n)
	}
}

func TestLockActiveQueries(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()
	now := time.Now()
	cutoff := now.Add(-30 * time.Minute)

	fresh := &lock.ContentEditingSession{
		ID: "l1", SessionToken: "t1", UserID: "alice", ElementID: "elem-1",
		StartedAt: now, LastActivity: now,
	}
	stale := &lock.ContentEditingSession{
		ID: "l2", SessionToken: "t2", UserID: "bob", ElementID: "elem-1",
		StartedAt: now.Add(-time.Hour), LastActivity: now.Add(-time.Hour),
	}
	for _, l := range []*lock.ContentEditingSession{fresh, stale} {
		if err := st.Locks().Insert(ctx, l); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	active, err := st.Locks().FindActive(ctx, "elem-1", cutoff)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "l1" {
		t.Errorf("Cutoff should exclude the stale row, got %d", len(active))
	}

	if _, ok, _ := st.Locks().FindActiveByToken(ctx, "t1", cutoff); !ok {
		t.Error("Fresh row should be found by token")
	}
	if _, ok, _ := st.Locks().FindActiveByUserElement(ctx, "bob", "elem-1", cutoff); ok {
		t.Error("Stale row should be invisible")
	}

	if err := st.Locks().EndRow(ctx, "l1", now); err != nil {
		t.Fatalf("EndRow failed: %v", err)
	}
	if _, ok, _ := st.Locks().FindActiveByToken(ctx, "t1", cutoff); ok {
		t.Error("Ended row should be invisible")
	}

	n, err := st.Locks().SweepStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 swept row, got %d", n)
	}
	if row, _ := st.Locks().Get("l2"); row.EndedAt == nil {
		t.Error("Swept row should be ended")
	}
}

func TestRoleGrantRevoke(t *testing.T) {
	st := inmem.New()
	ctx := context.Background()

	if _, ok, _ := st.Roles().ResolveRole(ctx, "alice", "site-1"); ok {
		t.Fatal("Expected no role before grant")
	}
	st.Roles().Grant("alice", "site-1", permission.RoleManager)
	role, ok, err := st.Roles().ResolveRole(ctx, "alice", "site-1")
	if err != nil || !ok {
		t.Fatalf("ResolveRole failed: ok=%v err=%v", ok, err)
	}
	if role != permission.RoleManager {
		t.Errorf("Expected manager, got %s", role)
	}

	st.Roles().Revoke("alice", "site-1")
	if _, ok, _ := st.Roles().ResolveRole(ctx, "alice", "site-1"); ok {
		t.Error("Role should be gone after Revoke")
	}
}
