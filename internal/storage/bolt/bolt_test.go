package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
)

var baseTime = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "playtime.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestSessionStoreCreateAndGet(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	rec := session.Record{
		ID:           "s1",
		Status:       session.StatusReady,
		TotalMinutes: 60,
		InvoiceID:    "inv-1",
		CreatedAt:    baseTime,
	}
	created, err := store.Sessions().Create(ctx, rec)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	got, err := store.Sessions().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.TotalMinutes != 60 || got.Status != session.StatusReady {
		t.Fatalf("unexpected session: %+v", got)
	}

	byInvoice, err := store.Sessions().GetByInvoice(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get by invoice: %v", err)
	}
	if byInvoice.ID != "s1" {
		t.Fatalf("expected s1 for invoice, got %s", byInvoice.ID)
	}

	if _, err := store.Sessions().Create(ctx, rec); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate create: expected ErrExists, got %v", err)
	}

	dupInvoice := rec
	dupInvoice.ID = "s2"
	if _, err := store.Sessions().Create(ctx, dupInvoice); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate invoice: expected ErrExists, got %v", err)
	}

	if _, err := store.Sessions().Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStoreUpdateVersioning(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	created, err := store.Sessions().Create(ctx, session.Record{ID: "s1", Status: session.StatusReady, TotalMinutes: 30})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	next := created.Clone()
	next.Status = session.StatusActive
	next.StartedAt = session.TimePtr(baseTime)
	updated, err := store.Sessions().Update(ctx, next)
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	// A writer still holding version 1 loses.
	stale := created.Clone()
	stale.Status = session.StatusTerminated
	if _, err := store.Sessions().Update(ctx, stale); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := store.Sessions().Update(ctx, session.Record{ID: "nope", Version: 1}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.Sessions().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusActive || got.StartedAt == nil || !got.StartedAt.Equal(baseTime) {
		t.Fatalf("unexpected stored session: %+v", got)
	}
}

func TestSessionStoreListByStatus(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for i, status := range []session.Status{session.StatusActive, session.StatusPaused, session.StatusActive} {
		rec := session.Record{
			ID:        string(rune('a' + i)),
			Status:    status,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}
		if _, err := store.Sessions().Create(ctx, rec); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	active, err := store.Sessions().ListByStatus(ctx, session.StatusActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "c" {
		t.Fatalf("unexpected active sessions: %+v", active)
	}

	all, err := store.Sessions().List(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
}

func TestPresenceStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Presence().Touch(ctx, "station-1", baseTime.Add(-5*time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := store.Presence().Touch(ctx, "station-2", baseTime); err != nil {
		t.Fatalf("touch: %v", err)
	}

	deleted, err := store.Presence().DeleteBefore(ctx, baseTime.Add(-time.Minute))
	if err != nil {
		t.Fatalf("delete before: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	present, err := store.Presence().List(ctx)
	if err != nil {
		t.Fatalf("list presence: %v", err)
	}
	if len(present) != 1 || present[0].Identity != "station-2" {
		t.Fatalf("unexpected presence: %+v", present)
	}
}

func TestUserStore(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if err := store.Users().Upsert(ctx, storage.User{ID: "u1", Username: "alice", Role: storage.RoleAdmin}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := store.Users().Upsert(ctx, storage.User{ID: "u2", Username: "bob", Role: "wizard"}); err == nil {
		t.Fatal("expected invalid role to be rejected")
	}

	login := baseTime
	if err := store.Users().UpdateLastLogin(ctx, "alice", login); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	user, err := store.Users().Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.LastLogin == nil || !user.LastLogin.Equal(login) {
		t.Fatalf("unexpected last login: %v", user.LastLogin)
	}

	if err := store.Users().Delete(ctx, "alice"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := store.Users().Get(ctx, "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
