package arcade

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/goodtune/playtime/internal/storage/bolt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	staffActor  = Actor{ID: "u-staff", Username: "desk", Role: storage.RoleStaff}
	playerActor = Actor{ID: "u-alice", Username: "alice", Role: storage.RolePlayer}
)

type testEnv struct {
	svc   *Service
	store storage.Store
	clock *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "playtime.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	authz, err := NewOPAAuthorizer("", zerolog.Nop())
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}

	clock := clockwork.NewFakeClockAt(baseTime)
	svc, err := NewService(store, authz, clock, Config{
		ReadyTTL:    time.Hour,
		PresenceTTL: time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testEnv{svc: svc, store: store, clock: clock}
}

func TestServiceCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 0}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := env.svc.Create(ctx, playerActor, CreateRequest{TotalMinutes: 30}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected players to be refused, got %v", err)
	}

	rec, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30, PlayerID: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != session.StatusReady || rec.Version != 1 || rec.ID == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestServiceApplyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30, PlayerID: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := env.svc.Apply(ctx, playerActor, rec.ID, session.ActionStart, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Previous != session.StatusReady || res.Status != session.StatusActive {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Message != "session started" {
		t.Errorf("unexpected message %q", res.Message)
	}

	env.clock.Advance(12*time.Minute + 5*time.Second)

	snap, err := env.svc.Get(ctx, playerActor, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap.Usage.UsedMinutes != 12 || snap.Usage.RemainingMinutes != 18 {
		t.Errorf("expected 12/18, got %+v", snap.Usage)
	}
	if !snap.ServerTime.Equal(env.clock.Now()) {
		t.Errorf("expected server time %v, got %v", env.clock.Now(), snap.ServerTime)
	}

	if _, err := env.svc.Apply(ctx, playerActor, rec.ID, session.ActionPause, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err = env.svc.Apply(ctx, playerActor, rec.ID, session.ActionPause, "")
	var te *session.TransitionError
	if !errors.As(err, &te) || te.Reason != session.ReasonAlreadyPaused {
		t.Fatalf("expected already_paused, got %v", err)
	}

	if _, err := env.svc.Apply(ctx, playerActor, rec.ID, session.ActionTerminate, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected players to be refused terminate, got %v", err)
	}
	res, err = env.svc.Apply(ctx, staffActor, rec.ID, session.ActionTerminate, "")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if res.Record.UsedMinutes != 12 || res.Record.EndedAt == nil {
		t.Errorf("unexpected terminated record: %+v", res.Record)
	}

	if _, err := env.svc.Apply(ctx, staffActor, "missing", session.ActionStart, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceApplyOtherPlayersSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30, PlayerID: "bob"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Apply(ctx, playerActor, rec.ID, session.ActionStart, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.svc.Get(ctx, playerActor, rec.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden view, got %v", err)
	}
}

func TestServiceApplyDeduplicatesRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := env.svc.Apply(ctx, staffActor, rec.ID, session.ActionStart, "req-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// A retried start would otherwise be refused as already_active.
	second, err := env.svc.Apply(ctx, staffActor, rec.ID, session.ActionStart, "req-1")
	if err != nil {
		t.Fatalf("retried start: %v", err)
	}
	if second.Record.Version != first.Record.Version {
		t.Errorf("expected the same result, got versions %d and %d", first.Record.Version, second.Record.Version)
	}

	if _, err := env.svc.Apply(ctx, staffActor, rec.ID, session.ActionStart, "req-2"); !errors.Is(err, session.ErrIllegalTransition) {
		t.Fatalf("expected a fresh request to be evaluated, got %v", err)
	}
}

func TestServiceApplyRequestIDScopedToSessionAndAction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 45})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := env.svc.Apply(ctx, staffActor, a.ID, session.ActionStart, "req-1"); err != nil {
		t.Fatalf("start a: %v", err)
	}

	// The same request id on another session is a different request.
	res, err := env.svc.Apply(ctx, staffActor, b.ID, session.ActionStart, "req-1")
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	if res.SessionID != b.ID || res.Record.TotalMinutes != 45 {
		t.Fatalf("result = %+v, want session %s", res, b.ID)
	}

	// And so is a different action on the same session.
	res, err = env.svc.Apply(ctx, staffActor, a.ID, session.ActionPause, "req-1")
	if err != nil {
		t.Fatalf("pause a: %v", err)
	}
	if res.Action != session.ActionPause || res.Status != session.StatusPaused {
		t.Fatalf("result = %+v, want paused", res)
	}
}

func TestServiceApplyRetriesConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, action := range []session.Action{session.ActionStart, session.ActionTerminate} {
		wg.Add(1)
		go func(a session.Action) {
			defer wg.Done()
			_, err := env.svc.Apply(ctx, staffActor, rec.ID, a, "")
			errs <- err
		}(action)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, session.ErrIllegalTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got, err := env.store.Sessions().Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != session.StatusActive && got.Status != session.StatusTerminated {
		t.Fatalf("unexpected final status %s", got.Status)
	}
}

func TestServiceActivateInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, created, err := env.svc.ActivateInvoice(ctx, staffActor, "inv-42", ActivationRequest{Minutes: 45, PlayerID: "alice", AutoStart: true})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !created {
		t.Fatal("expected a new session")
	}
	if rec.Status != session.StatusActive || rec.StartedAt == nil || rec.InvoiceID != "inv-42" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	again, created, err := env.svc.ActivateInvoice(ctx, staffActor, "inv-42", ActivationRequest{Minutes: 90})
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if created || again.ID != rec.ID || again.TotalMinutes != 45 {
		t.Fatalf("expected the existing session, got created=%v %+v", created, again)
	}

	if _, _, err := env.svc.ActivateInvoice(ctx, staffActor, "", ActivationRequest{Minutes: 10}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for empty invoice, got %v", err)
	}
	if _, _, err := env.svc.ActivateInvoice(ctx, staffActor, "inv-43", ActivationRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for zero minutes, got %v", err)
	}
	if _, _, err := env.svc.ActivateInvoice(ctx, playerActor, "inv-44", ActivationRequest{Minutes: 10}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestServiceListAndPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 10 * (i + 1)}); err != nil {
			t.Fatalf("create: %v", err)
		}
		env.clock.Advance(time.Second)
	}
	all, err := env.svc.List(ctx, staffActor, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if _, err := env.svc.Apply(ctx, staffActor, all[0].Record.ID, session.ActionStart, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	active, err := env.svc.List(ctx, staffActor, session.StatusActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Record.ID != all[0].Record.ID {
		t.Fatalf("expected one active session, got %+v", active)
	}

	if err := env.svc.Heartbeat(ctx, "station-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	env.clock.Advance(45 * time.Second)
	if err := env.svc.Heartbeat(ctx, "station-2"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	env.clock.Advance(30 * time.Second)

	present, err := env.svc.Present(ctx)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if len(present) != 1 || present[0].Identity != "station-2" {
		t.Fatalf("expected only station-2 present, got %+v", present)
	}
	if err := env.svc.Heartbeat(ctx, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestServiceSubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := env.svc.Create(ctx, staffActor, CreateRequest{TotalMinutes: 30, PlayerID: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events, stop, err := env.svc.Subscribe(ctx, playerActor, rec.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	if _, err := env.svc.Apply(ctx, playerActor, rec.ID, session.ActionStart, ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case ev := <-events:
		if ev.SessionID != rec.ID || ev.Status != session.StatusActive || ev.Version != 2 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
