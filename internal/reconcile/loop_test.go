package reconcile

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/playtime/internal/countdown"
	"github.com/goodtune/playtime/internal/gateway"
	"github.com/goodtune/playtime/internal/session"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

type fetchReply struct {
	snap Snapshot
	err  error
}

type fetchCall struct {
	id    string
	reply chan fetchReply
}

type fakeFetcher struct {
	calls chan fetchCall
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(chan fetchCall)}
}

func (f *fakeFetcher) FetchSession(ctx context.Context, id string) (Snapshot, error) {
	c := fetchCall{id: id, reply: make(chan fetchReply, 1)}
	select {
	case f.calls <- c:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

type fakeHeartbeater struct {
	calls atomic.Int32
	err   atomic.Value
}

func (h *fakeHeartbeater) Heartbeat(ctx context.Context) error {
	h.calls.Add(1)
	if err, ok := h.err.Load().(error); ok {
		return err
	}
	return nil
}

// lineWriter delivers each log line on a channel so tests can wait for
// the loop to finish handling a result.
type lineWriter struct {
	lines chan string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.lines <- string(bytes.TrimSpace(p))
	return len(p), nil
}

type harness struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	fetcher  *fakeFetcher
	loop     *Loop
	views    chan countdown.View
	warnings chan Warning
	logs     *lineWriter
	done     chan error
	cancel   context.CancelFunc
	ctx      context.Context
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		clock:    clockwork.NewFakeClockAt(baseTime),
		fetcher:  newFakeFetcher(),
		views:    make(chan countdown.View, 32),
		warnings: make(chan Warning, 8),
		logs:     &lineWriter{lines: make(chan string, 64)},
		done:     make(chan error, 1),
	}
	h.ctx, h.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(h.cancel)

	engine := countdown.NewEngine(h.clock, zerolog.Nop(), func(v countdown.View) { h.views <- v })
	logger := zerolog.New(h.logs).Level(zerolog.WarnLevel)

	base := []Option{
		WithClock(h.clock),
		WithLogger(logger),
		WithWarningHandler(func(w Warning) { h.warnings <- w }),
	}
	h.loop = New("s1", h.fetcher, engine, Config{RequestTimeout: 5 * time.Second}, append(base, opts...)...)

	go func() { h.done <- h.loop.Run(h.ctx) }()
	return h
}

func (h *harness) expectCall() fetchCall {
	h.t.Helper()
	select {
	case c := <-h.fetcher.calls:
		if c.id != "s1" {
			h.t.Fatalf("fetched %q, want s1", c.id)
		}
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a fetch")
	}
	return fetchCall{}
}

func (h *harness) nextView() countdown.View {
	h.t.Helper()
	select {
	case v := <-h.views:
		return v
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for a view")
	}
	return countdown.View{}
}

func (h *harness) waitLog(substr string) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-h.logs.lines:
			if strings.Contains(line, substr) {
				return
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for log %q", substr)
		}
	}
}

func (h *harness) result() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run() did not return")
	}
	return nil
}

// waitRunning answers every fetch with rec until a running view appears.
func (h *harness) waitRunning(rec session.Record) countdown.View {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-h.fetcher.calls:
			c.reply <- fetchReply{snap: Snapshot{Record: rec, ServerTime: baseTime}}
		case v := <-h.views:
			if v.Running {
				return v
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for a running view")
			return countdown.View{}
		}
	}
}

func activeRecord(used int) session.Record {
	return session.Record{
		ID:                  "s1",
		Status:              session.StatusActive,
		TotalMinutes:        60,
		UsedMinutes:         used,
		StartedAt:           session.TimePtr(baseTime.Add(-20 * time.Minute)),
		LastCountdownUpdate: session.TimePtr(baseTime),
	}
}

func pausedRecord(remaining int) session.Record {
	return session.Record{
		ID:               "s1",
		Status:           session.StatusPaused,
		TotalMinutes:     60,
		UsedMinutes:      60 - remaining,
		RemainingMinutes: session.IntPtr(remaining),
	}
}

func TestInitialFetchSeedsView(t *testing.T) {
	h := newHarness(t)

	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: activeRecord(15), ServerTime: baseTime}}

	v := h.nextView()
	if !v.Running || v.Minutes != 45 || v.Seconds != 0 {
		t.Fatalf("seeded view = %+v, want running 45:00", v)
	}

	h.cancel()
	if err := h.result(); err != nil {
		t.Errorf("Run() = %v, want nil after cancel", err)
	}
}

func TestServerTimeDrivesCalculation(t *testing.T) {
	h := newHarness(t)

	// The local clock says 15:00 but the server says 15:10.
	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: activeRecord(15), ServerTime: baseTime.Add(10 * time.Minute)}}

	if v := h.nextView(); v.Minutes != 35 {
		t.Errorf("Minutes = %d, want 35 from server time", v.Minutes)
	}
}

func TestActionSupersedesInFlightFetch(t *testing.T) {
	h := newHarness(t)

	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: activeRecord(15), ServerTime: baseTime}}
	if v := h.nextView(); !v.Running {
		t.Fatalf("initial view not running: %+v", v)
	}

	h.loop.Nudge()
	inflight := h.expectCall()

	h.loop.ApplyStatus(session.StatusPaused)
	paused := h.nextView()
	if paused.Running || paused.Status != session.StatusPaused {
		t.Fatalf("view after pause = %+v", paused)
	}
	fresh := h.expectCall()

	// The fetch issued before the pause now returns the old active state.
	inflight.reply <- fetchReply{snap: Snapshot{Record: activeRecord(16), ServerTime: baseTime}}
	fresh.reply <- fetchReply{snap: Snapshot{Record: pausedRecord(44), ServerTime: baseTime}}

	v := h.nextView()
	if v.Running || v.Minutes != 44 || v.Status != session.StatusPaused {
		t.Fatalf("view after fresh fetch = %+v, want paused 44:00", v)
	}
}

func TestFailureStreakRaisesWarning(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("connection refused")

	h.expectCall().reply <- fetchReply{err: boom}
	h.waitLog("Request failed")

	for i := 0; i < 2; i++ {
		h.loop.Nudge()
		h.expectCall().reply <- fetchReply{err: boom}
		h.waitLog("Request failed")
	}

	select {
	case w := <-h.warnings:
		if w.Cleared || w.ConsecutiveFailures != 3 || !errors.Is(w.Err, boom) {
			t.Fatalf("warning = %+v", w)
		}
	case <-time.After(time.Second):
		t.Fatal("no warning after three failures")
	}

	h.loop.Nudge()
	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: pausedRecord(30)}}
	h.nextView()

	select {
	case w := <-h.warnings:
		if !w.Cleared {
			t.Fatalf("expected cleared warning, got %+v", w)
		}
	case <-time.After(time.Second):
		t.Fatal("warning was not cleared after recovery")
	}
}

func TestUnauthorizedStopsLoop(t *testing.T) {
	h := newHarness(t)

	h.expectCall().reply <- fetchReply{err: ErrUnauthorized}

	if err := h.result(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Run() = %v, want ErrUnauthorized", err)
	}
	if err := h.clock.BlockUntilContext(h.ctx, 0); err != nil {
		t.Fatalf("timers still armed: %v", err)
	}
}

func TestMissingSessionStopsLoop(t *testing.T) {
	h := newHarness(t)

	h.expectCall().reply <- fetchReply{err: ErrNotFound}

	if err := h.result(); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("Run() = %v, want ErrSessionGone", err)
	}
}

func TestTerminalStatusEndsLoop(t *testing.T) {
	h := newHarness(t)

	rec := pausedRecord(0)
	rec.Status = session.StatusCompleted
	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: rec}}

	if v := h.nextView(); !v.Expired {
		t.Errorf("final view = %+v, want expired", v)
	}
	if err := h.result(); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestReconcileCadence(t *testing.T) {
	h := newHarness(t)

	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: pausedRecord(30)}}
	h.nextView()

	// Only the reconcile ticker is armed while the view is idle.
	if err := h.clock.BlockUntilContext(h.ctx, 1); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(60 * time.Second)

	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: pausedRecord(29)}}
	if v := h.nextView(); v.Minutes != 29 {
		t.Errorf("Minutes = %d, want 29", v.Minutes)
	}
}

func TestHeartbeats(t *testing.T) {
	hb := &fakeHeartbeater{}
	h := newHarness(t, WithHeartbeater(hb))

	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: pausedRecord(30)}}
	h.nextView()

	if err := h.clock.BlockUntilContext(h.ctx, 2); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(30 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for hb.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat was not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hb.err.Store(ErrUnauthorized)
	h.clock.Advance(30 * time.Second)

	// The advance also fires the reconcile ticker.
	select {
	case c := <-h.fetcher.calls:
		c.reply <- fetchReply{snap: Snapshot{Record: pausedRecord(30)}}
	case err := <-h.done:
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("Run() = %v, want ErrUnauthorized", err)
		}
		return
	case <-time.After(2 * time.Second):
		t.Fatal("nothing happened after the second heartbeat")
	}

	if err := h.result(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Run() = %v, want ErrUnauthorized", err)
	}
}

func TestNudgesCoalesce(t *testing.T) {
	l := New("s1", newFakeFetcher(), countdown.NewEngine(nil, zerolog.Nop(), nil), Config{})
	l.Nudge()
	l.Nudge()
	l.Nudge()
	if len(l.nudgeCh) != 1 {
		t.Errorf("pending nudges = %d, want 1", len(l.nudgeCh))
	}

	l.ApplyStatus(session.StatusPaused)
	l.ApplyStatus(session.StatusTerminated)
	if got := <-l.statusCh; got != session.StatusTerminated {
		t.Errorf("pending status = %v, want the latest", got)
	}
}

func TestResumeFoldRefetches(t *testing.T) {
	// Status and nudge race on separate channels, so repeat to hit both orders.
	for i := 0; i < 20; i++ {
		h := newHarness(t)

		h.expectCall().reply <- fetchReply{snap: Snapshot{Record: pausedRecord(30), ServerTime: baseTime}}
		if v := h.nextView(); v.Running {
			t.Fatalf("paused view is running: %+v", v)
		}

		h.loop.ApplyStatus(session.StatusActive)
		h.loop.Nudge()

		if v := h.waitRunning(activeRecord(30)); v.Minutes != 30 || v.Status != session.StatusActive {
			t.Fatalf("trial %d: resumed view = %+v, want active 30:00", i, v)
		}

		h.cancel()
		if err := h.result(); err != nil {
			t.Fatalf("trial %d: Run() = %v", i, err)
		}
	}
}

func TestRepeatedReconciliationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	snap := Snapshot{Record: activeRecord(15), ServerTime: baseTime.Add(90 * time.Second)}

	h.expectCall().reply <- fetchReply{snap: snap}
	first := h.nextView()

	h.loop.Nudge()
	h.expectCall().reply <- fetchReply{snap: snap}
	second := h.nextView()

	if first != second {
		t.Fatalf("views differ:\n%+v\n%+v", first, second)
	}
	if first.UsedMinutes != 16 || first.Minutes != 44 || !first.Running {
		t.Errorf("view = %+v, want running with 16 used and 44 remaining", first)
	}
}

type acceptingSubmitter struct {
	status session.Status
}

func (s acceptingSubmitter) SubmitAction(ctx context.Context, id string, action session.Action) (gateway.Result, error) {
	return gateway.Result{Success: true, NewStatus: s.status, Message: "session " + string(action)}, nil
}

func TestGatewayFoldIntoLoop(t *testing.T) {
	h := newHarness(t)

	h.expectCall().reply <- fetchReply{snap: Snapshot{Record: pausedRecord(30), ServerTime: baseTime}}
	h.nextView()

	gw := gateway.New(acceptingSubmitter{status: session.StatusActive}, zerolog.Nop())
	detach := gw.Attach("s1", h.loop)
	defer detach()

	res, err := gw.Submit(h.ctx, "s1", session.ActionResume)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if res.NewStatus != session.StatusActive {
		t.Fatalf("NewStatus = %v, want active", res.NewStatus)
	}

	if v := h.waitRunning(activeRecord(30)); v.Minutes != 30 {
		t.Fatalf("view after resume = %+v, want running 30:00", v)
	}
}
