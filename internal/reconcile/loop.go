// Package reconcile keeps a countdown view in step with the server by
// polling the authoritative session record and sending presence heartbeats.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/playtime/internal/countdown"
	"github.com/goodtune/playtime/internal/metrics"
	"github.com/goodtune/playtime/internal/session"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned by fetchers and heartbeaters when the
	// server rejects the credentials. It stops the loop.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned by fetchers when the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrSessionGone is returned by Run when the session disappears.
	ErrSessionGone = errors.New("session no longer exists")
)

// Snapshot is a fetched session record together with the server's clock
// reading at the time it was produced.
type Snapshot struct {
	Record     session.Record
	ServerTime time.Time
}

// Fetcher retrieves the authoritative record for a session.
type Fetcher interface {
	FetchSession(ctx context.Context, id string) (Snapshot, error)
}

// Heartbeater reports that this station is present.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}

// Config holds loop cadences.
type Config struct {
	ReconcileInterval time.Duration
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	FailureThreshold  int
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    10 * time.Second,
		FailureThreshold:  3,
	}
}

// Warning is raised when consecutive failures reach the threshold, and
// again with Cleared set once a request succeeds.
type Warning struct {
	Source              string
	ConsecutiveFailures int
	Err                 error
	Cleared             bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for cadences.
func WithClock(c clockwork.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithHeartbeater enables presence heartbeats.
func WithHeartbeater(h Heartbeater) Option {
	return func(l *Loop) { l.heartbeater = h }
}

// WithWarningHandler registers a callback for connectivity warnings. It is
// called from the loop goroutine.
func WithWarningHandler(fn func(Warning)) Option {
	return func(l *Loop) { l.onWarning = fn }
}

// Loop reconciles one session view. All state is owned by the goroutine
// running Run; other goroutines talk to it through Nudge and ApplyStatus.
type Loop struct {
	sessionID   string
	fetcher     Fetcher
	heartbeater Heartbeater
	engine      *countdown.Engine
	clock       clockwork.Clock
	cfg         Config
	logger      zerolog.Logger
	onWarning   func(Warning)

	nudgeCh  chan struct{}
	statusCh chan session.Status
}

// New creates a loop for sessionID that seeds engine.
func New(sessionID string, fetcher Fetcher, engine *countdown.Engine, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}

	l := &Loop{
		sessionID: sessionID,
		fetcher:   fetcher,
		engine:    engine,
		clock:     clockwork.NewRealClock(),
		cfg:       cfg,
		logger:    zerolog.Nop(),
		nudgeCh:   make(chan struct{}, 1),
		statusCh:  make(chan session.Status, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("session_id", sessionID).Logger()
	return l
}

// Nudge requests an immediate reconciliation. Nudges coalesce.
func (l *Loop) Nudge() {
	select {
	case l.nudgeCh <- struct{}{}:
	default:
	}
}

// ApplyStatus folds a status from a successful action into the view,
// invalidates any fetch already in flight and issues a fresh one.
func (l *Loop) ApplyStatus(s session.Status) {
	for {
		select {
		case l.statusCh <- s:
			return
		default:
		}
		// Replace an unconsumed status with the newer one.
		select {
		case <-l.statusCh:
		default:
		}
	}
}

type fetchResult struct {
	generation uint64
	snapshot   Snapshot
	fetchedAt  time.Time
	err        error
}

type streak struct {
	source   string
	failures int
	warned   bool
}

// Run drives the loop until ctx is cancelled, the session ends, the
// session disappears, or the server rejects the credentials. Timers and the
// countdown engine are stopped before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := l.engine.Run(ctx); err != nil {
			l.logger.Error().Err(err).Msg("Countdown engine failed")
		}
	}()
	defer func() {
		cancel()
		<-engineDone
	}()

	reconcileTicker := l.clock.NewTicker(l.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	var heartbeatCh <-chan time.Time
	if l.heartbeater != nil {
		heartbeatTicker := l.clock.NewTicker(l.cfg.HeartbeatInterval)
		defer heartbeatTicker.Stop()
		heartbeatCh = heartbeatTicker.Chan()
	}

	results := make(chan fetchResult, 1)
	heartbeats := make(chan error, 1)

	var generation uint64
	fetchStreak := &streak{source: "reconcile"}
	heartbeatStreak := &streak{source: "heartbeat"}

	issue := func() {
		generation++
		gen := generation
		go func() {
			fctx, fcancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
			snap, err := l.fetcher.FetchSession(fctx, l.sessionID)
			fcancel()
			select {
			case results <- fetchResult{generation: gen, snapshot: snap, fetchedAt: l.clock.Now(), err: err}:
			case <-ctx.Done():
			}
		}()
	}

	issue()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-reconcileTicker.Chan():
			issue()

		case <-l.nudgeCh:
			issue()

		case <-heartbeatCh:
			go func() {
				hctx, hcancel := context.WithTimeout(ctx, l.cfg.RequestTimeout)
				err := l.heartbeater.Heartbeat(hctx)
				hcancel()
				select {
				case heartbeats <- err:
				case <-ctx.Done():
				}
			}()

		case err := <-heartbeats:
			if errors.Is(err, ErrUnauthorized) {
				l.logger.Error().Msg("Heartbeat rejected, stopping")
				return fmt.Errorf("heartbeat: %w", err)
			}
			l.record(heartbeatStreak, err)

		case s := <-l.statusCh:
			generation++
			v := l.engine.Current().WithStatus(s)
			if err := l.engine.Seed(ctx, v); err != nil {
				return nil
			}
			l.logger.Debug().Str("status", string(s)).Msg("Applied action status")
			if s.Terminal() {
				return nil
			}
			// The refetch below covers any nudge already queued.
			select {
			case <-l.nudgeCh:
			default:
			}
			issue()

		case r := <-results:
			if r.generation != generation {
				l.logger.Debug().
					Uint64("generation", r.generation).
					Uint64("current", generation).
					Msg("Discarding superseded reconciliation")
				metrics.Reconciliations.WithLabelValues("stale").Inc()
				continue
			}

			if r.err != nil {
				switch {
				case errors.Is(r.err, ErrUnauthorized):
					metrics.Reconciliations.WithLabelValues("unauthorized").Inc()
					l.logger.Error().Msg("Reconciliation rejected, stopping")
					return fmt.Errorf("reconcile: %w", r.err)
				case errors.Is(r.err, ErrNotFound):
					metrics.Reconciliations.WithLabelValues("not_found").Inc()
					return ErrSessionGone
				}
				metrics.Reconciliations.WithLabelValues("error").Inc()
				l.record(fetchStreak, r.err)
				continue
			}

			metrics.Reconciliations.WithLabelValues("ok").Inc()
			l.record(fetchStreak, nil)

			now := r.snapshot.ServerTime
			if now.IsZero() {
				now = r.fetchedAt
			}
			v := countdown.Seed(r.snapshot.Record, now)
			if err := l.engine.Seed(ctx, v); err != nil {
				return nil
			}
			if r.snapshot.Record.Status.Terminal() {
				l.logger.Info().Str("status", string(r.snapshot.Record.Status)).Msg("Session ended")
				return nil
			}
		}
	}
}

func (l *Loop) record(s *streak, err error) {
	if err == nil {
		if s.warned && l.onWarning != nil {
			l.onWarning(Warning{Source: s.source, Cleared: true})
		}
		s.failures = 0
		s.warned = false
		return
	}

	s.failures++
	l.logger.Warn().Err(err).Str("source", s.source).Int("failures", s.failures).Msg("Request failed")

	if s.failures >= l.cfg.FailureThreshold && !s.warned {
		s.warned = true
		if l.onWarning != nil {
			l.onWarning(Warning{Source: s.source, ConsecutiveFailures: s.failures, Err: err})
		}
	}
}
