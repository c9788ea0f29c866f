package arcade

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/playtime/internal/metrics"
	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// SweepStats summarises one sweep.
type SweepStats struct {
	Checkpointed   int
	Completed      int
	Expired        int
	PresencePruned int
	Active         int
}

// Sweeper periodically persists active usage, completes exhausted
// sessions, expires stale ready sessions and prunes presence.
type Sweeper struct {
	svc      *Service
	logger   zerolog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper for svc.
func NewSweeper(svc *Service, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sweeping on the configured interval.
func (sw *Sweeper) Start() {
	ticker := sw.svc.clock.NewTicker(sw.svc.cfg.SweepInterval)
	go sw.run(ticker)
	sw.logger.Info().Dur("interval", sw.svc.cfg.SweepInterval).Msg("Session sweeper started")
}

// Stop stops the sweeper and waits for an in-progress sweep to finish.
func (sw *Sweeper) Stop() {
	close(sw.stopChan)
	<-sw.done
	sw.logger.Info().Msg("Session sweeper stopped")
}

func (sw *Sweeper) run(ticker clockwork.Ticker) {
	defer close(sw.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), sw.svc.cfg.SweepInterval)
			if _, err := sw.Sweep(ctx); err != nil {
				sw.logger.Error().Err(err).Msg("Sweep failed")
			}
			cancel()
		case <-sw.stopChan:
			return
		}
	}
}

// Sweep performs a single pass.
func (sw *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var stats SweepStats
	s := sw.svc
	now := s.clock.Now()

	active, err := s.store.Sessions().ListByStatus(ctx, session.StatusActive)
	if err != nil {
		return stats, err
	}
	for _, rec := range active {
		if session.Compute(rec, now).RemainingMinutes == 0 {
			if sw.save(ctx, rec, Complete(rec, now)) {
				stats.Completed++
			}
			continue
		}
		stats.Active++

		anchor, ok := rec.Anchor()
		if !ok || now.Sub(anchor) < s.cfg.CheckpointInterval {
			continue
		}
		if next, changed := Checkpoint(rec, now); changed && sw.save(ctx, rec, next) {
			stats.Checkpointed++
		}
	}

	ready, err := s.store.Sessions().ListByStatus(ctx, session.StatusReady)
	if err != nil {
		return stats, err
	}
	for _, rec := range ready {
		if now.Sub(rec.CreatedAt) < s.cfg.ReadyTTL {
			continue
		}
		if sw.save(ctx, rec, Expire(rec, now)) {
			stats.Expired++
		}
	}

	pruned, err := s.store.Presence().DeleteBefore(ctx, now.Add(-s.cfg.PresenceTTL))
	if err != nil {
		return stats, err
	}
	stats.PresencePruned = pruned

	if present, err := s.store.Presence().List(ctx); err == nil {
		metrics.StationsPresent.Set(float64(len(present)))
	}
	metrics.ActiveSessions.Set(float64(stats.Active))

	if stats.Completed+stats.Expired+stats.Checkpointed+stats.PresencePruned > 0 {
		sw.logger.Debug().
			Int("checkpointed", stats.Checkpointed).
			Int("completed", stats.Completed).
			Int("expired", stats.Expired).
			Int("presence_pruned", stats.PresencePruned).
			Msg("Sweep complete")
	}
	return stats, nil
}

// save writes next over prev. A version conflict means another writer got
// there first; the next sweep will look again.
func (sw *Sweeper) save(ctx context.Context, prev, next session.Record) bool {
	saved, err := sw.svc.store.Sessions().Update(ctx, next)
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			sw.logger.Warn().Err(err).Str("session_id", prev.ID).Msg("Failed to update session")
		}
		return false
	}

	if consumed := saved.UsedMinutes - prev.UsedMinutes; consumed > 0 {
		metrics.MinutesConsumed.Add(float64(consumed))
	}
	if saved.Status != prev.Status {
		metrics.SessionTransitions.WithLabelValues(string(prev.Status), string(saved.Status)).Inc()
		sw.svc.publish(ctx, saved)
		sw.logger.Info().
			Str("session_id", saved.ID).
			Str("from", string(prev.Status)).
			Str("to", string(saved.Status)).
			Msg("Session ended by sweeper")
	}
	return true
}
