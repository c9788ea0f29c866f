// Package arcade is the server-side arbiter of session state: it applies
// lifecycle actions, activates invoices and sweeps sessions in the
// background.
package arcade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/playtime/internal/metrics"
	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest is returned for malformed create or activation requests.
var ErrInvalidRequest = errors.New("invalid request")

// Config holds service tunables.
type Config struct {
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	ReadyTTL           time.Duration
	PresenceTTL        time.Duration
	DedupeCacheSize    int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      15 * time.Second,
		CheckpointInterval: time.Minute,
		ReadyTTL:           24 * time.Hour,
		PresenceTTL:        90 * time.Second,
		DedupeCacheSize:    1024,
	}
}

// Snapshot is a session as returned to readers: the record, its derived
// usage and the server clock reading used to derive it.
type Snapshot struct {
	Record     session.Record
	Usage      session.Usage
	ServerTime time.Time
}

// ActionResult describes an applied action.
type ActionResult struct {
	SessionID string
	Action    session.Action
	Previous  session.Status
	Status    session.Status
	Message   string
	Record    session.Record
}

// CreateRequest describes a manually created session.
type CreateRequest struct {
	TotalMinutes int
	PlayerID     string
}

// ActivationRequest describes an invoice activation.
type ActivationRequest struct {
	Minutes   int
	PlayerID  string
	AutoStart bool
}

// Service applies session operations against a store.
type Service struct {
	store  storage.Store
	authz  Authorizer
	clock  clockwork.Clock
	cfg    Config
	logger zerolog.Logger
	dedupe *lru.Cache[string, ActionResult]
}

// NewService creates a service.
func NewService(store storage.Store, authz Authorizer, clock clockwork.Clock, cfg Config, logger zerolog.Logger) (*Service, error) {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.ReadyTTL <= 0 {
		cfg.ReadyTTL = def.ReadyTTL
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = def.PresenceTTL
	}
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = def.DedupeCacheSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cache, err := lru.New[string, ActionResult](cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	return &Service{
		store:  store,
		authz:  authz,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With().Str("component", "arcade").Logger(),
		dedupe: cache,
	}, nil
}

// Now returns the server clock.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Get returns a session with its usage derived at the server's now.
func (s *Service) Get(ctx context.Context, actor Actor, id string) (Snapshot, error) {
	rec, err := s.store.Sessions().Get(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if err := s.authz.Authorize(ctx, actor, OpView, rec); err != nil {
		return Snapshot{}, err
	}
	now := s.clock.Now()
	return Snapshot{Record: *rec, Usage: session.Compute(*rec, now), ServerTime: now}, nil
}

// List returns sessions, optionally filtered by status.
func (s *Service) List(ctx context.Context, actor Actor, status session.Status) ([]Snapshot, error) {
	if err := s.authz.Authorize(ctx, actor, OpList, nil); err != nil {
		return nil, err
	}

	var (
		recs []session.Record
		err  error
	)
	if status == "" {
		recs, err = s.store.Sessions().List(ctx)
	} else {
		recs, err = s.store.Sessions().ListByStatus(ctx, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := s.clock.Now()
	out := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Snapshot{Record: rec, Usage: session.Compute(rec, now), ServerTime: now})
	}
	return out, nil
}

// Create stores a new ready session.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (session.Record, error) {
	if err := s.authz.Authorize(ctx, actor, OpCreate, nil); err != nil {
		return session.Record{}, err
	}
	if req.TotalMinutes <= 0 {
		return session.Record{}, fmt.Errorf("%w: total_minutes must be positive", ErrInvalidRequest)
	}

	now := s.clock.Now()
	rec, err := s.store.Sessions().Create(ctx, session.Record{
		ID:           uuid.NewString(),
		Status:       session.StatusReady,
		TotalMinutes: req.TotalMinutes,
		PlayerID:     req.PlayerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return session.Record{}, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionsCreated.WithLabelValues("manual").Inc()
	s.publish(ctx, rec)
	s.logger.Info().
		Str("session_id", rec.ID).
		Str("by", actor.Username).
		Int("total_minutes", rec.TotalMinutes).
		Msg("Session created")
	return rec, nil
}

// ActivateInvoice creates the session paid for by invoiceID. Activating the
// same invoice again returns the existing session with created=false.
func (s *Service) ActivateInvoice(ctx context.Context, actor Actor, invoiceID string, req ActivationRequest) (rec session.Record, created bool, err error) {
	if err := s.authz.Authorize(ctx, actor, OpActivate, nil); err != nil {
		return session.Record{}, false, err
	}
	if invoiceID == "" {
		return session.Record{}, false, fmt.Errorf("%w: invoice id is required", ErrInvalidRequest)
	}

	if existing, err := s.store.Sessions().GetByInvoice(ctx, invoiceID); err == nil {
		return *existing, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return session.Record{}, false, fmt.Errorf("lookup invoice %s: %w", invoiceID, err)
	}

	if req.Minutes <= 0 {
		return session.Record{}, false, fmt.Errorf("%w: minutes must be positive", ErrInvalidRequest)
	}

	now := s.clock.Now()
	rec = session.Record{
		ID:           uuid.NewString(),
		Status:       session.StatusReady,
		TotalMinutes: req.Minutes,
		PlayerID:     req.PlayerID,
		InvoiceID:    invoiceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.AutoStart {
		rec.Status = session.StatusActive
		rec.StartedAt = session.TimePtr(now)
		rec.LastCountdownUpdate = session.TimePtr(now)
	}

	rec, err = s.store.Sessions().Create(ctx, rec)
	if errors.Is(err, storage.ErrExists) {
		// A concurrent activation won.
		existing, gerr := s.store.Sessions().GetByInvoice(ctx, invoiceID)
		if gerr != nil {
			return session.Record{}, false, fmt.Errorf("lookup invoice %s: %w", invoiceID, gerr)
		}
		return *existing, false, nil
	}
	if err != nil {
		return session.Record{}, false, fmt.Errorf("activate invoice %s: %w", invoiceID, err)
	}

	metrics.SessionsCreated.WithLabelValues("invoice").Inc()
	s.publish(ctx, rec)
	s.logger.Info().
		Str("session_id", rec.ID).
		Str("invoice_id", invoiceID).
		Str("status", string(rec.Status)).
		Int("total_minutes", rec.TotalMinutes).
		Msg("Invoice activated")
	return rec, true, nil
}

// Apply performs a lifecycle action. A non-empty requestID that was already
// applied by the same actor for the same session and action returns the
// earlier result.
func (s *Service) Apply(ctx context.Context, actor Actor, id string, action session.Action, requestID string) (ActionResult, error) {
	dedupeKey := ""
	if requestID != "" {
		dedupeKey = actor.Username + "/" + id + "/" + string(action) + "/" + requestID
		if prior, ok := s.dedupe.Get(dedupeKey); ok {
			metrics.DuplicateActions.Inc()
			s.logger.Debug().Str("request_id", requestID).Str("session_id", prior.SessionID).Msg("Duplicate action request")
			return prior, nil
		}
	}

	// One retry covers a concurrent writer such as the sweeper.
	for attempt := 0; ; attempt++ {
		result, err := s.applyOnce(ctx, actor, id, action)
		if errors.Is(err, storage.ErrConflict) && attempt == 0 {
			s.logger.Debug().Str("session_id", id).Msg("Version conflict, retrying action")
			continue
		}
		if err != nil {
			metrics.SessionActions.WithLabelValues(string(action), resultLabel(err)).Inc()
			return ActionResult{}, err
		}

		metrics.SessionActions.WithLabelValues(string(action), "ok").Inc()
		if dedupeKey != "" {
			s.dedupe.Add(dedupeKey, result)
		}
		return result, nil
	}
}

func (s *Service) applyOnce(ctx context.Context, actor Actor, id string, action session.Action) (ActionResult, error) {
	rec, err := s.store.Sessions().Get(ctx, id)
	if err != nil {
		return ActionResult{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if err := s.authz.Authorize(ctx, actor, string(action), rec); err != nil {
		return ActionResult{}, err
	}

	now := s.clock.Now()
	next, err := ApplyAction(*rec, action, now)
	if err != nil {
		s.logger.Info().
			Str("session_id", id).
			Str("action", string(action)).
			Str("status", string(rec.Status)).
			Err(err).
			Msg("Action refused")
		return ActionResult{}, err
	}

	saved, err := s.store.Sessions().Update(ctx, next)
	if err != nil {
		return ActionResult{}, fmt.Errorf("save session %s: %w", id, err)
	}

	if consumed := saved.UsedMinutes - rec.UsedMinutes; consumed > 0 {
		metrics.MinutesConsumed.Add(float64(consumed))
	}
	metrics.SessionTransitions.WithLabelValues(string(rec.Status), string(saved.Status)).Inc()
	s.publish(ctx, saved)

	s.logger.Info().
		Str("session_id", id).
		Str("action", string(action)).
		Str("from", string(rec.Status)).
		Str("to", string(saved.Status)).
		Str("by", actor.Username).
		Msg("Session action applied")

	return ActionResult{
		SessionID: id,
		Action:    action,
		Previous:  rec.Status,
		Status:    saved.Status,
		Message:   fmt.Sprintf("session %s", actionVerb(action)),
		Record:    saved,
	}, nil
}

// Heartbeat records that identity is present.
func (s *Service) Heartbeat(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	}
	if err := s.store.Presence().Touch(ctx, identity, s.clock.Now()); err != nil {
		return err
	}
	metrics.Heartbeats.Inc()
	return nil
}

// Present lists identities seen within the presence window.
func (s *Service) Present(ctx context.Context) ([]storage.Presence, error) {
	all, err := s.store.Presence().List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-s.cfg.PresenceTTL)
	out := make([]storage.Presence, 0, len(all))
	for _, p := range all {
		if !p.LastSeen.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Subscribe streams change notifications for a session the actor may view.
func (s *Service) Subscribe(ctx context.Context, actor Actor, id string) (<-chan storage.Event, func(), error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, nil, err
	}
	return s.store.Events().Subscribe(ctx, id)
}

// SubscribeAll streams change notifications for every session.
func (s *Service) SubscribeAll(ctx context.Context, actor Actor) (<-chan storage.Event, func(), error) {
	if err := s.authz.Authorize(ctx, actor, OpList, nil); err != nil {
		return nil, nil, err
	}
	return s.store.Events().Subscribe(ctx, "")
}

func (s *Service) publish(ctx context.Context, rec session.Record) {
	if err := s.store.Events().Publish(ctx, storage.EventFor(rec)); err != nil {
		s.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Failed to publish session change")
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, session.ErrIllegalTransition):
		return "rejected"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	}
	return "error"
}

func actionVerb(a session.Action) string {
	switch a {
	case session.ActionStart:
		return "started"
	case session.ActionPause:
		return "paused"
	case session.ActionResume:
		return "resumed"
	case session.ActionTerminate:
		return "terminated"
	}
	return string(a)
}
