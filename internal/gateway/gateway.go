// Package gateway submits lifecycle actions for sessions and folds their
// results into the local view as soon as the server answers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/playtime/internal/session"
	"github.com/rs/zerolog"
)

var (
	// ErrActionInFlight is returned when an action is submitted for a
	// session that already has one outstanding.
	ErrActionInFlight = errors.New("an action is already in flight for this session")

	// ErrRejected is returned when the server answers without success and
	// without a more specific error.
	ErrRejected = errors.New("action rejected")
)

// Result is the server's answer to a submitted action.
type Result struct {
	Success   bool           `json:"success"`
	NewStatus session.Status `json:"new_status"`
	Message   string         `json:"message"`
}

// Submitter sends an action to the server.
type Submitter interface {
	SubmitAction(ctx context.Context, id string, action session.Action) (Result, error)
}

// Folder receives accepted action results for one session view.
// *reconcile.Loop satisfies it.
type Folder interface {
	ApplyStatus(s session.Status)
}

type attachment struct {
	token  uint64
	folder Folder
}

// Gateway serializes actions per session. At most one action per session is
// outstanding at a time; further submissions fail fast with
// ErrActionInFlight instead of queueing.
type Gateway struct {
	submitter Submitter
	logger    zerolog.Logger

	mu        sync.Mutex
	inFlight  map[string]session.Action
	folders   map[string]attachment
	nextToken uint64
}

// New creates a gateway.
func New(submitter Submitter, logger zerolog.Logger) *Gateway {
	return &Gateway{
		submitter: submitter,
		logger:    logger.With().Str("component", "gateway").Logger(),
		inFlight:  make(map[string]session.Action),
		folders:   make(map[string]attachment),
	}
}

// Attach routes accepted results for id to folder until detach is called.
// A later Attach for the same id replaces the earlier one.
func (g *Gateway) Attach(id string, folder Folder) (detach func()) {
	g.mu.Lock()
	g.nextToken++
	token := g.nextToken
	g.folders[id] = attachment{token: token, folder: folder}
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if cur, ok := g.folders[id]; ok && cur.token == token {
			delete(g.folders, id)
		}
	}
}

// Busy reports whether an action is outstanding for id. Callers use it to
// disable the triggering control.
func (g *Gateway) Busy(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[id]
	return ok
}

// Submit sends action for id. On success the new status is folded into the
// attached view, which then reconciles on its own. On failure the view
// is left untouched and the server's reason is returned.
func (g *Gateway) Submit(ctx context.Context, id string, action session.Action) (Result, error) {
	g.mu.Lock()
	if pending, ok := g.inFlight[id]; ok {
		g.mu.Unlock()
		g.logger.Debug().
			Str("session_id", id).
			Str("action", string(action)).
			Str("pending", string(pending)).
			Msg("Action blocked by in-flight request")
		return Result{}, fmt.Errorf("%w (%s pending)", ErrActionInFlight, pending)
	}
	g.inFlight[id] = action
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, id)
		g.mu.Unlock()
	}()

	res, err := g.submitter.SubmitAction(ctx, id, action)
	if err == nil && !res.Success {
		err = fmt.Errorf("%w: %s", ErrRejected, res.Message)
	}
	if err != nil {
		g.logger.Info().
			Str("session_id", id).
			Str("action", string(action)).
			Err(err).
			Msg("Action not applied")
		return res, err
	}

	g.mu.Lock()
	att, attached := g.folders[id]
	g.mu.Unlock()

	if attached {
		att.folder.ApplyStatus(res.NewStatus)
	}

	g.logger.Info().
		Str("session_id", id).
		Str("action", string(action)).
		Str("status", string(res.NewStatus)).
		Msg("Action applied")
	return res, nil
}
