package countdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when Run is called on an engine that is
// already running.
var ErrAlreadyRunning = errors.New("countdown engine already running")

// Engine owns the one-second ticker for a single view. The ticker exists
// only while the view is running.
type Engine struct {
	clock    clockwork.Clock
	logger   zerolog.Logger
	onChange func(View)

	seedCh  chan View
	running atomic.Bool

	mu      sync.RWMutex
	current View
}

// NewEngine creates an engine. onChange, if non-nil, is called from the
// engine goroutine after every seed and tick.
func NewEngine(clock clockwork.Clock, logger zerolog.Logger, onChange func(View)) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		clock:    clock,
		logger:   logger.With().Str("component", "countdown").Logger(),
		onChange: onChange,
		seedCh:   make(chan View),
	}
}

// Current returns the latest view.
func (e *Engine) Current() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Seed replaces the current view. It blocks until the engine goroutine
// accepts the view or ctx is done.
func (e *Engine) Seed(ctx context.Context, v View) error {
	select {
	case e.seedCh <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes seeds and ticks until ctx is cancelled. Cancelling ctx
// stops the ticker before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	var ticker clockwork.Ticker
	var tickCh <-chan time.Time

	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickCh = nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return nil

		case v := <-e.seedCh:
			// Restart the ticker so the first tick lands one second after the seed.
			stopTicker()
			if v.Running {
				ticker = e.clock.NewTicker(time.Second)
				tickCh = ticker.Chan()
			}
			e.publish(v)

		case <-tickCh:
			v := e.Current().Tick()
			if !v.Running {
				stopTicker()
				if v.Expired {
					e.logger.Info().Str("session_id", v.SessionID).Msg("Countdown reached zero")
				}
			}
			e.publish(v)
		}
	}
}

func (e *Engine) publish(v View) {
	e.mu.Lock()
	e.current = v
	e.mu.Unlock()

	if e.onChange != nil {
		e.onChange(v)
	}
}
