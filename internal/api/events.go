package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goodtune/playtime/internal/metrics"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPongWait     = 60 * time.Second
	eventPingInterval = 30 * time.Second
)

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, stop, err := s.svc.Subscribe(ctx, actor, id)
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	defer stop()

	s.streamEvents(ctx, cancel, w, r, events)
}

func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, stop, err := s.svc.SubscribeAll(ctx, actor)
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	defer stop()

	s.streamEvents(ctx, cancel, w, r, events)
}

// streamEvents upgrades the request and forwards events until the client
// disconnects or the subscription ends.
func (s *Server) streamEvents(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, r *http.Request, events <-chan storage.Event) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.EventSubscribers.Inc()
	defer metrics.EventSubscribers.Dec()

	// The read side only handles control frames and notices disconnects.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug().Err(err).Str("session_id", ev.SessionID).Msg("Event write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
