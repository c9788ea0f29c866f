package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playtime_http_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playtime_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Session lifecycle metrics
	SessionActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playtime_session_actions_total",
			Help: "Session actions by outcome",
		},
		[]string{"action", "result"},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playtime_session_transitions_total",
			Help: "Session status transitions",
		},
		[]string{"from", "to"},
	)

	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playtime_sessions_created_total",
			Help: "Sessions created, by origin",
		},
		[]string{"origin"},
	)

	DuplicateActions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playtime_duplicate_actions_total",
			Help: "Action requests answered from the de-duplication cache",
		},
	)

	// Usage metrics
	MinutesConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playtime_minutes_consumed_total",
			Help: "Total play minutes folded into session records",
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playtime_active_sessions",
			Help: "Number of sessions currently running",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playtime_sweep_duration_seconds",
			Help:    "Duration of background session sweeps",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Presence metrics
	Heartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playtime_heartbeats_total",
			Help: "Presence heartbeats received",
		},
	)

	StationsPresent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playtime_stations_present",
			Help: "Stations seen within the presence window",
		},
	)

	// Client metrics
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playtime_reconciliations_total",
			Help: "Client reconciliation fetches by result",
		},
		[]string{"result"},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playtime_event_subscribers",
			Help: "Open session change-feed connections",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SessionActions,
		SessionTransitions,
		SessionsCreated,
		DuplicateActions,
		MinutesConsumed,
		ActiveSessions,
		SweepDuration,
		Heartbeats,
		StationsPresent,
		Reconciliations,
		EventSubscribers,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
