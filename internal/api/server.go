// Package api serves the playtime HTTP API: login, session reads and
// actions, invoice activation, presence heartbeats and the change feed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	JWTSecret       string
	TokenExpiration time.Duration
	LoginRateLimit  int
	RateLimitWindow time.Duration
}

// Server is the API HTTP server.
type Server struct {
	config      Config
	svc         *arcade.Service
	users       storage.UserStore
	auth        *AuthService
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	router      *mux.Router
	server      *http.Server
	listener    net.Listener
	logger      zerolog.Logger
}

// NewServer creates an API server.
func NewServer(cfg Config, svc *arcade.Service, users storage.UserStore, logger zerolog.Logger) *Server {
	rateLimit := cfg.LoginRateLimit
	if rateLimit == 0 {
		rateLimit = 10
	}
	rateLimitWindow := cfg.RateLimitWindow
	if rateLimitWindow == 0 {
		rateLimitWindow = time.Minute
	}

	s := &Server{
		config:      cfg,
		svc:         svc,
		users:       users,
		auth:        NewAuthService(users, cfg.JWTSecret, cfg.TokenExpiration),
		rateLimiter: NewRateLimiter(rateLimit, rateLimitWindow),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	limited := RateLimitMiddleware(s.rateLimiter)
	s.router.Handle("/api/auth/login", limited(http.HandlerFunc(s.handleLogin))).Methods("POST")

	authRouter := s.router.PathPrefix("/api").Subrouter()
	authRouter.Use(AuthMiddleware(s.auth))

	authRouter.HandleFunc("/auth/me", s.handleMe).Methods("GET")

	authRouter.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	authRouter.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	authRouter.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	authRouter.HandleFunc("/sessions/{id}/actions/{action}", s.handleAction).Methods("POST")
	authRouter.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods("GET")
	authRouter.HandleFunc("/events", s.handleAllEvents).Methods("GET")

	authRouter.HandleFunc("/invoices/{id}/activate", s.handleActivateInvoice).Methods("POST")

	authRouter.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	authRouter.HandleFunc("/presence", s.handlePresence).Methods("GET")
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts serving in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	s.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
