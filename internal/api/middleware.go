package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/metrics"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type contextKey string

// ContextKeyActor is the context key for the authenticated caller.
const ContextKeyActor contextKey = "actor"

// ActorFromContext returns the authenticated caller.
func ActorFromContext(ctx context.Context) (arcade.Actor, bool) {
	actor, ok := ctx.Value(ContextKeyActor).(arcade.Actor)
	return actor, ok
}

// AuthMiddleware requires a valid bearer token. Websocket clients that
// cannot set headers may pass the token as the "token" query parameter.
func AuthMiddleware(auth *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					writeError(w, http.StatusUnauthorized, "Invalid authorization header")
					return
				}
				token = parts[1]
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Authentication required")
				return
			}

			claims, err := auth.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyActor, claims.Actor())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs requests and records request metrics labelled by
// route template.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			duration := time.Since(start)
			metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Msg("API request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades through the wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RateLimiter is a fixed-window limiter keyed by client identifier.
type RateLimiter struct {
	requests map[string]*bucket
	mu       sync.Mutex
	rate     int
	window   time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerWindow per window.
func NewRateLimiter(requestsPerWindow int, window time.Duration) *RateLimiter {
	limiter := &RateLimiter{
		requests: make(map[string]*bucket),
		rate:     requestsPerWindow,
		window:   window,
		stopCh:   make(chan struct{}),
	}
	go limiter.cleanup()
	return limiter
}

// Allow reports whether a request from identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.requests[identifier]
	if !exists {
		rl.requests[identifier] = &bucket{tokens: rl.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(b.lastReset) > rl.window {
		b.tokens = rl.rate - 1
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for id, b := range rl.requests {
				if now.Sub(b.lastReset) > rl.window*2 {
					delete(rl.requests, id)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// RateLimitMiddleware limits requests per remote host.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				identifier = host
			}

			if !limiter.Allow(identifier) {
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
