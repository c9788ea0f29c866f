package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goodtune/playtime/internal/arcade"
	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/gorilla/mux"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserInfo describes the authenticated user.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginResponse is returned after a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserInfo  `json:"user"`
}

// SessionResponse is a session with its usage derived at ServerTime.
type SessionResponse struct {
	Session          session.Record `json:"session"`
	UsedMinutes      int            `json:"used_minutes"`
	RemainingMinutes int            `json:"remaining_minutes"`
	PercentRemaining float64        `json:"percent_remaining"`
	ServerTime       time.Time      `json:"server_time"`
}

// ActionResponse is returned for an applied action.
type ActionResponse struct {
	Success   bool           `json:"success"`
	NewStatus session.Status `json:"new_status"`
	Message   string         `json:"message"`
	Session   session.Record `json:"session"`
}

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	TotalMinutes int    `json:"total_minutes"`
	PlayerID     string `json:"player_id"`
}

// ActivateInvoiceRequest is the body of POST /api/invoices/{id}/activate.
type ActivateInvoiceRequest struct {
	Minutes   int    `json:"minutes"`
	PlayerID  string `json:"player_id"`
	AutoStart *bool  `json:"auto_start"`
}

// HeartbeatRequest is the optional body of POST /api/heartbeat.
type HeartbeatRequest struct {
	Station string `json:"station"`
}

func toSessionResponse(snap arcade.Snapshot) SessionResponse {
	return SessionResponse{
		Session:          snap.Record,
		UsedMinutes:      snap.Usage.UsedMinutes,
		RemainingMinutes: snap.Usage.RemainingMinutes,
		PercentRemaining: session.PercentRemaining(snap.Usage.RemainingMinutes, snap.Record.TotalMinutes),
		ServerTime:       snap.ServerTime,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"server_time": s.svc.Now(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, token, expiresAt, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		s.logger.Error().Err(err).Msg("Login error")
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      UserInfo{ID: user.ID, Username: user.Username, Role: user.Role},
	})
	s.logger.Info().Str("username", user.Username).Str("role", user.Role).Msg("User logged in")
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	writeJSON(w, http.StatusOK, UserInfo{ID: actor.ID, Username: actor.Username, Role: actor.Role})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	id := mux.Vars(r)["id"]

	snap, err := s.svc.Get(r.Context(), actor, id)
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var status session.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := session.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}

	snaps, err := s.svc.List(r.Context(), actor, status)
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}

	sessions := make([]SessionResponse, 0, len(snaps))
	for _, snap := range snaps {
		sessions = append(sessions, toSessionResponse(snap))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rec, err := s.svc.Create(r.Context(), actor, arcade.CreateRequest{
		TotalMinutes: req.TotalMinutes,
		PlayerID:     req.PlayerID,
	})
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": rec})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	vars := mux.Vars(r)

	action, err := session.ParseAction(vars["action"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, actionFailure(http.StatusBadRequest, string(session.ReasonUnknownCommand), err.Error()))
		return
	}

	res, err := s.svc.Apply(r.Context(), actor, vars["id"], action, r.Header.Get("X-Request-ID"))
	if err != nil {
		s.writeServiceError(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		Success:   true,
		NewStatus: res.Status,
		Message:   res.Message,
		Session:   res.Record,
	})
}

func (s *Server) handleActivateInvoice(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	invoiceID := mux.Vars(r)["id"]

	var req ActivateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	autoStart := true
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}

	rec, created, err := s.svc.ActivateInvoice(r.Context(), actor, invoiceID, arcade.ActivationRequest{
		Minutes:   req.Minutes,
		PlayerID:  req.PlayerID,
		AutoStart: autoStart,
	})
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"session": rec,
		"created": created,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	// The body is optional.
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	identity := actor.Username
	if req.Station != "" {
		identity += "@" + req.Station
	}
	if err := s.svc.Heartbeat(r.Context(), identity); err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	present, err := s.svc.Present(r.Context())
	if err != nil {
		s.writeServiceError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"present": present,
		"count":   len(present),
	})
}

func actionFailure(code int, reason, message string) ErrorResponse {
	success := false
	return ErrorResponse{
		Success: &success,
		Error:   http.StatusText(code),
		Reason:  reason,
		Message: message,
		Code:    code,
	}
}

// writeServiceError maps service errors onto HTTP responses. Action
// responses carry success=false.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, action bool) {
	var (
		code   int
		reason string
	)

	var te *session.TransitionError
	var pe *arcade.PolicyError
	switch {
	case errors.As(err, &te):
		code, reason = http.StatusConflict, string(te.Reason)
	case errors.As(err, &pe):
		code, reason = http.StatusForbidden, pe.Reason
	case errors.Is(err, arcade.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, arcade.ErrInvalidRequest), errors.Is(err, session.ErrUnknownAction):
		code = http.StatusBadRequest
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if action {
		writeJSON(w, code, actionFailure(code, reason, err.Error()))
		return
	}
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Reason:  reason,
		Message: err.Error(),
		Code:    code,
	})
}
