// Package client talks to the playtime API on behalf of a countdown view:
// it fetches session records, submits actions, sends heartbeats and
// follows the change feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/playtime/internal/gateway"
	"github.com/goodtune/playtime/internal/reconcile"
	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned for 401 responses.
	ErrUnauthorized = reconcile.ErrUnauthorized

	// ErrNotFound is returned when the session does not exist.
	ErrNotFound = reconcile.ErrNotFound

	// ErrForbidden is returned for 403 responses.
	ErrForbidden = errors.New("forbidden")
)

// ActionError is a refused action as reported by the server.
type ActionError struct {
	Status  int
	Reason  string
	Message string
}

func (e *ActionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("action refused (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("action refused: %s", e.Message)
}

// Is matches session.ErrIllegalTransition for transition refusals and
// ErrForbidden for policy refusals.
func (e *ActionError) Is(target error) bool {
	switch target {
	case session.ErrIllegalTransition:
		return e.Status == http.StatusConflict
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	}
	return false
}

// User is the account a token was issued to.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// LoginResult is returned by Login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithStation names this station in heartbeats.
func WithStation(station string) Option {
	return func(c *Client) { c.station = station }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is an API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	station string
	logger  zerolog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "client").Logger()
	return c
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a token and uses it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out LoginResult
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, body, &out); err != nil {
		return LoginResult{}, err
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out, nil
}

type sessionResponse struct {
	Session          session.Record `json:"session"`
	UsedMinutes      int            `json:"used_minutes"`
	RemainingMinutes int            `json:"remaining_minutes"`
	ServerTime       time.Time      `json:"server_time"`
}

// FetchSession returns the authoritative record for id.
func (c *Client) FetchSession(ctx context.Context, id string) (reconcile.Snapshot, error) {
	var out sessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return reconcile.Snapshot{}, err
	}
	return reconcile.Snapshot{Record: out.Session, ServerTime: out.ServerTime}, nil
}

// SubmitAction asks the server to apply action to id. Each call carries a
// fresh X-Request-ID so a transport-level retry is not applied twice.
func (c *Client) SubmitAction(ctx context.Context, id string, action session.Action) (gateway.Result, error) {
	var out gateway.Result
	header := http.Header{}
	header.Set("X-Request-ID", uuid.NewString())

	path := fmt.Sprintf("/api/sessions/%s/actions/%s", url.PathEscape(id), url.PathEscape(string(action)))
	if err := c.do(ctx, http.MethodPost, path, header, nil, &out); err != nil {
		return gateway.Result{}, err
	}
	return out, nil
}

// Heartbeat marks this station as present.
func (c *Client) Heartbeat(ctx context.Context) error {
	body := map[string]string{"station": c.station}
	return c.do(ctx, http.MethodPost, "/api/heartbeat", nil, body, nil)
}

// Subscribe follows the change feed for id. The returned channel is closed
// when ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, id string) (<-chan storage.Event, error) {
	u, err := url.Parse(c.baseURL + "/api/sessions/" + url.PathEscape(id) + "/events")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if statusErr := statusError(resp); statusErr != nil {
				return nil, statusErr
			}
		}
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}

	events := make(chan storage.Event, 8)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()
		for {
			var ev storage.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug().Err(err).Str("session_id", id).Msg("Event stream closed")
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps non-2xx responses onto client errors.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var e errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &e)
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusForbidden:
		return &ActionError{Status: resp.StatusCode, Reason: e.Reason, Message: msg}
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
}
