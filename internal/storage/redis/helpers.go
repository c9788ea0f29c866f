package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/playtime/internal/session"
	"github.com/goodtune/playtime/internal/storage"
)

const (
	keyPrefix        = "playtime:"
	sessionKeyPrefix = keyPrefix + "session:"
	statusSetPrefix  = keyPrefix + "sessions:status:"
	allSessionsKey   = keyPrefix + "sessions:all"
	presenceKey      = keyPrefix + "presence"
	usersKey         = keyPrefix + "users"
	eventChannelBase = keyPrefix + "events:"

	// Terminal sessions expire after 90 days.
	terminalRetention = 90 * 24 * time.Hour
)

func sessionKey(id string) string          { return sessionKeyPrefix + id }
func statusSetKey(s session.Status) string { return statusSetPrefix + string(s) }
func invoiceKey(invoiceID string) string   { return keyPrefix + "sessions:invoice:" + invoiceID }
func userKey(username string) string       { return keyPrefix + "user:" + username }
func eventChannel(sessionID string) string { return eventChannelBase + sessionID }

// sessionFields flattens rec into HSET field/value pairs. Absent optional
// values are written as empty strings so updates clear them.
func sessionFields(rec session.Record) []any {
	remaining := ""
	if rec.RemainingMinutes != nil {
		remaining = strconv.Itoa(*rec.RemainingMinutes)
	}

	return []any{
		"id", rec.ID,
		"status", string(rec.Status),
		"total_minutes", strconv.Itoa(rec.TotalMinutes),
		"used_minutes", strconv.Itoa(rec.UsedMinutes),
		"remaining_minutes", remaining,
		"started_at", formatTimePtr(rec.StartedAt),
		"last_countdown_update", formatTimePtr(rec.LastCountdownUpdate),
		"ended_at", formatTimePtr(rec.EndedAt),
		"pause_count", strconv.Itoa(rec.PauseCount),
		"player_id", rec.PlayerID,
		"invoice_id", rec.InvoiceID,
		"created_at", rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"version", strconv.FormatInt(rec.Version, 10),
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSession converts a Redis hash to a session record
func parseSession(data map[string]string) (*session.Record, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	status, err := session.ParseStatus(data["status"])
	if err != nil {
		return nil, err
	}

	rec := &session.Record{
		ID:        data["id"],
		Status:    status,
		PlayerID:  data["player_id"],
		InvoiceID: data["invoice_id"],
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"total_minutes", &rec.TotalMinutes},
		{"used_minutes", &rec.UsedMinutes},
		{"pause_count", &rec.PauseCount},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(data[f.field])
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f.field, err)
		}
		*f.dst = v
	}

	if raw := data["remaining_minutes"]; raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse remaining_minutes: %w", err)
		}
		rec.RemainingMinutes = &v
	}

	if rec.Version, err = strconv.ParseInt(data["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	if rec.StartedAt, err = parseTimePtr(data["started_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if rec.LastCountdownUpdate, err = parseTimePtr(data["last_countdown_update"]); err != nil {
		return nil, fmt.Errorf("failed to parse last_countdown_update: %w", err)
	}
	if rec.EndedAt, err = parseTimePtr(data["ended_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, data["created_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, data["updated_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return rec, nil
}

func parseTimePtr(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseUser converts a Redis hash to a user
func parseUser(data map[string]string) (*storage.User, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	user := &storage.User{
		ID:           data["id"],
		Username:     data["username"],
		PasswordHash: data["password_hash"],
		Role:         data["role"],
	}

	var err error
	if user.CreatedAt, err = time.Parse(time.RFC3339Nano, data["created_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if user.UpdatedAt, err = time.Parse(time.RFC3339Nano, data["updated_at"]); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if user.LastLogin, err = parseTimePtr(data["last_login"]); err != nil {
		return nil, fmt.Errorf("failed to parse last_login: %w", err)
	}

	return user, nil
}
