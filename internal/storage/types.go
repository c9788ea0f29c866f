package storage

import (
	"time"

	"github.com/goodtune/playtime/internal/session"
)

// Role names understood by the authorizer.
const (
	RoleAdmin  = "admin"
	RoleStaff  = "staff"
	RolePlayer = "player"
)

// User represents an account that can log in to the API.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleStaff, RolePlayer:
		return true
	}
	return false
}

// Presence is the last heartbeat seen from an identity.
type Presence struct {
	Identity string    `json:"identity"`
	LastSeen time.Time `json:"last_seen"`
}

// Event announces that a session record changed.
type Event struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EventFor builds the change notification for rec.
func EventFor(rec session.Record) Event {
	return Event{
		SessionID: rec.ID,
		Status:    rec.Status,
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt,
	}
}
