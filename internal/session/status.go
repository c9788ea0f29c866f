package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a play session.
type Status string

const (
	StatusReady      Status = "ready"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusReady,
	StatusActive,
	StatusPaused,
	StatusCompleted,
	StatusTerminated,
	StatusExpired,
}

// ParseStatus converts a string into a Status, ignoring case.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid status: %q", s)
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusActive, StatusPaused, StatusCompleted, StatusTerminated, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusExpired:
		return true
	case StatusReady, StatusActive, StatusPaused:
		return false
	}
	// Unknown statuses are treated as terminal so nothing acts on them.
	return true
}

// UnmarshalJSON implements json.Unmarshaler to normalize and validate the status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	status, err := ParseStatus(raw)
	if err != nil {
		return err
	}

	*s = status
	return nil
}
