package session

import "time"

// Record is the server's authoritative view of a single play session.
type Record struct {
	ID                  string     `json:"id"`
	Status              Status     `json:"status"`
	TotalMinutes        int        `json:"total_minutes"`
	UsedMinutes         int        `json:"used_minutes"`
	RemainingMinutes    *int       `json:"remaining_minutes,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	LastCountdownUpdate *time.Time `json:"last_countdown_update,omitempty"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	PauseCount          int        `json:"pause_count"`
	PlayerID            string     `json:"player_id,omitempty"`
	InvoiceID           string     `json:"invoice_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int64      `json:"version"`
}

// Anchor returns the instant active time is measured from: the last
// countdown checkpoint when present, otherwise the start time.
func (r Record) Anchor() (time.Time, bool) {
	if r.LastCountdownUpdate != nil {
		return *r.LastCountdownUpdate, true
	}
	if r.StartedAt != nil {
		return *r.StartedAt, true
	}
	return time.Time{}, false
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.RemainingMinutes != nil {
		v := *r.RemainingMinutes
		out.RemainingMinutes = &v
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.LastCountdownUpdate = cloneTime(r.LastCountdownUpdate)
	out.EndedAt = cloneTime(r.EndedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
