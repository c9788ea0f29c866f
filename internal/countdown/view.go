// Package countdown drives the per-second display that runs between
// server reconciliations.
package countdown

import (
	"fmt"
	"time"

	"github.com/goodtune/playtime/internal/session"
)

// View is what a session screen renders.
type View struct {
	SessionID    string         `json:"session_id"`
	Status       session.Status `json:"status"`
	TotalMinutes int            `json:"total_minutes"`
	UsedMinutes  int            `json:"used_minutes"`
	Minutes      int            `json:"minutes"`
	Seconds      int            `json:"seconds"`
	Running      bool           `json:"running"`
	Expired      bool           `json:"expired"`
	SeededAt     time.Time      `json:"seeded_at"`
}

// Seed builds a fresh view from a server record. The seconds field always
// restarts at zero.
func Seed(rec session.Record, now time.Time) View {
	usage := session.Compute(rec, now)
	v := View{
		SessionID:    rec.ID,
		Status:       rec.Status,
		TotalMinutes: max(0, rec.TotalMinutes),
		UsedMinutes:  usage.UsedMinutes,
		Minutes:      usage.RemainingMinutes,
		SeededAt:     now,
	}

	if rec.Status == session.StatusActive && rec.StartedAt != nil {
		if usage.RemainingMinutes > 0 {
			v.Running = true
		} else {
			v.Expired = true
		}
	}
	if rec.Status == session.StatusCompleted {
		v.Expired = true
	}
	return v
}

// Tick advances a running view by one second.
func (v View) Tick() View {
	if !v.Running {
		return v
	}

	v.Seconds--
	if v.Seconds < 0 {
		v.Seconds = 59
		v.Minutes--
	}
	if v.Minutes < 0 || (v.Minutes == 0 && v.Seconds == 0) {
		v.Minutes, v.Seconds = 0, 0
		v.Running = false
		v.Expired = true
	}
	return v
}

// WithStatus folds a status reported by an action response into the view.
// Anything other than active stops the clock; active waits for a
// reconciliation to supply a fresh remaining value.
func (v View) WithStatus(s session.Status) View {
	v.Status = s
	if s != session.StatusActive {
		v.Running = false
	}
	if s == session.StatusCompleted {
		v.Expired = true
	}
	return v
}

// PercentRemaining returns the share of the allowance left, at second
// resolution.
func (v View) PercentRemaining() float64 {
	if v.TotalMinutes <= 0 {
		return 0
	}
	left := v.Minutes*60 + v.Seconds
	return session.PercentRemaining(left, v.TotalMinutes*60)
}

// Clock formats the remaining time as M:SS.
func (v View) Clock() string {
	return fmt.Sprintf("%d:%02d", v.Minutes, v.Seconds)
}
