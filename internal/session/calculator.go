package session

import "time"

// Usage is the derived (used, remaining) minute pair for a session at an instant.
type Usage struct {
	UsedMinutes      int `json:"used_minutes"`
	RemainingMinutes int `json:"remaining_minutes"`
}

// Compute derives used and remaining minutes for rec at now.
//
// Active sessions accrue whole minutes since their anchor on top of the
// stored used value. Every other status reports stored values, preferring
// a server-supplied remaining_minutes. Inputs are clamped so the result
// always satisfies 0 <= used, remaining <= total and used+remaining == total
// for active sessions. Compute never fails.
func Compute(rec Record, now time.Time) Usage {
	total := max(0, rec.TotalMinutes)
	used := clamp(rec.UsedMinutes, 0, total)

	switch rec.Status {
	case StatusActive:
		if rec.StartedAt == nil {
			// Marked active server-side but the clock was never started.
			return Usage{UsedMinutes: 0, RemainingMinutes: total}
		}
		anchor, _ := rec.Anchor()
		consumed := min(total, used+ElapsedMinutes(anchor, now))
		return Usage{UsedMinutes: consumed, RemainingMinutes: total - consumed}

	case StatusReady, StatusPaused, StatusCompleted, StatusTerminated, StatusExpired:
		remaining := total - used
		if rec.RemainingMinutes != nil {
			remaining = clamp(*rec.RemainingMinutes, 0, total)
		}
		return Usage{UsedMinutes: used, RemainingMinutes: remaining}
	}

	return Usage{UsedMinutes: used, RemainingMinutes: total - used}
}

// ElapsedMinutes returns the whole minutes between anchor and now, floored
// and never negative.
func ElapsedMinutes(anchor, now time.Time) int {
	d := now.Sub(anchor)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// PercentRemaining returns remaining as a percentage of total, or 0 when
// total is not positive.
func PercentRemaining(remaining, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(clamp(remaining, 0, total)) * 100 / float64(total)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
