package arcade

import (
	"time"

	"github.com/goodtune/playtime/internal/session"
)

// ApplyAction returns the record that results from applying action to rec
// at now. rec is not modified. Refused transitions return rec unchanged
// with a *session.TransitionError.
func ApplyAction(rec session.Record, action session.Action, now time.Time) (session.Record, error) {
	next, err := session.Transition(rec.Status, action)
	if err != nil {
		return rec, err
	}

	out := rec.Clone()
	switch action {
	case session.ActionStart:
		out.StartedAt = session.TimePtr(now)
		out.LastCountdownUpdate = session.TimePtr(now)
		out.RemainingMinutes = nil

	case session.ActionPause:
		settle(&out, now)
		out.PauseCount++

	case session.ActionResume:
		// The partial minute before the pause is not charged.
		out.LastCountdownUpdate = session.TimePtr(now)
		out.RemainingMinutes = nil
		if out.StartedAt == nil {
			out.StartedAt = session.TimePtr(now)
		}

	case session.ActionTerminate:
		settle(&out, now)
		out.EndedAt = session.TimePtr(now)
	}

	out.Status = next
	out.UpdatedAt = now
	return out, nil
}

// settle folds the time consumed up to now into the stored fields.
func settle(rec *session.Record, now time.Time) {
	usage := session.Compute(*rec, now)
	rec.UsedMinutes = usage.UsedMinutes
	rec.RemainingMinutes = session.IntPtr(usage.RemainingMinutes)
	if rec.Status == session.StatusActive {
		rec.LastCountdownUpdate = session.TimePtr(now)
	}
}

// Checkpoint persists whole elapsed minutes of an active session into
// used_minutes and advances the anchor by the same amount. Compute returns
// the same result for the checkpointed record at any later instant. The
// second return is false when there is nothing to fold.
func Checkpoint(rec session.Record, now time.Time) (session.Record, bool) {
	if rec.Status != session.StatusActive || rec.StartedAt == nil {
		return rec, false
	}
	anchor, _ := rec.Anchor()
	elapsed := session.ElapsedMinutes(anchor, now)
	if elapsed == 0 {
		return rec, false
	}

	out := rec.Clone()
	out.UsedMinutes = session.Compute(rec, now).UsedMinutes
	out.LastCountdownUpdate = session.TimePtr(anchor.Add(time.Duration(elapsed) * time.Minute))
	out.UpdatedAt = now
	return out, true
}

// Complete marks an exhausted active session as completed.
func Complete(rec session.Record, now time.Time) session.Record {
	out := rec.Clone()
	settle(&out, now)
	out.Status = session.StatusCompleted
	out.EndedAt = session.TimePtr(now)
	out.UpdatedAt = now
	return out
}

// Expire marks a session that was never started as expired.
func Expire(rec session.Record, now time.Time) session.Record {
	out := rec.Clone()
	out.Status = session.StatusExpired
	out.RemainingMinutes = session.IntPtr(session.Compute(rec, now).RemainingMinutes)
	out.EndedAt = session.TimePtr(now)
	out.UpdatedAt = now
	return out
}
