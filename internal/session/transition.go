package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action is a lifecycle command a player or staff member may issue.
type Action string

const (
	ActionStart     Action = "start"
	ActionPause     Action = "pause"
	ActionResume    Action = "resume"
	ActionTerminate Action = "terminate"
)

// AllActions lists every action.
var AllActions = []Action{ActionStart, ActionPause, ActionResume, ActionTerminate}

var (
	// ErrUnknownAction is returned when parsing an unrecognized action name.
	ErrUnknownAction = errors.New("unknown action")

	// ErrIllegalTransition matches every *TransitionError.
	ErrIllegalTransition = errors.New("illegal transition")
)

// ParseAction converts a string into an Action, ignoring case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionTerminate:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// UnmarshalJSON implements json.Unmarshaler to normalize and validate the action.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseAction(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Reason classifies why a transition was refused.
type Reason string

const (
	ReasonTerminal       Reason = "terminal_state"
	ReasonAlreadyActive  Reason = "already_active"
	ReasonAlreadyPaused  Reason = "already_paused"
	ReasonNotStarted     Reason = "not_started"
	ReasonUseResume      Reason = "use_resume"
	ReasonUnknownStatus  Reason = "unknown_status"
	ReasonUnknownCommand Reason = "unknown_action"
)

// TransitionError describes a refused lifecycle transition.
type TransitionError struct {
	From   Status
	Action Action
	Reason Reason
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s session: %s", e.Action, e.From, e.Reason)
}

// Is makes errors.Is(err, ErrIllegalTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Transition returns the status that results from applying a to a session
// in status from.
func Transition(from Status, a Action) (Status, error) {
	refuse := func(r Reason) (Status, error) {
		return from, &TransitionError{From: from, Action: a, Reason: r}
	}

	if !from.Valid() {
		return refuse(ReasonUnknownStatus)
	}
	if from.Terminal() {
		return refuse(ReasonTerminal)
	}

	switch a {
	case ActionStart:
		switch from {
		case StatusReady:
			return StatusActive, nil
		case StatusActive:
			return refuse(ReasonAlreadyActive)
		case StatusPaused:
			return refuse(ReasonUseResume)
		}

	case ActionPause:
		switch from {
		case StatusActive:
			return StatusPaused, nil
		case StatusPaused:
			return refuse(ReasonAlreadyPaused)
		case StatusReady:
			return refuse(ReasonNotStarted)
		}

	case ActionResume:
		switch from {
		case StatusPaused:
			return StatusActive, nil
		case StatusActive:
			return refuse(ReasonAlreadyActive)
		case StatusReady:
			return refuse(ReasonNotStarted)
		}

	case ActionTerminate:
		switch from {
		case StatusReady, StatusActive, StatusPaused:
			return StatusTerminated, nil
		}

	default:
		return refuse(ReasonUnknownCommand)
	}

	return refuse(ReasonUnknownStatus)
}
