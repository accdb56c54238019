package scheduling

import (
	"fmt"
	"time"
)

// Status is the persisted appointment status.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusCompleted: true, StatusCancelled: true,
}

// Valid reports whether s is a persisted status.
func (s Status) Valid() bool { return validStatuses[s] }

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Action is a user-initiated status change.
type Action string

const (
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionNoShow   Action = "no-show"
)

// Transition returns the status reached by applying a to from.
func Transition(from Status, a Action) (Status, error) {
	if from.IsTerminal() {
		return from, fmt.Errorf("%w: cannot %s a %s appointment", ErrTerminalStatus, a, from)
	}
	if from != StatusScheduled {
		return from, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	switch a {
	case ActionComplete:
		return StatusCompleted, nil
	case ActionCancel, ActionNoShow:
		return StatusCancelled, nil
	}
	return from, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, a)
}

// ActionForStatus maps a requested target status to the action that reaches it.
func ActionForStatus(target Status) (Action, error) {
	switch target {
	case StatusCompleted:
		return ActionComplete, nil
	case StatusCancelled:
		return ActionCancel, nil
	}
	return "", fmt.Errorf("%w: cannot move to status %q", ErrInvalidTransition, target)
}

// CanReschedule reports whether the appointment's time may still change.
func CanReschedule(s Status) error {
	if s.IsTerminal() {
		return fmt.Errorf("%w: cannot reschedule a %s appointment", ErrTerminalStatus, s)
	}
	return nil
}

// Label is the presentation-level status shown by calendar and list views.
type Label string

const (
	LabelScheduled   Label = "scheduled"
	LabelCompleted   Label = "completed"
	LabelCancelled   Label = "cancelled"
	LabelNoShow      Label = "no-show"
	LabelRescheduled Label = "rescheduled"
)

// DisplayLabel derives the presentation label from status and timestamps. A
// scheduled appointment more than grace in the past is shown as a no-show.
func DisplayLabel(a *Appointment, now time.Time, grace time.Duration) Label {
	switch a.Status {
	case StatusCompleted:
		return LabelCompleted
	case StatusCancelled:
		if strVal(a.CancelReason) == CancelReasonNoShow {
			return LabelNoShow
		}
		return LabelCancelled
	}
	if a.DateTime.Add(grace).Before(now) {
		return LabelNoShow
	}
	if a.RescheduledFrom != nil {
		return LabelRescheduled
	}
	return LabelScheduled
}
