package scheduling

import (
	"errors"
	"testing"
	"time"
)

func TestTransition_FromScheduled(t *testing.T) {
	cases := map[Action]Status{
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
		ActionNoShow:   StatusCancelled,
	}
	for action, want := range cases {
		got, err := Transition(StatusScheduled, action)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", action, err)
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", action, want, got)
		}
	}
}

func TestTransition_TerminalStatesReject(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusCancelled} {
		for _, action := range []Action{ActionComplete, ActionCancel, ActionNoShow} {
			got, err := Transition(from, action)
			if !errors.Is(err, ErrTerminalStatus) {
				t.Errorf("%s on %s: expected ErrTerminalStatus, got %v", action, from, err)
			}
			if got != from {
				t.Errorf("%s on %s: status changed to %s", action, from, got)
			}
		}
	}
}

func TestTransition_UnknownAction(t *testing.T) {
	if _, err := Transition(StatusScheduled, Action("archive")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestActionForStatus(t *testing.T) {
	if a, _ := ActionForStatus(StatusCompleted); a != ActionComplete {
		t.Errorf("expected complete, got %s", a)
	}
	if _, err := ActionForStatus(StatusScheduled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition moving back to scheduled, got %v", err)
	}
}

func TestDisplayLabel(t *testing.T) {
	now := time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)
	grace := time.Hour
	noShow := CancelReasonNoShow
	prev := now.Add(-24 * time.Hour)

	cases := []struct {
		name string
		appt Appointment
		want Label
	}{
		{"upcoming", Appointment{Status: StatusScheduled, DateTime: now.Add(time.Hour)}, LabelScheduled},
		{"within grace", Appointment{Status: StatusScheduled, DateTime: now.Add(-30 * time.Minute)}, LabelScheduled},
		{"missed", Appointment{Status: StatusScheduled, DateTime: now.Add(-2 * time.Hour)}, LabelNoShow},
		{"rescheduled", Appointment{Status: StatusScheduled, DateTime: now.Add(time.Hour), RescheduledFrom: &prev}, LabelRescheduled},
		{"completed", Appointment{Status: StatusCompleted, DateTime: now.Add(-2 * time.Hour)}, LabelCompleted},
		{"cancelled", Appointment{Status: StatusCancelled, DateTime: now}, LabelCancelled},
		{"no-show", Appointment{Status: StatusCancelled, DateTime: now, CancelReason: &noShow}, LabelNoShow},
	}
	for _, tc := range cases {
		if got := DisplayLabel(&tc.appt, now, grace); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
