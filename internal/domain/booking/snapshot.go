package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

// Snapshot is the serializable form of a wizard. Dates are calendar dates in
// the wizard location.
type Snapshot struct {
	State          State                      `json:"state"`
	PatientID      uuid.UUID                  `json:"patient_id"`
	Doctor         *scheduling.Doctor         `json:"doctor,omitempty"`
	Date           string                     `json:"date,omitempty"`
	Time           string                     `json:"time,omitempty"`
	Type           scheduling.AppointmentType `json:"type,omitempty"`
	Notes          string                     `json:"notes,omitempty"`
	AvailableDates []string                   `json:"available_dates,omitempty"`
	IdempotencyKey string                     `json:"idempotency_key"`
	LastError      *Error                     `json:"last_error,omitempty"`
	Booked         *scheduling.Appointment    `json:"booked,omitempty"`
	BookedAt       *time.Time                 `json:"booked_at,omitempty"`
}

// Snapshot captures the wizard state. A wizard caught mid-submit is recorded as
// Confirming so that a restored copy can retry with the same key.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		State:          w.state,
		PatientID:      w.opts.PatientID,
		Doctor:         w.draft.Doctor,
		Time:           w.draft.Time,
		Type:           w.draft.Type,
		Notes:          w.draft.Notes,
		IdempotencyKey: w.idempotencyKey,
		LastError:      w.lastErr,
		Booked:         w.booked,
	}
	if s.State == StateSubmitting {
		s.State = StateConfirming
	}
	if w.draft.HasDate() {
		s.Date = w.draft.Date.Format(scheduling.DateLayout)
	}
	for _, d := range w.dates {
		s.AvailableDates = append(s.AvailableDates, d.Format(scheduling.DateLayout))
	}
	if !w.bookedAt.IsZero() {
		at := w.bookedAt
		s.BookedAt = &at
	}
	return s
}

// RestoreWizard rebuilds a wizard from s. opts.PatientID is taken from the snapshot.
func RestoreWizard(creator Creator, opts Options, s Snapshot) (*Wizard, error) {
	opts.PatientID = s.PatientID
	w := NewWizard(creator, opts)
	loc := w.opts.Location

	if s.State != "" {
		w.state = s.State
	}
	if s.IdempotencyKey != "" {
		w.idempotencyKey = s.IdempotencyKey
	}
	w.draft = Draft{Doctor: s.Doctor, Time: s.Time, Type: s.Type, Notes: s.Notes}
	if s.Date != "" {
		d, err := scheduling.ParseDate(s.Date, loc)
		if err != nil {
			return nil, err
		}
		w.draft.Date = d
	}
	for _, raw := range s.AvailableDates {
		d, err := scheduling.ParseDate(raw, loc)
		if err != nil {
			return nil, err
		}
		w.dates = append(w.dates, d)
	}
	w.lastErr = s.LastError
	w.booked = s.Booked
	if s.BookedAt != nil {
		w.bookedAt = *s.BookedAt
	}
	return w, nil
}
