// Package booking drives the three-step appointment booking flow: choose a
// doctor, choose a date and time, confirm. A Wizard emits at most one create
// call per user submit.
package booking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

// ConfirmationDisplay is how long the booked summary stays visible before the
// wizard closes.
const ConfirmationDisplay = 3 * time.Second

// DefaultSubmitTimeout bounds one create call.
const DefaultSubmitTimeout = 10 * time.Second

const maxNotes = 2000

type State string

const (
	StateSelectingDoctor   State = "selecting_doctor"
	StateSelectingDateTime State = "selecting_date_time"
	StateConfirming        State = "confirming"
	StateSubmitting        State = "submitting"
	StateBooked            State = "booked"
	StateCancelled         State = "cancelled"
)

// Terminal reports whether no further step is possible from s.
func (s State) Terminal() bool { return s == StateBooked || s == StateCancelled }

// Creator persists the single appointment produced by a wizard.
type Creator interface {
	CreateAppointment(ctx context.Context, cmd scheduling.CreateAppointmentCommand) (*scheduling.Appointment, error)
}

// Directory lists the doctors offered in the first step.
type Directory interface {
	ListDoctors(ctx context.Context, f scheduling.DoctorFilter) ([]*scheduling.Doctor, error)
}

// Draft is the value object accumulated across steps.
type Draft struct {
	Doctor *scheduling.Doctor
	Date   time.Time
	Time   string
	Type   scheduling.AppointmentType
	Notes  string
}

// HasDate reports whether a date has been chosen.
func (d Draft) HasDate() bool { return !d.Date.IsZero() }

type Options struct {
	PatientID     uuid.UUID
	Resolver      scheduling.Resolver
	Catalog       scheduling.SlotCatalog
	Location      *time.Location
	SubmitTimeout time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if len(o.Catalog.Blocks) == 0 {
		o.Catalog = scheduling.DefaultSlotCatalog()
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = DefaultSubmitTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Confirmation is the summary shown once the appointment is booked.
type Confirmation struct {
	AppointmentID uuid.UUID                  `json:"appointment_id"`
	DoctorName    string                     `json:"doctor_name"`
	Date          string                     `json:"date"`
	Time          string                     `json:"time"`
	Type          scheduling.AppointmentType `json:"type"`
	DateTime      time.Time                  `json:"date_time"`
}

type Wizard struct {
	mu      sync.Mutex
	creator Creator
	opts    Options

	state          State
	draft          Draft
	doctors        []*scheduling.Doctor
	dates          []time.Time
	idempotencyKey string
	lastErr        *Error
	booked         *scheduling.Appointment
	bookedAt       time.Time
}

func NewWizard(creator Creator, opts Options) *Wizard {
	return &Wizard{
		creator:        creator,
		opts:           opts.withDefaults(),
		state:          StateSelectingDoctor,
		idempotencyKey: uuid.NewString(),
	}
}

func (w *Wizard) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Wizard) Draft() Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// LastError returns the classified error of the most recent failed step.
func (w *Wizard) LastError() *Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// IdempotencyKey is sent with every submit of the current draft, retries
// included. Any change to the draft issues a new key.
func (w *Wizard) IdempotencyKey() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.idempotencyKey
}

// draftChanged rotates the idempotency key so that a key never covers two
// different appointments.
func (w *Wizard) draftChanged() {
	w.idempotencyKey = uuid.NewString()
}

// fail records err as the last error and returns it.
func (w *Wizard) fail(err error) error {
	w.lastErr = Classify(err)
	return err
}

func (w *Wizard) expect(states ...State) error {
	for _, s := range states {
		if w.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, w.state)
}

// -- Step 1: doctor --

func (w *Wizard) SetDoctors(doctors []*scheduling.Doctor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doctors = doctors
}

// LoadDoctors fetches the full doctor list from dir.
func (w *Wizard) LoadDoctors(ctx context.Context, dir Directory) error {
	doctors, err := dir.ListDoctors(ctx, scheduling.DoctorFilter{})
	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.fail(err)
	}
	w.SetDoctors(doctors)
	return nil
}

// FilterDoctors returns the doctors whose full name or specialization contains
// query, case-insensitively. An empty query returns every doctor.
func (w *Wizard) FilterDoctors(query string) []*scheduling.Doctor {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := scheduling.DoctorFilter{Query: query}
	out := make([]*scheduling.Doctor, 0, len(w.doctors))
	for _, d := range w.doctors {
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}

func (w *Wizard) SelectDoctor(id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.expect(StateSelectingDoctor); err != nil {
		return err
	}
	for _, d := range w.doctors {
		if d.ID == id {
			w.chooseDoctor(d)
			return nil
		}
	}
	return w.fail(&LookupError{Field: "doctor", Value: id.String()})
}

// SelectDoctorByName picks the doctor whose full name equals name, ignoring case.
func (w *Wizard) SelectDoctorByName(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.expect(StateSelectingDoctor); err != nil {
		return err
	}
	want := strings.TrimSpace(name)
	for _, d := range w.doctors {
		if strings.EqualFold(d.FullName(), want) {
			w.chooseDoctor(d)
			return nil
		}
	}
	return w.fail(&LookupError{Field: "doctor", Value: name})
}

func (w *Wizard) chooseDoctor(d *scheduling.Doctor) {
	if w.draft.Doctor == nil || w.draft.Doctor.ID != d.ID {
		w.draft.Date = time.Time{}
		w.draft.Time = ""
		w.dates = nil
		w.draftChanged()
	}
	w.draft.Doctor = d
	w.lastErr = nil
}

// -- Step 2: date and time --

// AvailableDates returns the bookable dates for the chosen doctor.
func (w *Wizard) AvailableDates() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]time.Time, len(w.dates))
	copy(out, w.dates)
	return out
}

// TimeSlots returns the catalog slots for the chosen date.
func (w *Wizard) TimeSlots() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opts.Catalog.SlotsForDate(w.draft.Date)
}

func (w *Wizard) resolveDates() error {
	today := w.opts.Now().In(w.opts.Location)
	dates, err := w.opts.Resolver.Resolve(w.draft.Doctor, today)
	if err != nil {
		return err
	}
	w.dates = dates
	return nil
}

func (w *Wizard) SelectDate(date time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.expect(StateSelectingDateTime); err != nil {
		return err
	}
	day := scheduling.Midnight(date, w.opts.Location)
	if !scheduling.ContainsDay(w.dates, day) {
		return w.fail(FieldErrors{"date": "is not an available date"})
	}
	if !day.Equal(w.draft.Date) {
		w.draftChanged()
	}
	w.draft.Date = day
	w.lastErr = nil
	return nil
}

func (w *Wizard) SelectTime(slot string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.expect(StateSelectingDateTime); err != nil {
		return err
	}
	if !w.opts.Catalog.Contains(w.draft.Date, slot) {
		return w.fail(FieldErrors{"time": "is not an offered time slot"})
	}
	if slot != w.draft.Time {
		w.draftChanged()
	}
	w.draft.Time = slot
	w.lastErr = nil
	return nil
}

// -- Step 3: confirmation --

// SetDetails records the visit type and notes. An empty type means regular.
func (w *Wizard) SetDetails(typ scheduling.AppointmentType, notes string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.expect(StateConfirming); err != nil {
		return err
	}
	fe := FieldErrors{}
	if typ == "" {
		typ = scheduling.TypeRegular
	}
	if !typ.Valid() {
		fe["type"] = fmt.Sprintf("unknown appointment type %q", typ)
	}
	if len(notes) > maxNotes {
		fe["notes"] = fmt.Sprintf("must be at most %d characters", maxNotes)
	}
	if err := fe.orNil(); err != nil {
		return w.fail(err)
	}
	notes = strings.TrimSpace(notes)
	if typ != w.draft.Type || notes != w.draft.Notes {
		w.draftChanged()
	}
	w.draft.Type = typ
	w.draft.Notes = notes
	w.lastErr = nil
	return nil
}

// -- Navigation --

// Next validates the current step and advances.
func (w *Wizard) Next() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateSelectingDoctor:
		if w.draft.Doctor == nil {
			return w.fail(FieldErrors{"doctor": "is required"})
		}
		if err := w.resolveDates(); err != nil {
			return w.fail(err)
		}
		w.state = StateSelectingDateTime
	case StateSelectingDateTime:
		fe := FieldErrors{}
		if !w.draft.HasDate() {
			fe["date"] = "is required"
		}
		if w.draft.Time == "" {
			fe["time"] = "is required"
		}
		if err := fe.orNil(); err != nil {
			return w.fail(err)
		}
		if w.draft.Type == "" {
			w.draft.Type = scheduling.TypeRegular
		}
		w.state = StateConfirming
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, w.state)
	}
	w.lastErr = nil
	return nil
}

// Back returns to the previous step keeping the draft.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateSelectingDateTime:
		w.state = StateSelectingDoctor
	case StateConfirming:
		w.state = StateSelectingDateTime
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, w.state)
	}
	return nil
}

// Cancel discards the draft. It is refused while a submit is in flight and
// after the wizard reached a terminal state.
func (w *Wizard) Cancel() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSubmitting {
		return ErrSubmitInProgress
	}
	if w.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidState, w.state)
	}
	w.state = StateCancelled
	w.draft = Draft{}
	w.dates = nil
	w.lastErr = nil
	return nil
}

// Reset returns the wizard to its first step with an empty draft and a fresh
// idempotency key. The doctor list is kept.
func (w *Wizard) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = StateSelectingDoctor
	w.draft = Draft{}
	w.dates = nil
	w.lastErr = nil
	w.booked = nil
	w.bookedAt = time.Time{}
	w.idempotencyKey = uuid.NewString()
}

// -- Submit --

// Command builds the create command from the draft.
func (w *Wizard) Command() (scheduling.CreateAppointmentCommand, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.command()
}

func (w *Wizard) command() (scheduling.CreateAppointmentCommand, error) {
	fe := FieldErrors{}
	if w.opts.PatientID == uuid.Nil {
		fe["patient"] = "is required"
	}
	if w.draft.Doctor == nil {
		fe["doctor"] = "is required"
	}
	if !w.draft.HasDate() {
		fe["date"] = "is required"
	}
	if w.draft.Time == "" {
		fe["time"] = "is required"
	}
	if err := fe.orNil(); err != nil {
		return scheduling.CreateAppointmentCommand{}, err
	}

	at, err := scheduling.CombineDateTime(w.draft.Date, w.draft.Time, w.opts.Location)
	if err != nil {
		return scheduling.CreateAppointmentCommand{}, FieldErrors{"time": err.Error()}
	}
	typ := w.draft.Type
	if typ == "" {
		typ = scheduling.TypeRegular
	}
	return scheduling.CreateAppointmentCommand{
		PatientID:      w.opts.PatientID,
		DoctorID:       w.draft.Doctor.ID,
		DepartmentID:   w.draft.Doctor.DepartmentID,
		DateTime:       at,
		Type:           typ,
		Status:         scheduling.StatusScheduled,
		Notes:          w.draft.Notes,
		IdempotencyKey: w.idempotencyKey,
	}, nil
}

// Submit sends exactly one create call. On failure the wizard returns to
// Confirming with the draft intact and the classified error in LastError.
func (w *Wizard) Submit(ctx context.Context) (*scheduling.Appointment, error) {
	w.mu.Lock()
	if w.state == StateSubmitting {
		w.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	if err := w.expect(StateConfirming); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	cmd, err := w.command()
	if err != nil {
		err = w.fail(err)
		w.mu.Unlock()
		return nil, err
	}
	w.state = StateSubmitting
	w.lastErr = nil
	timeout := w.opts.SubmitTimeout
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a, err := w.creator.CreateAppointment(ctx, cmd)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.state = StateConfirming
		return nil, w.fail(err)
	}
	w.state = StateBooked
	w.booked = a
	w.bookedAt = w.opts.Now()
	return a, nil
}

// Summary returns the confirmation of a booked wizard.
func (w *Wizard) Summary() (*Confirmation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateBooked || w.booked == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, w.state)
	}
	return &Confirmation{
		AppointmentID: w.booked.ID,
		DoctorName:    w.draft.Doctor.FullName(),
		Date:          w.draft.Date.Format(scheduling.DateLayout),
		Time:          w.draft.Time,
		Type:          w.booked.Type,
		DateTime:      w.booked.DateTime,
	}, nil
}

// ConfirmationElapsed reports whether the booked summary has been visible for
// ConfirmationDisplay.
func (w *Wizard) ConfirmationElapsed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateBooked && !w.opts.Now().Before(w.bookedAt.Add(ConfirmationDisplay))
}
