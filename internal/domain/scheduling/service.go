package scheduling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/platform/events"
	"github.com/ehr/scheduler/internal/platform/kv"
	"github.com/ehr/scheduler/internal/platform/validate"
)

const (
	idempotencyPrefix  = "idem:"
	idempotencyPending = "pending"
	// missedBatch bounds a single missed-appointment report.
	missedBatch = 500
	// dayListLimit bounds the appointments read for one doctor-day.
	dayListLimit = 200
)

// Config carries the tunables of the scheduling service.
type Config struct {
	Resolver       Resolver
	Catalog        SlotCatalog
	Location       *time.Location
	MissedGrace    time.Duration
	IdempotencyTTL time.Duration
}

// DefaultConfig returns the reference configuration in the local timezone.
func DefaultConfig() Config {
	return Config{
		Resolver:       DefaultResolver(),
		Catalog:        DefaultSlotCatalog(),
		Location:       time.Local,
		MissedGrace:    time.Hour,
		IdempotencyTTL: 24 * time.Hour,
	}
}

type Service struct {
	departments  DepartmentRepository
	doctors      DoctorRepository
	appointments AppointmentRepository
	store        kv.Store
	publisher    events.Publisher
	validator    *validate.Validator
	cfg          Config
	now          func() time.Time
	logger       zerolog.Logger
}

func NewService(dept DepartmentRepository, doc DoctorRepository, appt AppointmentRepository,
	store kv.Store, pub events.Publisher, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if len(cfg.Catalog.Blocks) == 0 {
		cfg.Catalog = DefaultSlotCatalog()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Service{
		departments:  dept,
		doctors:      doc,
		appointments: appt,
		store:        store,
		publisher:    pub,
		validator:    validate.New(),
		cfg:          cfg,
		now:          time.Now,
		logger:       logger,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now returns the current instant in the clinic location.
func (s *Service) Now() time.Time { return s.now().In(s.cfg.Location) }

func (s *Service) Location() *time.Location { return s.cfg.Location }

func (s *Service) Catalog() SlotCatalog { return s.cfg.Catalog }

func (s *Service) Resolver() Resolver { return s.cfg.Resolver }

// Label returns the presentation label of a as of now.
func (s *Service) Label(a *Appointment) Label {
	return DisplayLabel(a, s.now(), s.cfg.MissedGrace)
}

// -- Department --

func (s *Service) CreateDepartment(ctx context.Context, d *Department) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return NewValidationError("name", "is required")
	}
	return s.departments.Create(ctx, d)
}

func (s *Service) ListDepartments(ctx context.Context) ([]*Department, error) {
	return s.departments.List(ctx)
}

// -- Doctor --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	verr := &ValidationError{}
	if strings.TrimSpace(d.FirstName) == "" {
		verr.Add("first_name", "is required")
	}
	if strings.TrimSpace(d.LastName) == "" {
		verr.Add("last_name", "is required")
	}
	if _, err := ParseAvailability(d.Availability); err != nil {
		verr.Add("availability", err.Error())
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	if d.DepartmentID != nil {
		if _, err := s.departments.GetByID(ctx, *d.DepartmentID); err != nil {
			return err
		}
	}
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context, f DoctorFilter) ([]*Doctor, error) {
	return s.doctors.List(ctx, f)
}

// AvailableDates resolves the bookable dates for a doctor. A horizon of zero
// uses the configured default.
func (s *Service) AvailableDates(ctx context.Context, doctorID uuid.UUID, horizon int) ([]time.Time, error) {
	doctor, err := s.doctors.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	r := s.cfg.Resolver
	if horizon > 0 {
		r.HorizonDays = horizon
	}
	return r.Resolve(doctor, s.Now())
}

// Slots returns the catalog for date, flagging slots the doctor already holds.
func (s *Service) Slots(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]SlotView, error) {
	if _, err := s.doctors.GetByID(ctx, doctorID); err != nil {
		return nil, err
	}
	from := Midnight(date, s.cfg.Location)
	to := from.AddDate(0, 0, 1)
	status := StatusScheduled
	booked, _, err := s.appointments.List(ctx, AppointmentFilter{
		From: &from, To: &to, DoctorID: &doctorID, Status: &status,
	}, dayListLimit, 0)
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(booked))
	for _, a := range booked {
		taken[DisplayTime(a.DateTime, s.cfg.Location)] = true
	}

	slots := s.cfg.Catalog.SlotsForDate(from)
	out := make([]SlotView, 0, len(slots))
	for _, slot := range slots {
		value, err := To24Hour(slot)
		if err != nil {
			return nil, err
		}
		out = append(out, SlotView{Time: slot, Value: value, Booked: taken[slot]})
	}
	return out, nil
}

// -- Appointment --

func (s *Service) validateCommand(cmd *CreateAppointmentCommand) error {
	verr := &ValidationError{}
	if err := s.validator.Validate(cmd); err != nil {
		fields, ok := validate.Fields(err)
		if !ok {
			return err
		}
		for f, msg := range fields {
			verr.Add(f, msg)
		}
	}
	if !cmd.DateTime.IsZero() && !cmd.DateTime.After(s.now()) {
		verr.Add("date_time", "must be in the future")
	}
	return verr.OrNil()
}

// CreateAppointment validates cmd and persists one scheduled appointment. A
// repeated IdempotencyKey returns the appointment created by the first request;
// reusing the key for a different appointment is a validation error.
func (s *Service) CreateAppointment(ctx context.Context, cmd CreateAppointmentCommand) (*Appointment, error) {
	if err := s.validateCommand(&cmd); err != nil {
		return nil, err
	}

	if s.store == nil {
		cmd.IdempotencyKey = ""
	}
	fp := cmd.fingerprint()
	if cmd.IdempotencyKey != "" {
		existing, err := s.claimIdempotencyKey(ctx, cmd.IdempotencyKey, fp)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	a, err := s.createAppointment(ctx, cmd)
	if cmd.IdempotencyKey == "" {
		return a, err
	}
	if err != nil {
		s.releaseIdempotencyKey(cmd.IdempotencyKey)
		return nil, err
	}
	if err := s.store.Set(ctx, idempotencyPrefix+cmd.IdempotencyKey, idempotencyRecord(a.ID.String(), fp), s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to record idempotency key")
	}
	return a, nil
}

// fingerprint identifies the appointment a command asks for. The idempotency
// key itself is not part of it.
func (c CreateAppointmentCommand) fingerprint() string {
	typ := c.Type
	if typ == "" {
		typ = TypeRegular
	}
	dept := ""
	if c.DepartmentID != nil {
		dept = c.DepartmentID.String()
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		c.PatientID.String(),
		c.DoctorID.String(),
		dept,
		c.DateTime.UTC().Format(time.RFC3339Nano),
		string(typ),
		strings.TrimSpace(c.Notes),
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// idempotencyRecord is stored under a key: the pending marker or the
// appointment id, followed by the command fingerprint.
func idempotencyRecord(state, fp string) string { return state + "|" + fp }

func parseIdempotencyRecord(v string) (state, fp string) {
	state, fp, _ = strings.Cut(v, "|")
	return state, fp
}

// claimIdempotencyKey returns the stored appointment when key already completed,
// ErrDuplicateRequest while another request holds it, or (nil, nil) once the
// caller owns the key. A key recorded for another fingerprint is rejected.
func (s *Service) claimIdempotencyKey(ctx context.Context, key, fp string) (*Appointment, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.store.SetNX(ctx, idempotencyPrefix+key, idempotencyRecord(idempotencyPending, fp), s.cfg.IdempotencyTTL)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return nil, nil
		}
		stored, found, err := s.store.Get(ctx, idempotencyPrefix+key)
		if err != nil {
			return nil, fmt.Errorf("read idempotency key: %w", err)
		}
		if !found {
			continue
		}
		state, storedFP := parseIdempotencyRecord(stored)
		if storedFP != fp {
			return nil, NewValidationError("idempotency_key", "was already used for a different appointment")
		}
		if state == idempotencyPending {
			return nil, ErrDuplicateRequest
		}
		id, err := uuid.Parse(state)
		if err != nil {
			return nil, fmt.Errorf("corrupt idempotency record for %s: %w", key, err)
		}
		return s.appointments.GetByID(ctx, id)
	}
	return nil, ErrDuplicateRequest
}

func (s *Service) releaseIdempotencyKey(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, idempotencyPrefix+key); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release idempotency key")
	}
}

func (s *Service) createAppointment(ctx context.Context, cmd CreateAppointmentCommand) (*Appointment, error) {
	doctor, err := s.doctors.GetByID(ctx, cmd.DoctorID)
	if err != nil {
		return nil, err
	}
	deptID := cmd.DepartmentID
	if deptID == nil {
		deptID = doctor.DepartmentID
	} else if _, err := s.departments.GetByID(ctx, *deptID); err != nil {
		return nil, err
	}

	if held, err := s.appointments.ScheduledAt(ctx, cmd.DoctorID, cmd.DateTime); err != nil {
		return nil, err
	} else if held != nil {
		return nil, ErrSlotConflict
	}

	a := &Appointment{
		PatientID:    cmd.PatientID,
		DoctorID:     cmd.DoctorID,
		DepartmentID: deptID,
		DateTime:     cmd.DateTime,
		Type:         cmd.Type,
		Status:       StatusScheduled,
	}
	if a.Type == "" {
		a.Type = TypeRegular
	}
	if notes := strings.TrimSpace(cmd.Notes); notes != "" {
		a.Notes = &notes
	}
	if err := s.appointments.Create(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID.String()).
		Time("date_time", a.DateTime).
		Msg("appointment created")
	s.publish(ctx, events.AppointmentCreated, a, nil)
	return a, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, NewValidationError("status", fmt.Sprintf("unknown status %q", *f.Status))
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, 0, NewValidationError("to", "must be after from")
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// UpdateAppointment applies a partial update. A status change goes through the
// lifecycle rules and a date_time change is a reschedule.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, p AppointmentPatch) (*Appointment, error) {
	verr := &ValidationError{}
	if p.Type != nil && !p.Type.Valid() {
		verr.Add("type", fmt.Sprintf("unknown type %q", *p.Type))
	}
	if p.Status != nil && !p.Status.Valid() {
		verr.Add("status", fmt.Sprintf("unknown status %q", *p.Status))
	}
	if p.Notes != nil && len(*p.Notes) > 2000 {
		verr.Add("notes", "must be at most 2000 characters")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := *a

	if p.DateTime != nil && !p.DateTime.Equal(a.DateTime) {
		if err := s.prepareReschedule(ctx, a, *p.DateTime); err != nil {
			return nil, err
		}
	}
	if p.Type != nil || p.Notes != nil {
		if a.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: cannot edit a %s appointment", ErrTerminalStatus, a.Status)
		}
		if p.Type != nil {
			a.Type = *p.Type
		}
		if p.Notes != nil {
			a.Notes = p.Notes
		}
	}
	if p.Status != nil && *p.Status != a.Status {
		action, err := ActionForStatus(*p.Status)
		if err != nil {
			return nil, err
		}
		if err := applyAction(a, action); err != nil {
			return nil, err
		}
	}

	if err := s.save(ctx, a, &prev); err != nil {
		return nil, err
	}
	if !prev.DateTime.Equal(a.DateTime) {
		s.publish(ctx, events.AppointmentRescheduled, a, &prev)
	}
	if prev.Status != a.Status {
		s.publish(ctx, events.AppointmentStatusChanged, a, &prev)
	}
	return a, nil
}

// save writes a over prev. When another request changed the appointment in
// between, the current row decides which error the caller sees.
func (s *Service) save(ctx context.Context, a, prev *Appointment) error {
	err := s.appointments.Update(ctx, a, prev)
	if !errors.Is(err, ErrConcurrentUpdate) {
		return err
	}
	cur, gerr := s.appointments.GetByID(ctx, a.ID)
	if gerr != nil {
		return gerr
	}
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: appointment is already %s", ErrTerminalStatus, cur.Status)
	}
	return err
}

func applyAction(a *Appointment, action Action) error {
	next, err := Transition(a.Status, action)
	if err != nil {
		return err
	}
	a.Status = next
	if action == ActionNoShow {
		reason := CancelReasonNoShow
		a.CancelReason = &reason
	}
	return nil
}

// ApplyAction performs complete, cancel or no-show on a scheduled appointment.
// Terminal appointments are left unchanged and ErrTerminalStatus is returned.
func (s *Service) ApplyAction(ctx context.Context, id uuid.UUID, action Action, reason string) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := *a
	if action == ActionCancel && strings.TrimSpace(reason) != "" {
		r := strings.TrimSpace(reason)
		a.CancelReason = &r
	}
	if err := applyAction(a, action); err != nil {
		return nil, err
	}
	if err := s.save(ctx, a, &prev); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("action", string(action)).
		Str("status", string(a.Status)).
		Msg("appointment status changed")
	s.publish(ctx, events.AppointmentStatusChanged, a, &prev)
	return a, nil
}

// Reschedule moves a scheduled appointment to at, keeping it scheduled.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, at time.Time) (*Appointment, error) {
	if at.IsZero() {
		return nil, NewValidationError("date_time", "is required")
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if at.Equal(a.DateTime) {
		return a, nil
	}
	prev := *a
	if err := s.prepareReschedule(ctx, a, at); err != nil {
		return nil, err
	}
	if err := s.save(ctx, a, &prev); err != nil {
		return nil, err
	}
	s.publish(ctx, events.AppointmentRescheduled, a, &prev)
	return a, nil
}

func (s *Service) prepareReschedule(ctx context.Context, a *Appointment, at time.Time) error {
	if err := CanReschedule(a.Status); err != nil {
		return err
	}
	if !at.After(s.now()) {
		return NewValidationError("date_time", "must be in the future")
	}
	held, err := s.appointments.ScheduledAt(ctx, a.DoctorID, at)
	if err != nil {
		return err
	}
	if held != nil && held.ID != a.ID {
		return ErrSlotConflict
	}
	from := a.DateTime
	a.RescheduledFrom = &from
	a.DateTime = at
	return nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.appointments.Delete(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.AppointmentDeleted, a, nil)
	return nil
}

// MissedAppointments returns scheduled appointments whose time passed more than
// the configured grace ago.
func (s *Service) MissedAppointments(ctx context.Context) ([]*Appointment, error) {
	cutoff := s.now().Add(-s.cfg.MissedGrace)
	status := StatusScheduled
	items, _, err := s.appointments.List(ctx, AppointmentFilter{To: &cutoff, Status: &status}, missedBatch, 0)
	return items, err
}

// ReportMissed publishes appointment.missed for every missed appointment. It
// never changes their status.
func (s *Service) ReportMissed(ctx context.Context) (int, error) {
	missed, err := s.MissedAppointments(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range missed {
		s.publish(ctx, events.AppointmentMissed, a, nil)
	}
	return len(missed), nil
}

type appointmentEvent struct {
	AppointmentID    uuid.UUID  `json:"appointment_id"`
	PatientID        uuid.UUID  `json:"patient_id"`
	DoctorID         uuid.UUID  `json:"doctor_id"`
	DateTime         time.Time  `json:"date_time"`
	Status           Status     `json:"status"`
	PreviousStatus   Status     `json:"previous_status,omitempty"`
	PreviousDateTime *time.Time `json:"previous_date_time,omitempty"`
	CancelReason     *string    `json:"cancel_reason,omitempty"`
}

// publish never fails the caller; a lost event is logged.
func (s *Service) publish(ctx context.Context, eventType string, a *Appointment, prev *Appointment) {
	if s.publisher == nil {
		return
	}
	data := appointmentEvent{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		DateTime:      a.DateTime,
		Status:        a.Status,
		CancelReason:  a.CancelReason,
	}
	if prev != nil {
		if prev.Status != a.Status {
			data.PreviousStatus = prev.Status
		}
		if !prev.DateTime.Equal(a.DateTime) {
			t := prev.DateTime
			data.PreviousDateTime = &t
		}
	}
	e, err := events.New(eventType, data, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, e)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Str("appointment_id", a.ID.String()).
			Msg("failed to publish event")
	}
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAppointmentNotFound) || errors.Is(err, ErrDoctorNotFound) ||
		errors.Is(err, ErrDepartmentNotFound)
}
