package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/kv"
)

const (
	sessionPrefix = "booking:session:"
	// lockPrefix guards every write of a session.
	lockPrefix = "booking:lock:"
	// submitPrefix marks a session whose create call is in flight.
	submitPrefix = "booking:submitting:"
	stepLockTTL  = 10 * time.Second

	DefaultSessionTTL = 30 * time.Minute
)

type Config struct {
	SessionTTL    time.Duration
	SubmitTimeout time.Duration
}

// Session is a stored wizard as returned to clients.
type Session struct {
	ID string `json:"id"`
	Snapshot
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

// Service runs wizards on behalf of HTTP clients. Each request restores the
// wizard from the store, applies one step and writes it back.
type Service struct {
	sched  *scheduling.Service
	store  kv.Store
	cfg    Config
	logger zerolog.Logger
}

func NewService(sched *scheduling.Service, store kv.Store, cfg Config, logger zerolog.Logger) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	return &Service{sched: sched, store: store, cfg: cfg, logger: logger}
}

func (s *Service) options(patientID uuid.UUID) Options {
	return Options{
		PatientID:     patientID,
		Resolver:      s.sched.Resolver(),
		Catalog:       s.sched.Catalog(),
		Location:      s.sched.Location(),
		SubmitTimeout: s.cfg.SubmitTimeout,
		Now:           s.sched.Now,
	}
}

// Start opens a new session for patientID.
func (s *Service) Start(ctx context.Context, patientID uuid.UUID) (*Session, error) {
	if patientID == uuid.Nil {
		return nil, FieldErrors{"patient_id": "is required"}
	}
	id := uuid.NewString()
	w := NewWizard(s.sched, s.options(patientID))
	if err := s.save(ctx, id, w); err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", id).Str("patient_id", patientID.String()).Msg("booking session started")
	return s.session(id, w), nil
}

// Get returns the stored session. While a submit is in flight it is reported
// as submitting.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := s.session(id, w)
	submitting, err := s.submitting(ctx, id)
	if err != nil {
		return nil, err
	}
	if submitting && sess.State == StateConfirming {
		sess.State = StateSubmitting
	}
	return sess, nil
}

// Doctors returns the doctors matching query.
func (s *Service) Doctors(ctx context.Context, id, query string) ([]*scheduling.Doctor, error) {
	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := w.LoadDoctors(ctx, s.sched); err != nil {
		return nil, err
	}
	return w.FilterDoctors(query), nil
}

// SelectDoctor chooses a doctor by id, or by full name when doctorID is nil.
func (s *Service) SelectDoctor(ctx context.Context, id string, doctorID *uuid.UUID, name string) (*Session, error) {
	return s.step(ctx, id, func(w *Wizard) error {
		if err := w.LoadDoctors(ctx, s.sched); err != nil {
			return err
		}
		if doctorID != nil {
			return w.SelectDoctor(*doctorID)
		}
		return w.SelectDoctorByName(name)
	})
}

// Dates returns the available dates of the chosen doctor.
func (s *Service) Dates(ctx context.Context, id string) ([]time.Time, error) {
	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.State() != StateSelectingDateTime {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, w.State())
	}
	return w.AvailableDates(), nil
}

// Times returns the slots of the chosen date, flagged with existing bookings.
func (s *Service) Times(ctx context.Context, id string) ([]scheduling.SlotView, error) {
	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	d := w.Draft()
	if d.Doctor == nil || !d.HasDate() {
		return nil, FieldErrors{"date": "choose a date first"}
	}
	return s.sched.Slots(ctx, d.Doctor.ID, d.Date)
}

// SelectDateTime sets date and time. Either may be empty to leave it unchanged.
func (s *Service) SelectDateTime(ctx context.Context, id, date, slot string) (*Session, error) {
	return s.step(ctx, id, func(w *Wizard) error {
		if date != "" {
			d, err := scheduling.ParseDate(date, s.sched.Location())
			if err != nil {
				return FieldErrors{"date": err.Error()}
			}
			if err := w.SelectDate(d); err != nil {
				return err
			}
		}
		if slot != "" {
			return w.SelectTime(slot)
		}
		return nil
	})
}

func (s *Service) SetDetails(ctx context.Context, id string, typ scheduling.AppointmentType, notes string) (*Session, error) {
	return s.step(ctx, id, func(w *Wizard) error { return w.SetDetails(typ, notes) })
}

func (s *Service) Next(ctx context.Context, id string) (*Session, error) {
	return s.step(ctx, id, func(w *Wizard) error { return w.Next() })
}

func (s *Service) Back(ctx context.Context, id string) (*Session, error) {
	return s.step(ctx, id, func(w *Wizard) error { return w.Back() })
}

// Submit books the appointment. The session stays locked until the create call
// returns, so every other step is refused with ErrSubmitInProgress meanwhile.
func (s *Service) Submit(ctx context.Context, id string) (*Session, error) {
	ttl := s.cfg.SubmitTimeout + 5*time.Second
	unlock, err := s.lock(ctx, id, ttl)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.store.Set(ctx, submitPrefix+id, "1", ttl); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.store.Delete(context.Background(), submitPrefix+id); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("clear submit marker")
		}
	}()

	sess, err := s.apply(ctx, id, func(w *Wizard) error {
		_, err := w.Submit(ctx)
		return err
	})
	if err == nil {
		s.logger.Info().Str("session_id", id).Str("appointment_id", sess.Booked.ID.String()).Msg("booking submitted")
	}
	return sess, err
}

// Cancel discards the session.
func (s *Service) Cancel(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, id, stepLockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	w, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := w.Cancel(); err != nil {
		return err
	}
	return s.store.Delete(ctx, sessionPrefix+id)
}

// lock claims the write lock of session id. When it is taken the caller gets
// ErrSubmitInProgress during a submit and ErrSessionBusy otherwise.
func (s *Service) lock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	key := lockPrefix + id
	ok, token, err := kv.TryLock(ctx, s.store, key, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		submitting, err := s.submitting(ctx, id)
		if err != nil {
			return nil, err
		}
		if submitting {
			return nil, ErrSubmitInProgress
		}
		return nil, ErrSessionBusy
	}
	return func() {
		if err := kv.Unlock(context.Background(), s.store, key, token); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("release session lock")
		}
	}, nil
}

func (s *Service) submitting(ctx context.Context, id string) (bool, error) {
	_, held, err := s.store.Get(ctx, submitPrefix+id)
	return held, err
}

// step runs fn under the session lock.
func (s *Service) step(ctx context.Context, id string, fn func(w *Wizard) error) (*Session, error) {
	unlock, err := s.lock(ctx, id, stepLockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.apply(ctx, id, fn)
}

// apply loads the wizard, runs fn and saves the result, also when fn fails so
// the classified error is kept. The caller holds the session lock.
func (s *Service) apply(ctx context.Context, id string, fn func(w *Wizard) error) (*Session, error) {
	w, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	stepErr := fn(w)
	if err := s.save(ctx, id, w); err != nil {
		return nil, err
	}
	if stepErr != nil {
		return s.session(id, w), stepErr
	}
	return s.session(id, w), nil
}

func (s *Service) load(ctx context.Context, id string) (*Wizard, error) {
	raw, ok, err := s.store.Get(ctx, sessionPrefix+id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode booking session %s: %w", id, err)
	}
	return RestoreWizard(s.sched, s.options(snap.PatientID), snap)
}

// save writes the wizard back with a sliding TTL. A booked session lives only
// as long as the confirmation is displayed.
func (s *Service) save(ctx context.Context, id string, w *Wizard) error {
	snap := w.Snapshot()
	if snap.State == StateCancelled {
		return s.store.Delete(ctx, sessionPrefix+id)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode booking session %s: %w", id, err)
	}
	ttl := s.cfg.SessionTTL
	if snap.State == StateBooked {
		ttl = ConfirmationDisplay
	}
	return s.store.Set(ctx, sessionPrefix+id, string(raw), ttl)
}

func (s *Service) session(id string, w *Wizard) *Session {
	sess := &Session{ID: id, Snapshot: w.Snapshot()}
	if c, err := w.Summary(); err == nil {
		sess.Confirmation = c
	}
	return sess
}

// IsClientError reports whether err was caused by the request rather than the system.
func IsClientError(err error) bool {
	switch Classify(err).Kind {
	case KindValidation, KindLookup, KindConflict:
		return true
	}
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSubmitInProgress) ||
		errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionBusy)
}
