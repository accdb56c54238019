package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/scheduling"
	"github.com/ehr/scheduler/internal/platform/events"
	"github.com/ehr/scheduler/internal/platform/kv"
)

type sessionFixture struct {
	svc     *Service
	sched   *scheduling.Service
	appts   *scheduling.MemoryAppointmentRepo
	store   *kv.MemoryStore
	now     time.Time
	jane    *scheduling.Doctor
	patient uuid.UUID
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	return newSessionFixtureWith(t, nil)
}

// newSessionFixtureWith lets wrap replace the appointment repository seen by
// the scheduling service.
func newSessionFixtureWith(t *testing.T, wrap func(scheduling.AppointmentRepository) scheduling.AppointmentRepository) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		appts:   scheduling.NewMemoryAppointmentRepo(),
		now:     friday,
		patient: uuid.New(),
	}
	clock := func() time.Time { return f.now }
	f.store = kv.NewMemoryStore().WithClock(clock)

	var appts scheduling.AppointmentRepository = f.appts
	if wrap != nil {
		appts = wrap(f.appts)
	}
	cfg := scheduling.DefaultConfig()
	cfg.Location = time.UTC
	f.sched = scheduling.NewService(scheduling.NewMemoryDepartmentRepo(), scheduling.NewMemoryDoctorRepo(),
		appts, f.store, &events.Recorder{}, cfg, zerolog.Nop()).WithClock(clock)
	f.svc = NewService(f.sched, f.store, Config{SessionTTL: time.Hour}, zerolog.Nop())

	f.jane = &scheduling.Doctor{FirstName: "Jane", LastName: "Doe", Specialization: "Cardiology"}
	if err := f.sched.CreateDoctor(context.Background(), f.jane); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	return f
}

// confirming opens a session positioned on the confirmation step for Monday at slot.
func (f *sessionFixture) confirming(t *testing.T, slot string) string {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.Start(ctx, f.patient)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	id := sess.ID
	if _, err := f.svc.SelectDoctor(ctx, id, &f.jane.ID, ""); err != nil {
		t.Fatalf("select doctor: %v", err)
	}
	if _, err := f.svc.Next(ctx, id); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := f.svc.SelectDateTime(ctx, id, "2025-04-07", slot); err != nil {
		t.Fatalf("select date/time: %v", err)
	}
	if _, err := f.svc.Next(ctx, id); err != nil {
		t.Fatalf("next: %v", err)
	}
	return id
}

func TestService_StartRequiresPatient(t *testing.T) {
	f := newSessionFixture(t)

	_, err := f.svc.Start(context.Background(), uuid.Nil)
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
}

func TestService_UnknownSession(t *testing.T) {
	f := newSessionFixture(t)

	if _, err := f.svc.Get(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestService_BooksThroughSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	id := f.confirming(t, "9:00 AM")

	if _, err := f.svc.SetDetails(ctx, id, scheduling.TypeConsultation, "first visit"); err != nil {
		t.Fatalf("details: %v", err)
	}
	sess, err := f.svc.Submit(ctx, id)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sess.State != StateBooked || sess.Confirmation == nil {
		t.Fatalf("expected booked session with confirmation, got %+v", sess)
	}
	if sess.Confirmation.Time != "9:00 AM" || sess.Confirmation.DoctorName != "Jane Doe" {
		t.Errorf("unexpected confirmation %+v", sess.Confirmation)
	}

	list, total, err := f.appts.List(ctx, scheduling.AppointmentFilter{}, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("expected one stored appointment, got %d (%v)", total, err)
	}
	if list[0].Type != scheduling.TypeConsultation || list[0].PatientID != f.patient {
		t.Errorf("unexpected appointment %+v", list[0])
	}

	if _, err := f.svc.Get(ctx, id); err != nil {
		t.Fatalf("booked session should be readable during the confirmation: %v", err)
	}
	f.now = f.now.Add(ConfirmationDisplay)
	if _, err := f.svc.Get(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected booked session to expire, got %v", err)
	}
}

func TestService_DatesAndTimes(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	taken := time.Date(2025, 4, 7, 10, 0, 0, 0, time.UTC)
	if _, err := f.sched.CreateAppointment(ctx, scheduling.CreateAppointmentCommand{
		PatientID: uuid.New(), DoctorID: f.jane.ID, DateTime: taken,
	}); err != nil {
		t.Fatal(err)
	}

	sess, _ := f.svc.Start(ctx, f.patient)
	if _, err := f.svc.Dates(ctx, sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected dates to require a chosen doctor, got %v", err)
	}
	if _, err := f.svc.SelectDoctor(ctx, sess.ID, nil, "JANE DOE"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Next(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	dates, err := f.svc.Dates(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !scheduling.ContainsDay(dates, taken) {
		t.Error("expected Monday among available dates")
	}

	if _, err := f.svc.SelectDateTime(ctx, sess.ID, "2025-04-07", ""); err != nil {
		t.Fatal(err)
	}
	slots, err := f.svc.Times(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range slots {
		if want := s.Time == "10:00 AM"; s.Booked != want {
			t.Errorf("slot %s booked=%v, want %v", s.Time, s.Booked, want)
		}
	}
}

func TestService_SubmitConflictKeepsSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	id := f.confirming(t, "11:00 AM")

	if _, err := f.sched.CreateAppointment(ctx, scheduling.CreateAppointmentCommand{
		PatientID: uuid.New(), DoctorID: f.jane.ID, DateTime: time.Date(2025, 4, 7, 11, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Submit(ctx, id)
	if !errors.Is(err, scheduling.ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}
	sess, err := f.svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateConfirming || sess.LastError == nil || sess.LastError.Kind != KindConflict {
		t.Errorf("expected confirming with conflict, got %s %+v", sess.State, sess.LastError)
	}
	if sess.Time != "11:00 AM" {
		t.Errorf("expected draft time preserved, got %q", sess.Time)
	}
}

// heldCreates parks Create until release is closed.
type heldCreates struct {
	scheduling.AppointmentRepository
	started chan struct{}
	release chan struct{}
}

func (h *heldCreates) Create(ctx context.Context, a *scheduling.Appointment) error {
	h.started <- struct{}{}
	<-h.release
	return h.AppointmentRepository.Create(ctx, a)
}

func TestService_StepsRefusedWhileSubmitting(t *testing.T) {
	held := &heldCreates{started: make(chan struct{}, 1), release: make(chan struct{})}
	f := newSessionFixtureWith(t, func(r scheduling.AppointmentRepository) scheduling.AppointmentRepository {
		held.AppointmentRepository = r
		return held
	})
	ctx := context.Background()
	id := f.confirming(t, "9:30 AM")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Submit(ctx, id)
		done <- err
	}()
	<-held.started

	sess, err := f.svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateSubmitting {
		t.Errorf("expected submitting while the create is in flight, got %s", sess.State)
	}

	steps := map[string]func() error{
		"back":      func() error { _, err := f.svc.Back(ctx, id); return err },
		"next":      func() error { _, err := f.svc.Next(ctx, id); return err },
		"date-time": func() error { _, err := f.svc.SelectDateTime(ctx, id, "", "2:00 PM"); return err },
		"details":   func() error { _, err := f.svc.SetDetails(ctx, id, scheduling.TypeFollowUp, ""); return err },
		"submit":    func() error { _, err := f.svc.Submit(ctx, id); return err },
		"cancel":    func() error { return f.svc.Cancel(ctx, id) },
	}
	for name, step := range steps {
		if err := step(); !errors.Is(err, ErrSubmitInProgress) {
			t.Errorf("%s: expected ErrSubmitInProgress, got %v", name, err)
		}
	}

	close(held.release)
	if err := <-done; err != nil {
		t.Fatalf("submit: %v", err)
	}
	sess, err = f.svc.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateBooked || sess.Confirmation == nil || sess.Confirmation.Time != "9:30 AM" {
		t.Errorf("expected booked 9:30 AM session, got %s %+v", sess.State, sess.Confirmation)
	}
}

func TestService_BusySessionRefusesSteps(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	id := f.confirming(t, "9:30 AM")

	ok, _, err := kv.TryLock(ctx, f.store, lockPrefix+id, time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock: %v %v", ok, err)
	}
	if _, err := f.svc.Submit(ctx, id); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	if _, err := f.svc.Back(ctx, id); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	if _, total, _ := f.appts.List(ctx, scheduling.AppointmentFilter{}, 10, 0); total != 0 {
		t.Errorf("expected no appointment, got %d", total)
	}
}

// lostResponse books through the scheduling service but reports a timeout the
// first time, as if the reply never arrived.
type lostResponse struct {
	sched *scheduling.Service
	lost  bool
}

func (c *lostResponse) CreateAppointment(ctx context.Context, cmd scheduling.CreateAppointmentCommand) (*scheduling.Appointment, error) {
	a, err := c.sched.CreateAppointment(ctx, cmd)
	if err == nil && !c.lost {
		c.lost = true
		return nil, context.DeadlineExceeded
	}
	return a, err
}

func TestWizard_NewSlotAfterLostResponseBooksNewSlot(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	w := NewWizard(&lostResponse{sched: f.sched}, Options{
		PatientID: f.patient,
		Resolver:  f.sched.Resolver(),
		Location:  time.UTC,
		Now:       func() time.Time { return f.now },
	})
	w.SetDoctors([]*scheduling.Doctor{f.jane})
	for i, step := range []func() error{
		func() error { return w.SelectDoctor(f.jane.ID) },
		w.Next,
		func() error { return w.SelectDate(monday) },
		func() error { return w.SelectTime("9:00 AM") },
		w.Next,
	} {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if _, err := w.Submit(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lost response, got %v", err)
	}

	if err := w.Back(); err != nil {
		t.Fatal(err)
	}
	if err := w.SelectTime("2:00 PM"); err != nil {
		t.Fatal(err)
	}
	if err := w.Next(); err != nil {
		t.Fatal(err)
	}
	a, err := w.Submit(ctx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := time.Date(2025, 4, 7, 14, 0, 0, 0, time.UTC)
	if !a.DateTime.Equal(want) {
		t.Errorf("expected appointment at %s, got %s", want, a.DateTime)
	}
	c, err := w.Summary()
	if err != nil {
		t.Fatal(err)
	}
	if c.Time != "2:00 PM" || !c.DateTime.Equal(want) {
		t.Errorf("summary does not match the booked appointment: %+v", c)
	}
}

func TestService_SubmitReleasesLock(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	id := f.confirming(t, "9:00 AM")

	if _, err := f.svc.Submit(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, held, _ := f.store.Get(ctx, lockPrefix+id); held {
		t.Error("expected submit lock to be released")
	}
	if _, held, _ := f.store.Get(ctx, submitPrefix+id); held {
		t.Error("expected submit marker to be cleared")
	}
}

func TestService_CancelDeletesSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	id := f.confirming(t, "9:00 AM")

	if err := f.svc.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.Get(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session gone, got %v", err)
	}
}

func TestService_StepErrorIsPersisted(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	sess, _ := f.svc.Start(ctx, f.patient)

	_, err := f.svc.SelectDoctor(ctx, sess.ID, nil, "Nobody Known")
	var lerr *LookupError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LookupError, got %v", err)
	}
	got, err := f.svc.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastError == nil || got.LastError.Kind != KindLookup {
		t.Errorf("expected lookup error kept on the session, got %+v", got.LastError)
	}
}

func TestService_SessionTTLSlides(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	sess, _ := f.svc.Start(ctx, f.patient)

	f.now = f.now.Add(50 * time.Minute)
	if _, err := f.svc.SelectDoctor(ctx, sess.ID, &f.jane.ID, ""); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(50 * time.Minute)
	if _, err := f.svc.Get(ctx, sess.ID); err != nil {
		t.Errorf("expected session kept alive by the last step, got %v", err)
	}
	f.now = f.now.Add(time.Hour)
	if _, err := f.svc.Get(ctx, sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected idle session to expire, got %v", err)
	}
}
