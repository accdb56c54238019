package calendar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

// ErrSuperseded is returned by a load that was overtaken by a newer one.
var ErrSuperseded = errors.New("calendar load superseded by a newer request")

// Filter narrows the appointments shown on a grid.
type Filter struct {
	DoctorID     *uuid.UUID
	DepartmentID *uuid.UUID
}

// Source fetches every appointment in [from, to).
type Source interface {
	AppointmentsBetween(ctx context.Context, from, to time.Time, f Filter) ([]*scheduling.Appointment, error)
}

// Loader refetches the grid window on every navigation. Only the most recent
// request may deliver a grid; older in-flight loads are cancelled.
type Loader struct {
	source Source
	loc    *time.Location
	now    func() time.Time

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewLoader(source Source, loc *time.Location) *Loader {
	return &Loader{source: source, loc: orLocal(loc), now: time.Now}
}

// WithClock replaces the time source used for IsToday.
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	return l
}

func (l *Loader) LoadMonth(ctx context.Context, year int, month time.Month, f Filter) (*Grid, error) {
	from, to := MonthWindow(year, month, l.loc)
	return l.load(ctx, from, to, f, func(appts []*scheduling.Appointment) Grid {
		return BuildMonthGrid(year, month, appts, l.now(), l.loc)
	})
}

func (l *Loader) LoadWeek(ctx context.Context, ref time.Time, f Filter) (*Grid, error) {
	from, to := WeekWindow(ref, l.loc)
	return l.load(ctx, from, to, f, func(appts []*scheduling.Appointment) Grid {
		return BuildWeekGrid(ref, appts, l.now(), l.loc)
	})
}

func (l *Loader) begin(ctx context.Context) (context.Context, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	l.gen++
	ctx, l.cancel = context.WithCancel(ctx)
	return ctx, l.gen
}

// finish reports whether gen is still the latest load and releases its context.
func (l *Loader) finish(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return false
	}
	l.cancel()
	l.cancel = nil
	return true
}

func (l *Loader) load(ctx context.Context, from, to time.Time, f Filter, build func([]*scheduling.Appointment) Grid) (*Grid, error) {
	ctx, gen := l.begin(ctx)
	appts, err := l.source.AppointmentsBetween(ctx, from, to, f)
	if !l.finish(gen) {
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	g := build(appts)
	return &g, nil
}

// ServiceSource reads appointments straight from the scheduling service.
type ServiceSource struct {
	Service  *scheduling.Service
	PageSize int
}

func (s ServiceSource) AppointmentsBetween(ctx context.Context, from, to time.Time, f Filter) ([]*scheduling.Appointment, error) {
	size := s.PageSize
	if size <= 0 {
		size = 200
	}
	filter := scheduling.AppointmentFilter{
		From: &from, To: &to, DoctorID: f.DoctorID, DepartmentID: f.DepartmentID,
	}
	var out []*scheduling.Appointment
	for offset := 0; ; offset += size {
		page, total, err := s.Service.ListAppointments(ctx, filter, size, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || offset+size >= total {
			return out, nil
		}
	}
}
