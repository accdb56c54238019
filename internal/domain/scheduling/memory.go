package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory repositories back the --memory server mode and tests. They keep
// the repository contracts but have no unique index: the ScheduledAt
// pre-check is the only slot guard, so two racing creates may both succeed.

type MemoryDepartmentRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Department
	now   func() time.Time
}

func NewMemoryDepartmentRepo() *MemoryDepartmentRepo {
	return &MemoryDepartmentRepo{items: make(map[uuid.UUID]*Department), now: time.Now}
}

func (r *MemoryDepartmentRepo) Create(_ context.Context, d *Department) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = r.now()
	cp := *d
	r.items[d.ID] = &cp
	return nil
}

func (r *MemoryDepartmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Department, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, ErrDepartmentNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryDepartmentRepo) List(_ context.Context) ([]*Department, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Department, 0, len(r.items))
	for _, d := range r.items {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type MemoryDoctorRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Doctor
	order []uuid.UUID
	now   func() time.Time
}

func NewMemoryDoctorRepo() *MemoryDoctorRepo {
	return &MemoryDoctorRepo{items: make(map[uuid.UUID]*Doctor), now: time.Now}
}

func (r *MemoryDoctorRepo) Create(_ context.Context, d *Doctor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Availability == nil {
		d.Availability = Availability{}
	}
	d.CreatedAt = r.now()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	if _, exists := r.items[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.items[d.ID] = &cp
	return nil
}

func (r *MemoryDoctorRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.items[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

// List returns matching doctors in insertion order.
func (r *MemoryDoctorRepo) List(_ context.Context, f DoctorFilter) ([]*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Doctor
	for _, id := range r.order {
		d := r.items[id]
		if f.Matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

type MemoryAppointmentRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
	order []uuid.UUID
	now   func() time.Time
}

func NewMemoryAppointmentRepo() *MemoryAppointmentRepo {
	return &MemoryAppointmentRepo{items: make(map[uuid.UUID]*Appointment), now: time.Now}
}

func (r *MemoryAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = r.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.items[a.ID] = &cp
	r.order = append(r.order, a.ID)
	return nil
}

func (r *MemoryAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryAppointmentRepo) Update(_ context.Context, a *Appointment, expected *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if cur.Status != expected.Status || !cur.DateTime.Equal(expected.DateTime) {
		return ErrConcurrentUpdate
	}
	a.UpdatedAt = r.now()
	cp := *a
	r.items[a.ID] = &cp
	return nil
}

func (r *MemoryAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.items, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f AppointmentFilter) matches(a *Appointment) bool {
	if f.From != nil && a.DateTime.Before(*f.From) {
		return false
	}
	if f.To != nil && !a.DateTime.Before(*f.To) {
		return false
	}
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.DepartmentID != nil && (a.DepartmentID == nil || *a.DepartmentID != *f.DepartmentID) {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	return true
}

// List returns matches ordered by date_time; equal instants keep insertion order.
func (r *MemoryAppointmentRepo) List(_ context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Appointment
	for _, id := range r.order {
		a := r.items[id]
		if f.matches(a) {
			cp := *a
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].DateTime.Before(matched[j].DateTime) })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func (r *MemoryAppointmentRepo) ScheduledAt(_ context.Context, doctorID uuid.UUID, at time.Time) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.items[id]
		if a.DoctorID == doctorID && a.Status == StatusScheduled && a.DateTime.Equal(at) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}
