package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DepartmentRepository interface {
	Create(ctx context.Context, d *Department) error
	GetByID(ctx context.Context, id uuid.UUID) (*Department, error)
	List(ctx context.Context) ([]*Department, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	List(ctx context.Context, f DoctorFilter) ([]*Doctor, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update writes a only while the stored row still has the status and
	// date_time of expected. Otherwise it returns ErrConcurrentUpdate.
	Update(ctx context.Context, a *Appointment, expected *Appointment) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// ScheduledAt returns the scheduled appointment holding doctorID at instant, if any.
	ScheduledAt(ctx context.Context, doctorID uuid.UUID, at time.Time) (*Appointment, error)
}
