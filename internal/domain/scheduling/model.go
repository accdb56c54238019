package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Department maps to the department table.
type Department struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Availability maps a weekday name ("monday") to one or more "HH:MM-HH:MM" ranges.
// A weekday absent from the map means the doctor does not work that day.
type Availability map[string][]string

// Doctor maps to the doctor table.
type Doctor struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	FirstName      string       `db:"first_name" json:"first_name"`
	LastName       string       `db:"last_name" json:"last_name"`
	Specialization string       `db:"specialization" json:"specialization"`
	DepartmentID   *uuid.UUID   `db:"department_id" json:"department_id,omitempty"`
	Availability   Availability `db:"availability" json:"availability"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// FullName returns the display name used by doctor search and lookup.
func (d *Doctor) FullName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

// AppointmentType is the kind of visit being booked.
type AppointmentType string

const (
	TypeRegular      AppointmentType = "regular"
	TypeFollowUp     AppointmentType = "follow-up"
	TypeConsultation AppointmentType = "consultation"
	TypeEmergency    AppointmentType = "emergency"
)

var validAppointmentTypes = map[AppointmentType]bool{
	TypeRegular: true, TypeFollowUp: true, TypeConsultation: true, TypeEmergency: true,
}

// Valid reports whether t is one of the known appointment types.
func (t AppointmentType) Valid() bool { return validAppointmentTypes[t] }

// CancelReasonNoShow is stored on appointments cancelled through the no-show action.
const CancelReasonNoShow = "no-show"

// Appointment maps to the appointment table. DateTime is always a fully resolved
// instant; date and time-of-day are never persisted separately.
type Appointment struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	DoctorID        uuid.UUID       `db:"doctor_id" json:"doctor_id"`
	DepartmentID    *uuid.UUID      `db:"department_id" json:"department_id,omitempty"`
	DateTime        time.Time       `db:"date_time" json:"date_time"`
	Type            AppointmentType `db:"type" json:"type"`
	Status          Status          `db:"status" json:"status"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	CancelReason    *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	RescheduledFrom *time.Time      `db:"rescheduled_from" json:"rescheduled_from,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// CreateAppointmentCommand is the single creation request emitted by the booking
// wizard (or any other caller of the create operation).
type CreateAppointmentCommand struct {
	PatientID      uuid.UUID       `json:"patient_id" validate:"required"`
	DoctorID       uuid.UUID       `json:"doctor_id" validate:"required"`
	DepartmentID   *uuid.UUID      `json:"department_id,omitempty"`
	DateTime       time.Time       `json:"date_time" validate:"required"`
	Type           AppointmentType `json:"type,omitempty" validate:"omitempty,oneof=regular follow-up consultation emergency"`
	Status         Status          `json:"status,omitempty" validate:"omitempty,oneof=scheduled"`
	Notes          string          `json:"notes,omitempty" validate:"max=2000"`
	IdempotencyKey string          `json:"-"`
}

// AppointmentPatch carries the partial fields accepted by the update operation.
type AppointmentPatch struct {
	DateTime *time.Time       `json:"date_time,omitempty"`
	Status   *Status          `json:"status,omitempty"`
	Type     *AppointmentType `json:"type,omitempty"`
	Notes    *string          `json:"notes,omitempty"`
}

// AppointmentFilter narrows appointment listings. From is inclusive, To exclusive.
type AppointmentFilter struct {
	From         *time.Time
	To           *time.Time
	DoctorID     *uuid.UUID
	DepartmentID *uuid.UUID
	PatientID    *uuid.UUID
	Status       *Status
}

// DoctorFilter narrows doctor listings. Query matches name or specialization.
type DoctorFilter struct {
	Query          string
	Specialization string
	DepartmentID   *uuid.UUID
}

// Matches applies the filter in memory using case-insensitive substring matching.
func (f DoctorFilter) Matches(d *Doctor) bool {
	if f.DepartmentID != nil && (d.DepartmentID == nil || *d.DepartmentID != *f.DepartmentID) {
		return false
	}
	if f.Specialization != "" && !containsFold(d.Specialization, f.Specialization) {
		return false
	}
	if f.Query == "" {
		return true
	}
	return containsFold(d.FullName(), f.Query) || containsFold(d.Specialization, f.Query)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(substr)))
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
