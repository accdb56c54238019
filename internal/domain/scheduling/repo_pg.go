package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Department Repository ===========

type departmentRepoPG struct{ db queryable }

func NewDepartmentRepoPG(pool *pgxpool.Pool) DepartmentRepository {
	return &departmentRepoPG{db: pool}
}

func (r *departmentRepoPG) Create(ctx context.Context, d *Department) error {
	d.ID = uuid.New()
	return r.db.QueryRow(ctx,
		`INSERT INTO department (id, name) VALUES ($1, $2) RETURNING created_at`,
		d.ID, d.Name).Scan(&d.CreatedAt)
}

func (r *departmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	var d Department
	err := r.db.QueryRow(ctx, `SELECT id, name, created_at FROM department WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDepartmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *departmentRepoPG) List(ctx context.Context) ([]*Department, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, created_at FROM department ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Department
	for rows.Next() {
		var d Department
		if err := rows.Scan(&d.ID, &d.Name, &d.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ db queryable }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository {
	return &doctorRepoPG{db: pool}
}

const doctorCols = `id, first_name, last_name, specialization, department_id, availability, created_at, updated_at`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var raw []byte
	if err := row.Scan(&d.ID, &d.FirstName, &d.LastName, &d.Specialization, &d.DepartmentID,
		&raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d.Availability); err != nil {
			return nil, fmt.Errorf("decode availability for doctor %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	if d.Availability == nil {
		d.Availability = Availability{}
	}
	raw, err := json.Marshal(d.Availability)
	if err != nil {
		return fmt.Errorf("encode availability: %w", err)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO doctor (id, first_name, last_name, specialization, department_id, availability)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		d.ID, d.FirstName, d.LastName, d.Specialization, d.DepartmentID, raw).
		Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := r.scanDoctor(r.db.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	return d, err
}

func (r *doctorRepoPG) List(ctx context.Context, f DoctorFilter) ([]*Doctor, error) {
	query := `SELECT ` + doctorCols + ` FROM doctor WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Query != "" {
		query += fmt.Sprintf(` AND ((first_name || ' ' || last_name) ILIKE $%d OR specialization ILIKE $%d)`, idx, idx)
		args = append(args, "%"+f.Query+"%")
		idx++
	}
	if f.Specialization != "" {
		query += fmt.Sprintf(` AND specialization ILIKE $%d`, idx)
		args = append(args, "%"+f.Specialization+"%")
		idx++
	}
	if f.DepartmentID != nil {
		query += fmt.Sprintf(` AND department_id = $%d`, idx)
		args = append(args, *f.DepartmentID)
	}
	query += ` ORDER BY last_name ASC, first_name ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ db queryable }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{db: pool}
}

const apptCols = `id, patient_id, doctor_id, department_id, date_time, type, status,
	notes, cancel_reason, rescheduled_from, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var typ, status string
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.DepartmentID, &a.DateTime, &typ, &status,
		&a.Notes, &a.CancelReason, &a.RescheduledFrom, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = AppointmentType(typ)
	a.Status = Status(status)
	return &a, nil
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrSlotConflict
	}
	return err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.db.QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, department_id, date_time, type, status,
			notes, cancel_reason, rescheduled_from)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.DepartmentID, a.DateTime, string(a.Type), string(a.Status),
		a.Notes, a.CancelReason, a.RescheduledFrom).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapWriteErr(err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.db.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment, expected *Appointment) error {
	err := r.db.QueryRow(ctx, `
		UPDATE appointment SET date_time=$2, type=$3, status=$4, notes=$5, cancel_reason=$6,
			rescheduled_from=$7, updated_at=NOW()
		WHERE id = $1 AND status = $8 AND date_time = $9
		RETURNING updated_at`,
		a.ID, a.DateTime, string(a.Type), string(a.Status), a.Notes, a.CancelReason, a.RescheduledFrom,
		string(expected.Status), expected.DateTime).
		Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Missing rows surface as not found when the service re-reads.
		return ErrConcurrentUpdate
	}
	return mapWriteErr(err)
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.From != nil {
		where += fmt.Sprintf(` AND date_time >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND date_time < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}
	if f.DoctorID != nil {
		where += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.DepartmentID != nil {
		where += fmt.Sprintf(` AND department_id = $%d`, idx)
		args = append(args, *f.DepartmentID)
		idx++
	}
	if f.PatientID != nil {
		where += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, *f.PatientID)
		idx++
	}
	if f.Status != nil {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(*f.Status))
		idx++
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointment` + where +
		fmt.Sprintf(` ORDER BY date_time ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) ScheduledAt(ctx context.Context, doctorID uuid.UUID, at time.Time) (*Appointment, error) {
	a, err := r.scanAppointment(r.db.QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE doctor_id = $1 AND date_time = $2 AND status = $3 LIMIT 1`,
		doctorID, at, string(StatusScheduled)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}
