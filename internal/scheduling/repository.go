package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-platform/internal/database"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

// Repository persists appointments. Create and Reschedule enforce the
// no-overlap rule for a doctor's day.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Reschedule(ctx context.Context, a *Appointment, previous Slot) error
	Save(ctx context.Context, a *Appointment, evt events.CanonicalEvent) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, filter Filter) ([]*Appointment, int, error)
	Day(ctx context.Context, clinicIDs []uuid.UUID, doctorID *uuid.UUID, day time.Time) ([]*Appointment, error)
	StartingBetween(ctx context.Context, from, to time.Time) ([]*Appointment, error)
	RecordReminder(ctx context.Context, id uuid.UUID, reminders ...Reminder) error
}

type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("scheduling: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const appointmentColumns = `
	a.id, a.clinic_id, a.patient_id, a.doctor_id, a.appointment_number, a.scheduled_date,
	a.start_time, a.end_time, a.duration, a.type, a.status, a.reason, a.symptoms, a.notes,
	a.booking_source, a.booked_by, a.cancelled_by, a.cancelled_at, a.cancel_reason,
	a.rescheduled_from, a.reminders, a.actual_start_time, a.actual_end_time,
	a.created_at, a.updated_at,
	pu.id, pu.first_name || ' ' || pu.last_name, pu.email, pu.phone,
	du.first_name || ' ' || du.last_name, du.email, c.name`

const appointmentFrom = `
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN users du ON du.id = a.doctor_id
	JOIN clinics c ON c.id = a.clinic_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row scanner) (*Appointment, error) {
	var (
		a   Appointment
		day time.Time
	)
	if err := row.Scan(
		&a.ID, &a.ClinicID, &a.PatientID, &a.DoctorID, &a.AppointmentNumber, &day,
		&a.ScheduledTime.Start, &a.ScheduledTime.End, &a.Duration, &a.Type, &a.Status, &a.Reason, &a.Symptoms, &a.Notes,
		&a.BookingSource, &a.BookedBy, &a.CancelledBy, &a.CancelledAt, &a.CancelReason,
		&a.RescheduledFrom, &a.Reminders, &a.ActualStartTime, &a.ActualEndTime,
		&a.CreatedAt, &a.UpdatedAt,
		&a.Patient.ID, &a.Patient.Name, &a.Patient.Email, &a.Patient.Phone,
		&a.Doctor.Name, &a.Doctor.Email, &a.ClinicName,
	); err != nil {
		return nil, err
	}
	a.ScheduledDate = dates.Date{Time: dates.Day(day)}
	a.Doctor.ID = a.DoctorID
	if a.Symptoms == nil {
		a.Symptoms = []string{}
	}
	if a.Reminders == nil {
		a.Reminders = []Reminder{}
	}
	return &a, nil
}

func slotLockKey(s Slot) string {
	return s.DoctorID.String() + "|" + s.Date.Format(dates.Layout)
}

// claimSlot serializes bookings for the doctor's day and reports whether an
// open appointment other than exclude overlaps the range. It must run inside
// the transaction that writes the booking.
func claimSlot(ctx context.Context, tx pgx.Tx, s Slot, exclude uuid.UUID) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, slotLockKey(s)); err != nil {
		return fmt.Errorf("scheduling: lock slot: %w", err)
	}
	var taken bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND scheduled_date = $2
			  AND status NOT IN ('cancelled', 'completed')
			  AND start_time < $4
			  AND $3 < end_time
			  AND id <> $5
		)`,
		s.DoctorID, s.Date, s.Time.Start, s.Time.End, exclude,
	).Scan(&taken)
	if err != nil {
		return fmt.Errorf("scheduling: overlap check: %w", err)
	}
	if taken {
		return ErrSlotTaken
	}
	return nil
}

// Create numbers and inserts a booking after checking the doctor's day for
// overlaps. The booked event is written to the outbox in the same
// transaction.
func (r *PostgresRepository) Create(ctx context.Context, a *Appointment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := claimSlot(ctx, tx, a.Slot(), uuid.Nil); err != nil {
			return err
		}
		number, err := database.NextNumber(ctx, tx, "APT", a.CreatedAt)
		if err != nil {
			return err
		}
		a.AppointmentNumber = number
		err = tx.QueryRow(ctx, `
			INSERT INTO appointments (
				id, clinic_id, patient_id, doctor_id, appointment_number, scheduled_date,
				start_time, end_time, duration, type, status, reason, symptoms, notes,
				booking_source, booked_by, reminders, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)
			RETURNING updated_at`,
			a.ID, a.ClinicID, a.PatientID, a.DoctorID, a.AppointmentNumber, a.ScheduledDate.Time,
			a.ScheduledTime.Start, a.ScheduledTime.End, a.Duration, a.Type, a.Status, a.Reason, a.Symptoms, a.Notes,
			a.BookingSource, a.BookedBy, a.Reminders, a.CreatedAt,
		).Scan(&a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("scheduling: insert: %w", err)
		}
		_, err = events.Append(ctx, tx, "appointment:"+a.ID.String(), a.ClinicID, events.AppointmentBookedV1{
			AppointmentID:     a.ID,
			AppointmentNumber: a.AppointmentNumber,
			ClinicID:          a.ClinicID,
			PatientID:         a.PatientID,
			DoctorID:          a.DoctorID,
			ScheduledDate:     a.ScheduledDate.Format(dates.Layout),
			Start:             a.ScheduledTime.Start,
			End:               a.ScheduledTime.End,
			BookedBy:          a.BookedBy,
			BookingSource:     a.BookingSource,
		})
		return err
	})
	return mapSlotError(err)
}

// Reschedule moves a booking to its new slot in place, checking the new
// slot against every other open appointment of the doctor.
func (r *PostgresRepository) Reschedule(ctx context.Context, a *Appointment, previous Slot) error {
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := claimSlot(ctx, tx, a.Slot(), a.ID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			UPDATE appointments SET
				scheduled_date = $2, start_time = $3, end_time = $4, duration = $5,
				status = $6, rescheduled_from = $7, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			a.ID, a.ScheduledDate.Time, a.ScheduledTime.Start, a.ScheduledTime.End, a.Duration,
			a.Status, a.RescheduledFrom,
		).Scan(&a.UpdatedAt)
		if err != nil {
			if database.IsNoRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("scheduling: reschedule: %w", err)
		}
		_, err = events.Append(ctx, tx, "appointment:"+a.ID.String(), a.ClinicID, events.AppointmentRescheduledV1{
			AppointmentID: a.ID,
			ClinicID:      a.ClinicID,
			DoctorID:      a.DoctorID,
			PreviousDate:  previous.Date.Format(dates.Layout),
			PreviousStart: previous.Time.Start,
			ScheduledDate: a.ScheduledDate.Format(dates.Layout),
			Start:         a.ScheduledTime.Start,
			End:           a.ScheduledTime.End,
		})
		return err
	})
	return mapSlotError(err)
}

func mapSlotError(err error) error {
	if err != nil && database.IsExclusionViolation(err) {
		return ErrSlotTaken
	}
	return err
}

// Save writes the mutable fields and, when evt is set, appends it to the
// outbox in the same transaction.
func (r *PostgresRepository) Save(ctx context.Context, a *Appointment, evt events.CanonicalEvent) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE appointments SET
				type = $2, duration = $3, status = $4, reason = $5, symptoms = $6, notes = $7,
				cancelled_by = $8, cancelled_at = $9, cancel_reason = $10,
				actual_start_time = $11, actual_end_time = $12, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			a.ID, a.Type, a.Duration, a.Status, a.Reason, a.Symptoms, a.Notes,
			a.CancelledBy, a.CancelledAt, a.CancelReason,
			a.ActualStartTime, a.ActualEndTime,
		).Scan(&a.UpdatedAt)
		if err != nil {
			if database.IsNoRows(err) {
				return ErrNotFound
			}
			return fmt.Errorf("scheduling: update: %w", err)
		}
		if evt == nil {
			return nil
		}
		_, err = events.Append(ctx, tx, "appointment:"+a.ID.String(), a.ClinicID, evt)
		return err
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.db.QueryRow(ctx, `SELECT `+appointmentColumns+appointmentFrom+` WHERE a.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scheduling: select: %w", err)
	}
	return a, nil
}

func buildWhere(filter Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.ClinicIDs != nil {
		add("a.clinic_id = ANY($%d)", filter.ClinicIDs)
	}
	if filter.DoctorID != nil {
		add("a.doctor_id = $%d", *filter.DoctorID)
	}
	if filter.PatientID != nil {
		add("a.patient_id = $%d", *filter.PatientID)
	}
	if filter.PatientUserID != nil {
		add("p.user_id = $%d", *filter.PatientUserID)
	}
	if filter.Status != "" {
		add("a.status = $%d", filter.Status)
	}
	if len(filter.Statuses) > 0 {
		add("a.status = ANY($%d)", filter.Statuses)
	}
	if filter.Type != "" {
		add("a.type = $%d", filter.Type)
	}
	if filter.From != nil {
		add("a.scheduled_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("a.scheduled_date <= $%d", *filter.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*Appointment, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+appointmentFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("scheduling: count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s%s%s ORDER BY a.scheduled_date DESC, a.start_time ASC LIMIT $%d OFFSET $%d`,
		appointmentColumns, appointmentFrom, where, len(args)-1, len(args))
	out, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Day returns the open and finished appointments of one calendar day in
// start order. Cancelled bookings are left out.
func (r *PostgresRepository) Day(ctx context.Context, clinicIDs []uuid.UUID, doctorID *uuid.UUID, day time.Time) ([]*Appointment, error) {
	where, args := buildWhere(Filter{ClinicIDs: clinicIDs, DoctorID: doctorID})
	args = append(args, dates.Day(day))
	cond := fmt.Sprintf("a.scheduled_date = $%d AND a.status <> 'cancelled'", len(args))
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	return r.query(ctx, `SELECT `+appointmentColumns+appointmentFrom+where+` ORDER BY a.start_time ASC`, args...)
}

// StartingBetween returns scheduled or confirmed appointments whose start,
// read in the clinic's timezone, falls in [from, to).
func (r *PostgresRepository) StartingBetween(ctx context.Context, from, to time.Time) ([]*Appointment, error) {
	query := `SELECT ` + appointmentColumns + appointmentFrom + `
		WHERE a.status IN ('scheduled', 'confirmed')
		  AND timezone(COALESCE(NULLIF(c.settings->>'timezone', ''), 'UTC'),
		               a.scheduled_date + a.start_time::time) >= $1
		  AND timezone(COALESCE(NULLIF(c.settings->>'timezone', ''), 'UTC'),
		               a.scheduled_date + a.start_time::time) < $2
		ORDER BY a.scheduled_date, a.start_time`
	return r.query(ctx, query, from.UTC(), to.UTC())
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduling: list: %w", err)
	}
	defer rows.Close()

	out := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scheduling: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordReminder appends reminder attempts to the appointment.
func (r *PostgresRepository) RecordReminder(ctx context.Context, id uuid.UUID, reminders ...Reminder) error {
	if len(reminders) == 0 {
		return nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET reminders = reminders || $2::jsonb, updated_at = now()
		WHERE id = $1`,
		id, reminders,
	)
	if err != nil {
		return fmt.Errorf("scheduling: record reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
