package records

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-platform/internal/database"
)

// PrescriptionMutation edits a locked prescription before it is written
// back. Returning an error aborts the transaction.
type PrescriptionMutation func(p *Prescription) error

type Repository interface {
	CreateRecord(ctx context.Context, rec *MedicalRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	UpdateRecord(ctx context.Context, rec *MedicalRecord) error
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]*MedicalRecord, int, error)

	CreatePrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	UpdatePrescription(ctx context.Context, id uuid.UUID, fn PrescriptionMutation) (*Prescription, error)
	DeletePrescription(ctx context.Context, id uuid.UUID) error
	ListPrescriptions(ctx context.Context, filter PrescriptionFilter) ([]*Prescription, int, error)
}

type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("records: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const recordColumns = `
	r.id, r.clinic_id, r.patient_id, r.doctor_id, r.appointment_id, r.visit_date, r.visit_type,
	r.chief_complaint, r.symptoms, r.vitals, r.examination, r.diagnosis, r.investigations,
	r.treatment_plan, r.notes, r.follow_up_date, r.follow_up_instructions, r.created_at, r.updated_at,
	pu.id, pu.first_name || ' ' || pu.last_name, du.first_name || ' ' || du.last_name, c.name`

const recordFrom = `
	FROM medical_records r
	JOIN patients p ON p.id = r.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN users du ON du.id = r.doctor_id
	JOIN clinics c ON c.id = r.clinic_id`

const prescriptionColumns = `
	rx.id, rx.clinic_id, rx.patient_id, rx.doctor_id, rx.medical_record_id, rx.prescription_number,
	rx.prescription_date, rx.medications, rx.diagnosis, rx.instructions, rx.valid_until, rx.status,
	rx.dispensed, rx.refills_allowed, rx.refills_remaining, rx.refill_history, rx.notes,
	rx.cancelled_at, rx.created_at, rx.updated_at,
	pu.id, pu.first_name || ' ' || pu.last_name, pu.email, du.first_name || ' ' || du.last_name, c.name`

const prescriptionFrom = `
	FROM prescriptions rx
	JOIN patients p ON p.id = rx.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN users du ON du.id = rx.doctor_id
	JOIN clinics c ON c.id = rx.clinic_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*MedicalRecord, error) {
	var rec MedicalRecord
	if err := row.Scan(
		&rec.ID, &rec.ClinicID, &rec.PatientID, &rec.DoctorID, &rec.AppointmentID, &rec.VisitDate, &rec.VisitType,
		&rec.ChiefComplaint, &rec.Symptoms, &rec.Vitals, &rec.Examination, &rec.Diagnosis, &rec.Investigations,
		&rec.TreatmentPlan, &rec.Notes, &rec.FollowUpDate, &rec.FollowUpInstructions, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.PatientUserID, &rec.PatientName, &rec.DoctorName, &rec.ClinicName,
	); err != nil {
		return nil, err
	}
	rec.normalize()
	return &rec, nil
}

func (rec *MedicalRecord) normalize() {
	if rec.Symptoms == nil {
		rec.Symptoms = []Symptom{}
	}
	if rec.Diagnosis == nil {
		rec.Diagnosis = []Diagnosis{}
	}
	if rec.Investigations == nil {
		rec.Investigations = []Investigation{}
	}
}

func scanPrescription(row scanner) (*Prescription, error) {
	var p Prescription
	if err := row.Scan(
		&p.ID, &p.ClinicID, &p.PatientID, &p.DoctorID, &p.MedicalRecordID, &p.PrescriptionNumber,
		&p.PrescriptionDate, &p.Medications, &p.Diagnosis, &p.Instructions, &p.ValidUntil, &p.Status,
		&p.Dispensed, &p.Refills.Allowed, &p.Refills.Remaining, &p.RefillHistory, &p.Notes,
		&p.CancelledAt, &p.CreatedAt, &p.UpdatedAt,
		&p.PatientUserID, &p.PatientName, &p.PatientEmail, &p.DoctorName, &p.ClinicName,
	); err != nil {
		return nil, err
	}
	p.normalize()
	return &p, nil
}

func (p *Prescription) normalize() {
	if p.Medications == nil {
		p.Medications = []Medication{}
	}
	if p.RefillHistory == nil {
		p.RefillHistory = []RefillEntry{}
	}
}

func (r *PostgresRepository) CreateRecord(ctx context.Context, rec *MedicalRecord) error {
	rec.normalize()
	err := r.db.QueryRow(ctx, `
		INSERT INTO medical_records (
			id, clinic_id, patient_id, doctor_id, appointment_id, visit_date, visit_type,
			chief_complaint, symptoms, vitals, examination, diagnosis, investigations,
			treatment_plan, notes, follow_up_date, follow_up_instructions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`,
		rec.ID, rec.ClinicID, rec.PatientID, rec.DoctorID, rec.AppointmentID, rec.VisitDate, rec.VisitType,
		rec.ChiefComplaint, rec.Symptoms, rec.Vitals, rec.Examination, rec.Diagnosis, rec.Investigations,
		rec.TreatmentPlan, rec.Notes, rec.FollowUpDate, rec.FollowUpInstructions,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("records: insert medical record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetRecord(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+recordColumns+recordFrom+` WHERE r.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("records: select medical record: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) UpdateRecord(ctx context.Context, rec *MedicalRecord) error {
	rec.normalize()
	err := r.db.QueryRow(ctx, `
		UPDATE medical_records SET
			visit_type = $2, chief_complaint = $3, symptoms = $4, vitals = $5, examination = $6,
			diagnosis = $7, investigations = $8, treatment_plan = $9, notes = $10,
			follow_up_date = $11, follow_up_instructions = $12, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		rec.ID, rec.VisitType, rec.ChiefComplaint, rec.Symptoms, rec.Vitals, rec.Examination,
		rec.Diagnosis, rec.Investigations, rec.TreatmentPlan, rec.Notes,
		rec.FollowUpDate, rec.FollowUpInstructions,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("records: update medical record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM medical_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("records: delete medical record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, strings.ReplaceAll(cond, "$?", fmt.Sprintf("$%d", len(b.args))))
}

func (b *whereBuilder) String() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// page appends limit and offset and returns their placeholders.
func (b *whereBuilder) page(limit, offset int) string {
	if limit <= 0 {
		limit = 10
	}
	b.args = append(b.args, limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(b.args)-1, len(b.args))
}

// ListRecords returns records newest visit first. A negative Limit returns
// every match.
func (r *PostgresRepository) ListRecords(ctx context.Context, filter RecordFilter) ([]*MedicalRecord, int, error) {
	b := &whereBuilder{}
	if filter.ClinicIDs != nil {
		b.add("r.clinic_id = ANY($?)", filter.ClinicIDs)
	}
	if filter.PatientID != nil {
		b.add("r.patient_id = $?", *filter.PatientID)
	}
	if filter.PatientUserID != nil {
		b.add("p.user_id = $?", *filter.PatientUserID)
	}
	if filter.DoctorID != nil {
		b.add("r.doctor_id = $?", *filter.DoctorID)
	}
	if filter.From != nil {
		b.add("r.visit_date >= $?", *filter.From)
	}
	if filter.To != nil {
		b.add("r.visit_date <= $?", *filter.To)
	}
	where := b.String()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+recordFrom+where, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("records: count medical records: %w", err)
	}
	query := `SELECT ` + recordColumns + recordFrom + where + ` ORDER BY r.visit_date DESC, r.created_at DESC`
	if filter.Limit >= 0 {
		query += b.page(filter.Limit, filter.Offset)
	}
	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("records: list medical records: %w", err)
	}
	defer rows.Close()

	out := []*MedicalRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("records: scan medical record: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// CreatePrescription numbers the prescription RX-YYYYMM-NNNNNN and inserts
// it in one transaction.
func (r *PostgresRepository) CreatePrescription(ctx context.Context, p *Prescription) error {
	p.normalize()
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		number, err := database.NextNumber(ctx, tx, "RX", p.PrescriptionDate)
		if err != nil {
			return err
		}
		p.PrescriptionNumber = number
		err = tx.QueryRow(ctx, `
			INSERT INTO prescriptions (
				id, clinic_id, patient_id, doctor_id, medical_record_id, prescription_number,
				prescription_date, medications, diagnosis, instructions, valid_until, status,
				dispensed, refills_allowed, refills_remaining, refill_history, notes
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING created_at, updated_at`,
			p.ID, p.ClinicID, p.PatientID, p.DoctorID, p.MedicalRecordID, p.PrescriptionNumber,
			p.PrescriptionDate, p.Medications, p.Diagnosis, p.Instructions, p.ValidUntil, p.Status,
			p.Dispensed, p.Refills.Allowed, p.Refills.Remaining, p.RefillHistory, p.Notes,
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("records: insert prescription: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.db.QueryRow(ctx, `SELECT `+prescriptionColumns+prescriptionFrom+` WHERE rx.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrPrescriptionNotFound
		}
		return nil, fmt.Errorf("records: select prescription: %w", err)
	}
	return p, nil
}

// UpdatePrescription locks the row, applies fn and writes the result, so
// concurrent refills cannot both spend the last one.
func (r *PostgresRepository) UpdatePrescription(ctx context.Context, id uuid.UUID, fn PrescriptionMutation) (*Prescription, error) {
	var out *Prescription
	err := database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		p, err := scanPrescription(tx.QueryRow(ctx, `SELECT `+prescriptionColumns+prescriptionFrom+` WHERE rx.id = $1 FOR UPDATE OF rx`, id))
		if err != nil {
			if database.IsNoRows(err) {
				return ErrPrescriptionNotFound
			}
			return fmt.Errorf("records: lock prescription: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
		p.normalize()
		err = tx.QueryRow(ctx, `
			UPDATE prescriptions SET
				medications = $2, diagnosis = $3, instructions = $4, valid_until = $5, status = $6,
				dispensed = $7, refills_allowed = $8, refills_remaining = $9, refill_history = $10,
				notes = $11, cancelled_at = $12, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			p.ID, p.Medications, p.Diagnosis, p.Instructions, p.ValidUntil, p.Status,
			p.Dispensed, p.Refills.Allowed, p.Refills.Remaining, p.RefillHistory,
			p.Notes, p.CancelledAt,
		).Scan(&p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("records: update prescription: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepository) DeletePrescription(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("records: delete prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPrescriptionNotFound
	}
	return nil
}

// ListPrescriptions returns prescriptions newest first. A negative Limit
// returns every match.
func (r *PostgresRepository) ListPrescriptions(ctx context.Context, filter PrescriptionFilter) ([]*Prescription, int, error) {
	b := &whereBuilder{}
	if filter.ClinicIDs != nil {
		b.add("rx.clinic_id = ANY($?)", filter.ClinicIDs)
	}
	if filter.PatientID != nil {
		b.add("rx.patient_id = $?", *filter.PatientID)
	}
	if filter.PatientUserID != nil {
		b.add("p.user_id = $?", *filter.PatientUserID)
	}
	if filter.DoctorID != nil {
		b.add("rx.doctor_id = $?", *filter.DoctorID)
	}
	if filter.Status != "" {
		b.add("rx.status = $?", filter.Status)
	}
	if filter.From != nil {
		b.add("rx.prescription_date >= $?", *filter.From)
	}
	if filter.To != nil {
		b.add("rx.prescription_date <= $?", *filter.To)
	}
	if filter.ValidAt != nil {
		b.add("(rx.valid_until IS NULL OR rx.valid_until >= $?)", *filter.ValidAt)
	}
	where := b.String()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+prescriptionFrom+where, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("records: count prescriptions: %w", err)
	}
	query := `SELECT ` + prescriptionColumns + prescriptionFrom + where + ` ORDER BY rx.prescription_date DESC, rx.created_at DESC`
	if filter.Limit >= 0 {
		query += b.page(filter.Limit, filter.Offset)
	}
	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("records: list prescriptions: %w", err)
	}
	defer rows.Close()

	out := []*Prescription{}
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("records: scan prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
