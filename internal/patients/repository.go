package patients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-platform/internal/database"
)

// Repository persists patient registrations.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByUser(ctx context.Context, userID uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, filter Filter) ([]*Patient, int, error)
	TouchLastVisit(ctx context.Context, id uuid.UUID, at time.Time) error
}

type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("patients: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const patientColumns = `
	p.id, p.user_id, p.clinic_id, p.patient_code, p.date_of_birth, p.gender, p.blood_group,
	p.emergency_contact, p.medical_history, p.insurance, p.notes, p.tags, p.is_active,
	p.last_visit, p.created_at, p.updated_at,
	u.first_name, u.last_name, u.email, u.phone, c.name`

const patientFrom = `
	FROM patients p
	JOIN users u ON u.id = p.user_id
	JOIN clinics c ON c.id = p.clinic_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanPatient(row scanner) (*Patient, error) {
	var p Patient
	if err := row.Scan(
		&p.ID, &p.UserID, &p.ClinicID, &p.PatientCode, &p.DateOfBirth, &p.Gender, &p.BloodGroup,
		&p.EmergencyContact, &p.MedicalHistory, &p.Insurance, &p.Notes, &p.Tags, &p.IsActive,
		&p.LastVisit, &p.CreatedAt, &p.UpdatedAt,
		&p.User.FirstName, &p.User.LastName, &p.User.Email, &p.User.Phone, &p.ClinicName,
	); err != nil {
		return nil, err
	}
	p.User.ID = p.UserID
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return &p, nil
}

// Create allocates the clinic-scoped patient code and inserts the row in
// one transaction.
func (r *PostgresRepository) Create(ctx context.Context, p *Patient) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		seq, err := database.NextSequence(ctx, tx, "patient:"+p.ClinicID.String(), "all")
		if err != nil {
			return err
		}
		p.PatientCode = PatientCode(p.ClinicID, seq)
		err = tx.QueryRow(ctx, `
			INSERT INTO patients (
				id, user_id, clinic_id, patient_code, date_of_birth, gender, blood_group,
				emergency_contact, medical_history, insurance, notes, tags, is_active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING created_at, updated_at`,
			p.ID, p.UserID, p.ClinicID, p.PatientCode, p.DateOfBirth, p.Gender, p.BloodGroup,
			p.EmergencyContact, p.MedicalHistory, p.Insurance, p.Notes, p.Tags, p.IsActive,
		).Scan(&p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return ErrAlreadyRegistered
			}
			return fmt.Errorf("patients: insert: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, args ...any) (*Patient, error) {
	p, err := scanPatient(r.db.QueryRow(ctx, `SELECT `+patientColumns+patientFrom+` WHERE `+where, args...))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("patients: select: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, `p.id = $1`, id)
}

// GetByUser returns the user's most recent active registration.
func (r *PostgresRepository) GetByUser(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, `p.user_id = $1 AND p.is_active ORDER BY p.created_at DESC LIMIT 1`, userID)
}

func (r *PostgresRepository) Update(ctx context.Context, p *Patient) error {
	err := r.db.QueryRow(ctx, `
		UPDATE patients SET
			date_of_birth = $2, gender = $3, blood_group = $4, emergency_contact = $5,
			medical_history = $6, insurance = $7, notes = $8, tags = $9, is_active = $10,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.DateOfBirth, p.Gender, p.BloodGroup, p.EmergencyContact,
		p.MedicalHistory, p.Insurance, p.Notes, p.Tags, p.IsActive,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrNotFound
		}
		return fmt.Errorf("patients: update: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TouchLastVisit(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE patients SET last_visit = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("patients: touch last visit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*Patient, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.ClinicIDs != nil {
		args = append(args, filter.ClinicIDs)
		conds = append(conds, fmt.Sprintf("p.clinic_id = ANY($%d)", len(args)))
	}
	if filter.Gender != "" {
		args = append(args, filter.Gender)
		conds = append(conds, fmt.Sprintf("p.gender = $%d", len(args)))
	}
	if filter.BloodGroup != "" {
		args = append(args, filter.BloodGroup)
		conds = append(conds, fmt.Sprintf("p.blood_group = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conds = append(conds, fmt.Sprintf("p.is_active = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(u.first_name ILIKE $%d OR u.last_name ILIKE $%d OR u.email ILIKE $%d OR p.patient_code ILIKE $%d)", n, n, n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+patientFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("patients: count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s%s%s ORDER BY p.created_at DESC LIMIT $%d OFFSET $%d`,
		patientColumns, patientFrom, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("patients: list: %w", err)
	}
	defer rows.Close()

	out := []*Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("patients: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}
