package clinic

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/database"
)

// Repository persists clinics and their staff.
type Repository interface {
	Create(ctx context.Context, c *Clinic) error
	Get(ctx context.Context, id uuid.UUID) (*Clinic, error)
	Update(ctx context.Context, c *Clinic) error
	List(ctx context.Context, filter Filter) ([]*Clinic, int, error)
	ForUser(ctx context.Context, userID uuid.UUID) ([]*Clinic, error)
	AddStaff(ctx context.Context, clinicID uuid.UUID, m StaffMember) error
	RemoveStaff(ctx context.Context, clinicID, userID uuid.UUID) error
	HasAccess(ctx context.Context, clinicID, userID uuid.UUID) (bool, error)
	Settings(ctx context.Context, clinicID uuid.UUID) (Settings, error)
}

// PostgresRepository stores clinics in Postgres. Structured fields live in
// JSONB columns; staff rows live in clinic_staff.
type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("clinic: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const clinicColumns = `
	c.id, c.name, c.description, c.owner_id, c.logo, c.phone, COALESCE(c.email, ''), c.website,
	c.address, c.working_hours, c.specialties, c.settings, c.subscription,
	c.is_active, c.created_at, c.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanClinic(row scanner) (*Clinic, error) {
	var c Clinic
	if err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.OwnerID, &c.Logo,
		&c.Contact.Phone, &c.Contact.Email, &c.Contact.Website,
		&c.Address, &c.WorkingHours, &c.Specialties, &c.Settings, &c.Subscription,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if c.Specialties == nil {
		c.Specialties = []string{}
	}
	return &c, nil
}

func nullableEmail(email string) any {
	if strings.TrimSpace(email) == "" {
		return nil
	}
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *PostgresRepository) Create(ctx context.Context, c *Clinic) error {
	query := `
		INSERT INTO clinics (
			id, name, description, owner_id, logo, phone, email, website,
			address, working_hours, specialties, settings, subscription, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		c.ID, c.Name, c.Description, c.OwnerID, c.Logo, c.Contact.Phone, nullableEmail(c.Contact.Email),
		c.Contact.Website, c.Address, c.WorkingHours, c.Specialties, c.Settings, c.Subscription, c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("clinic: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	c, err := scanClinic(r.db.QueryRow(ctx, `SELECT `+clinicColumns+` FROM clinics c WHERE c.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clinic: select: %w", err)
	}
	staff, err := r.staff(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Staff = staff
	return c, nil
}

func (r *PostgresRepository) staff(ctx context.Context, clinicID uuid.UUID) ([]StaffMember, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.user_id, TRIM(u.first_name || ' ' || u.last_name), u.email, s.role,
		       s.permissions, s.is_active, s.added_at
		FROM clinic_staff s
		JOIN users u ON u.id = s.user_id
		WHERE s.clinic_id = $1
		ORDER BY s.added_at`, clinicID)
	if err != nil {
		return nil, fmt.Errorf("clinic: select staff: %w", err)
	}
	defer rows.Close()

	staff := []StaffMember{}
	for rows.Next() {
		var m StaffMember
		if err := rows.Scan(&m.UserID, &m.Name, &m.Email, &m.Role, &m.Permissions, &m.IsActive, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("clinic: scan staff: %w", err)
		}
		if m.Permissions == nil {
			m.Permissions = []string{}
		}
		staff = append(staff, m)
	}
	return staff, rows.Err()
}

func (r *PostgresRepository) Update(ctx context.Context, c *Clinic) error {
	query := `
		UPDATE clinics SET
			name = $2, description = $3, logo = $4, phone = $5, email = $6, website = $7,
			address = $8, working_hours = $9, specialties = $10, settings = $11,
			subscription = $12, is_active = $13, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		c.ID, c.Name, c.Description, c.Logo, c.Contact.Phone, nullableEmail(c.Contact.Email), c.Contact.Website,
		c.Address, c.WorkingHours, c.Specialties, c.Settings, c.Subscription, c.IsActive,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrNotFound
		}
		if database.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("clinic: update: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*Clinic, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conds = append(conds, fmt.Sprintf("c.is_active = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(c.name ILIKE $%d OR c.email ILIKE $%d OR c.address->>'city' ILIKE $%d)", n, n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM clinics c`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("clinic: count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM clinics c%s ORDER BY c.created_at DESC LIMIT $%d OFFSET $%d`,
		clinicColumns, where, len(args)-1, len(args))
	clinics, err := r.query(ctx, query, args...)
	return clinics, total, err
}

// ForUser returns active clinics the user owns or actively staffs.
func (r *PostgresRepository) ForUser(ctx context.Context, userID uuid.UUID) ([]*Clinic, error) {
	query := `SELECT ` + clinicColumns + `
		FROM clinics c
		WHERE c.is_active
		  AND (c.owner_id = $1 OR EXISTS (
			SELECT 1 FROM clinic_staff s WHERE s.clinic_id = c.id AND s.user_id = $1 AND s.is_active))
		ORDER BY c.name`
	return r.query(ctx, query, userID)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*Clinic, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("clinic: list: %w", err)
	}
	defer rows.Close()
	clinics := []*Clinic{}
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, fmt.Errorf("clinic: scan: %w", err)
		}
		clinics = append(clinics, c)
	}
	return clinics, rows.Err()
}

func (r *PostgresRepository) AddStaff(ctx context.Context, clinicID uuid.UUID, m StaffMember) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO clinic_staff (clinic_id, user_id, role, permissions, is_active, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		clinicID, m.UserID, m.Role, m.Permissions, m.IsActive, m.AddedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAlreadyStaff
		}
		return fmt.Errorf("clinic: add staff: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveStaff(ctx context.Context, clinicID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM clinic_staff WHERE clinic_id = $1 AND user_id = $2`, clinicID, userID)
	if err != nil {
		return fmt.Errorf("clinic: remove staff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaffNotFound
	}
	return nil
}

// HasAccess reports whether userID owns, staffs or is a registered patient
// of the clinic.
func (r *PostgresRepository) HasAccess(ctx context.Context, clinicID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM clinics WHERE id = $1 AND owner_id = $2)
		    OR EXISTS (SELECT 1 FROM clinic_staff WHERE clinic_id = $1 AND user_id = $2 AND is_active)
		    OR EXISTS (SELECT 1 FROM patients WHERE clinic_id = $1 AND user_id = $2 AND is_active)`,
		clinicID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("clinic: access check: %w", err)
	}
	return ok, nil
}

func (r *PostgresRepository) Settings(ctx context.Context, clinicID uuid.UUID) (Settings, error) {
	var s Settings
	if err := r.db.QueryRow(ctx, `SELECT settings FROM clinics WHERE id = $1`, clinicID).Scan(&s); err != nil {
		if database.IsNoRows(err) {
			return s, ErrNotFound
		}
		return s, fmt.Errorf("clinic: select settings: %w", err)
	}
	return s, nil
}
