package documents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/database"
)

type Repository interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter Filter) ([]*Document, int, error)
	RecordDownload(ctx context.Context, id uuid.UUID, at time.Time) (int, error)
	Categories(ctx context.Context, patientID uuid.UUID, publicOnly bool) ([]CategorySummary, error)
}

type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("documents: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const documentColumns = `
	d.id, d.clinic_id, d.patient_id, d.medical_record_id, d.appointment_id, d.title, d.description,
	d.type, d.category, d.file_key, d.file_name, d.file_size, d.mime_type, d.storage_provider,
	d.document_date, d.uploaded_by, d.tags, d.is_public, d.expiry_date, d.notes, d.download_count,
	d.last_downloaded, d.created_at, d.updated_at,
	pu.id, pu.first_name || ' ' || pu.last_name, uu.first_name || ' ' || uu.last_name, c.name`

const documentFrom = `
	FROM documents d
	JOIN patients p ON p.id = d.patient_id
	JOIN users pu ON pu.id = p.user_id
	JOIN users uu ON uu.id = d.uploaded_by
	JOIN clinics c ON c.id = d.clinic_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var d Document
	if err := row.Scan(
		&d.ID, &d.ClinicID, &d.PatientID, &d.MedicalRecordID, &d.AppointmentID, &d.Title, &d.Description,
		&d.Type, &d.Category, &d.FileKey, &d.FileName, &d.FileSize, &d.MimeType, &d.Provider,
		&d.DocumentDate, &d.UploadedBy, &d.Tags, &d.IsPublic, &d.ExpiryDate, &d.Notes, &d.DownloadCount,
		&d.LastDownloaded, &d.CreatedAt, &d.UpdatedAt,
		&d.PatientUserID, &d.PatientName, &d.UploadedByName, &d.ClinicName,
	); err != nil {
		return nil, err
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	return &d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d *Document) error {
	if d.Tags == nil {
		d.Tags = []string{}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO documents (
			id, clinic_id, patient_id, medical_record_id, appointment_id, title, description,
			type, category, file_key, file_name, file_size, mime_type, storage_provider,
			document_date, uploaded_by, tags, is_public, expiry_date, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at`,
		d.ID, d.ClinicID, d.PatientID, d.MedicalRecordID, d.AppointmentID, d.Title, d.Description,
		d.Type, d.Category, d.FileKey, d.FileName, d.FileSize, d.MimeType, d.Provider,
		d.DocumentDate, d.UploadedBy, d.Tags, d.IsPublic, d.ExpiryDate, d.Notes,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("documents: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.db.QueryRow(ctx, `SELECT `+documentColumns+documentFrom+` WHERE d.id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("documents: select: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) Update(ctx context.Context, d *Document) error {
	err := r.db.QueryRow(ctx, `
		UPDATE documents SET
			title = $2, description = $3, type = $4, category = $5, tags = $6,
			is_public = $7, expiry_date = $8, notes = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Title, d.Description, d.Type, d.Category, d.Tags, d.IsPublic, d.ExpiryDate, d.Notes,
	).Scan(&d.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrNotFound
		}
		return fmt.Errorf("documents: update: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("documents: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDownload bumps the download counter and returns its new value.
func (r *PostgresRepository) RecordDownload(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		UPDATE documents SET download_count = download_count + 1, last_downloaded = $2
		WHERE id = $1
		RETURNING download_count`, id, at).Scan(&count)
	if err != nil {
		if database.IsNoRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("documents: record download: %w", err)
	}
	return count, nil
}

// Categories groups a patient's documents, largest group first. Documents
// without a category fall under their type.
func (r *PostgresRepository) Categories(ctx context.Context, patientID uuid.UUID, publicOnly bool) ([]CategorySummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT COALESCE(NULLIF(category, ''), type) AS grp, COUNT(*), COALESCE(SUM(file_size), 0)
		FROM documents
		WHERE patient_id = $1 AND (is_public OR NOT $2)
		GROUP BY grp
		ORDER BY COUNT(*) DESC, grp`, patientID, publicOnly)
	if err != nil {
		return nil, fmt.Errorf("documents: categories: %w", err)
	}
	defer rows.Close()

	out := []CategorySummary{}
	for rows.Next() {
		var c CategorySummary
		if err := rows.Scan(&c.Category, &c.Count, &c.TotalSize); err != nil {
			return nil, fmt.Errorf("documents: scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
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

// List returns documents newest first. A negative Limit returns every match.
func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*Document, int, error) {
	b := &whereBuilder{}
	if filter.ClinicIDs != nil {
		b.add("d.clinic_id = ANY($?)", filter.ClinicIDs)
	}
	if filter.PatientID != nil {
		b.add("d.patient_id = $?", *filter.PatientID)
	}
	if filter.PatientUserID != nil {
		b.add("p.user_id = $?", *filter.PatientUserID)
	}
	if filter.Type != "" {
		b.add("d.type = $?", filter.Type)
	}
	if filter.Category != "" {
		b.add("d.category = $?", filter.Category)
	}
	if filter.PublicOnly {
		b.conds = append(b.conds, "d.is_public")
	}
	if filter.From != nil {
		b.add("d.created_at >= $?", *filter.From)
	}
	if filter.To != nil {
		b.add("d.created_at < $?", filter.To.AddDate(0, 0, 1))
	}
	where := b.String()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*)`+documentFrom+where, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("documents: count: %w", err)
	}
	query := `SELECT ` + documentColumns + documentFrom + where + ` ORDER BY d.created_at DESC`
	if filter.Limit >= 0 {
		limit := filter.Limit
		if limit == 0 {
			limit = 10
		}
		b.args = append(b.args, limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(b.args)-1, len(b.args))
	}
	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("documents: list: %w", err)
	}
	defer rows.Close()

	out := []*Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("documents: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}
