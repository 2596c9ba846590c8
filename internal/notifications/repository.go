package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-platform/internal/database"
)

type Repository interface {
	Create(ctx context.Context, n *Notification) error
	CreateMany(ctx context.Context, ns []*Notification) error
	Get(ctx context.Context, id uuid.UUID) (*Notification, error)
	List(ctx context.Context, filter Filter) ([]*Notification, int, error)
	UnreadCount(ctx context.Context, recipientID uuid.UUID, at time.Time) (int, error)
	MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, at time.Time) (int64, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
	Cleanup(ctx context.Context, now, readBefore time.Time) (int64, error)
}

type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("notifications: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const columns = `
	id, recipient_id, clinic_id, type, title, message, data, channels, priority, action_url,
	is_read, read_at, related_model, related_id, expires_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*Notification, error) {
	var (
		n            Notification
		relatedModel *string
		relatedID    *uuid.UUID
	)
	if err := row.Scan(
		&n.ID, &n.RecipientID, &n.ClinicID, &n.Type, &n.Title, &n.Message, &n.Data, &n.Channels, &n.Priority, &n.ActionURL,
		&n.IsRead, &n.ReadAt, &relatedModel, &relatedID, &n.ExpiresAt, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if relatedModel != nil && relatedID != nil {
		n.RelatedTo = &Related{Model: *relatedModel, ID: *relatedID}
	}
	if n.Channels == nil {
		n.Channels = []Delivery{}
	}
	return &n, nil
}

func related(n *Notification) (*string, *uuid.UUID) {
	if n.RelatedTo == nil {
		return nil, nil
	}
	return &n.RelatedTo.Model, &n.RelatedTo.ID
}

func insert(ctx context.Context, q database.Querier, n *Notification) error {
	if n.Channels == nil {
		n.Channels = []Delivery{}
	}
	model, id := related(n)
	err := q.QueryRow(ctx, `
		INSERT INTO notifications (
			id, recipient_id, clinic_id, type, title, message, data, channels, priority, action_url,
			related_model, related_id, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`,
		n.ID, n.RecipientID, n.ClinicID, n.Type, n.Title, n.Message, n.Data, n.Channels, n.Priority, n.ActionURL,
		model, id, n.ExpiresAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("notifications: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, n *Notification) error {
	return insert(ctx, r.db, n)
}

// CreateMany inserts every notification or none.
func (r *PostgresRepository) CreateMany(ctx context.Context, ns []*Notification) error {
	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, n := range ns {
			if err := insert(ctx, tx, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("notifications: select: %w", err)
	}
	return n, nil
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

const priorityRank = `CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END`

func (r *PostgresRepository) List(ctx context.Context, filter Filter) ([]*Notification, int, error) {
	b := &whereBuilder{}
	if filter.RecipientID != nil {
		b.add("recipient_id = $?", *filter.RecipientID)
	}
	if filter.Type != "" {
		b.add("type = $?", filter.Type)
	}
	if filter.Priority != "" {
		b.add("priority = $?", filter.Priority)
	}
	if filter.IsRead != nil {
		b.add("is_read = $?", *filter.IsRead)
	}
	if filter.ActiveAt != nil {
		b.add("(expires_at IS NULL OR expires_at >= $?)", *filter.ActiveAt)
	}
	where := b.String()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+where, b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("notifications: count: %w", err)
	}
	order := ` ORDER BY created_at DESC`
	if filter.ByPriority {
		order = ` ORDER BY ` + priorityRank + ` DESC, created_at DESC`
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	b.args = append(b.args, limit, filter.Offset)
	query := `SELECT ` + columns + ` FROM notifications` + where + order +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(b.args)-1, len(b.args))
	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("notifications: list: %w", err)
	}
	defer rows.Close()

	out := []*Notification{}
	for rows.Next() {
		n, err := scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("notifications: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepository) UnreadCount(ctx context.Context, recipientID uuid.UUID, at time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND NOT is_read AND (expires_at IS NULL OR expires_at >= $2)`,
		recipientID, at).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("notifications: unread count: %w", err)
	}
	return n, nil
}

// MarkRead only touches notifications owned by recipientID.
func (r *PostgresRepository) MarkRead(ctx context.Context, recipientID uuid.UUID, ids []uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $3, updated_at = now()
		WHERE recipient_id = $1 AND id = ANY($2) AND NOT is_read`,
		recipientID, ids, at)
	if err != nil {
		return 0, fmt.Errorf("notifications: mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) MarkAllRead(ctx context.Context, recipientID uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $2, updated_at = now()
		WHERE recipient_id = $1 AND NOT is_read`,
		recipientID, at)
	if err != nil {
		return 0, fmt.Errorf("notifications: mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notifications: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM notifications WHERE recipient_id = $1 AND is_read`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("notifications: delete read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Cleanup removes expired notifications and read ones created before
// readBefore.
func (r *PostgresRepository) Cleanup(ctx context.Context, now, readBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM notifications
		WHERE (expires_at IS NOT NULL AND expires_at < $1) OR (is_read AND created_at < $2)`,
		now, readBefore)
	if err != nil {
		return 0, fmt.Errorf("notifications: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
