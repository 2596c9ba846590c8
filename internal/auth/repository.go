package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/database"
)

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByVerificationHash(ctx context.Context, digest string, now time.Time) (*User, error)
	GetByResetHash(ctx context.Context, digest string, now time.Time) (*User, error)
	Update(ctx context.Context, user *User) error
	List(ctx context.Context, filter UserFilter) ([]*User, int, error)
	Stats(ctx context.Context) (Stats, error)
}

// PostgresRepository stores users in the users table.
type PostgresRepository struct {
	db database.DB
}

func NewPostgresRepository(db database.DB) *PostgresRepository {
	if db == nil {
		panic("auth: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const userColumns = `
	id, email, password_hash, first_name, last_name, phone, role, avatar,
	is_active, is_email_verified, last_login, refresh_token_hash,
	verification_hash, verification_expires, password_reset_hash,
	password_reset_expires, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var u User
	if err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone, &u.Role, &u.Avatar,
		&u.IsActive, &u.IsEmailVerified, &u.LastLogin, &u.RefreshTokenHash,
		&u.VerificationHash, &u.VerificationExpires, &u.PasswordResetHash,
		&u.PasswordResetExpires, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (
			id, email, password_hash, first_name, last_name, phone, role, avatar,
			is_active, is_email_verified, verification_hash, verification_expires
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Phone,
		user.Role, user.Avatar, user.IsActive, user.IsEmailVerified,
		user.VerificationHash, user.VerificationExpires,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("auth: insert user: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, args ...any) (*User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, args...))
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: select user: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.getOne(ctx, `email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *PostgresRepository) GetByVerificationHash(ctx context.Context, digest string, now time.Time) (*User, error) {
	return r.getOne(ctx, `verification_hash = $1 AND verification_expires > $2`, digest, now)
}

func (r *PostgresRepository) GetByResetHash(ctx context.Context, digest string, now time.Time) (*User, error) {
	return r.getOne(ctx, `password_reset_hash = $1 AND password_reset_expires > $2`, digest, now)
}

func (r *PostgresRepository) Update(ctx context.Context, user *User) error {
	query := `
		UPDATE users SET
			email = $2, password_hash = $3, first_name = $4, last_name = $5, phone = $6,
			role = $7, avatar = $8, is_active = $9, is_email_verified = $10, last_login = $11,
			refresh_token_hash = $12, verification_hash = $13, verification_expires = $14,
			password_reset_hash = $15, password_reset_expires = $16, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName, user.Phone,
		user.Role, user.Avatar, user.IsActive, user.IsEmailVerified, user.LastLogin,
		user.RefreshTokenHash, user.VerificationHash, user.VerificationExpires,
		user.PasswordResetHash, user.PasswordResetExpires,
	).Scan(&user.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return ErrUserNotFound
		}
		if database.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("auth: update user: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, filter UserFilter) ([]*User, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Role != "" {
		args = append(args, filter.Role)
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conds = append(conds, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)", n, n, n))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("auth: count users: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		userColumns, where, len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("auth: list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("auth: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByRole: map[string]int{}}
	rows, err := r.db.Query(ctx, `SELECT role, is_active, COUNT(*) FROM users GROUP BY role, is_active`)
	if err != nil {
		return stats, fmt.Errorf("auth: user stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role   string
			active bool
			count  int
		)
		if err := rows.Scan(&role, &active, &count); err != nil {
			return stats, fmt.Errorf("auth: scan stats: %w", err)
		}
		stats.Total += count
		stats.ByRole[role] += count
		if active {
			stats.Active += count
		} else {
			stats.Inactive += count
		}
	}
	return stats, rows.Err()
}
