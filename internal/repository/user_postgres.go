package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mailfold/mailfold/internal/domain"
)

type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new PostgreSQL user repository
func NewUserRepository(db *sql.DB) domain.UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	status := "active"
	if !user.Active {
		status = "inactive"
	}
	var verifiedAt interface{}
	if user.EmailVerified {
		verifiedAt = user.CreatedAt
	}
	query := `
		INSERT INTO users (
			id, org_id, email, name, password_hash, status,
			email_verified_at, password_changed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.OrgID, user.Email, user.Name, user.PasswordHash, status,
		verifiedAt, user.PasswordChangedAt, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return domain.NewAppError(domain.ErrCodeEmailExists, 409, "email already registered")
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	status := "active"
	if !user.Active {
		status = "inactive"
	}
	var verifiedAt interface{}
	if user.EmailVerified {
		verifiedAt = user.UpdatedAt
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			email = $2, name = $3, password_hash = $4, status = $5,
			email_verified_at = COALESCE(email_verified_at, $6),
			password_changed_at = $7, updated_at = NOW()
		WHERE id = $1
	`, user.ID, user.Email, user.Name, user.PasswordHash, status,
		verifiedAt, user.PasswordChangedAt)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRowAffected(result, "user", user.ID)
}

func scanUser(row interface{ Scan(...interface{}) error }) (*domain.User, error) {
	var (
		u          domain.User
		name       sql.NullString
		status     string
		verifiedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.OrgID, &u.Email, &name, &u.PasswordHash, &status,
		&verifiedAt, &u.PasswordChangedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Name = name.String
	u.Active = status == "active"
	u.EmailVerified = verifiedAt.Valid
	return &u, nil
}

const userColumns = `
	id, org_id, email, name, password_hash, status,
	email_verified_at, password_changed_at, created_at, updated_at
`

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, strings.ToLower(email)))
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundError("user", email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}
