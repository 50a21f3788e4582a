package domain

import (
	"context"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// User is an account holder inside an organization. Authorization beyond
// membership is handled by collaborating middleware.
type User struct {
	ID           string `json:"id"`
	OrgID        string `json:"org_id"`
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	PasswordHash string `json:"-"`

	EmailVerified bool   `json:"email_verified"`
	Active        bool   `json:"active"`
	// PasswordChangedAt invalidates tokens issued before a password change.
	PasswordChangedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate normalizes and checks the user before persistence.
func (u *User) Validate() error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return NewValidationError("email is required", "email")
	}
	if !govalidator.IsEmail(u.Email) {
		return NewValidationError("invalid email format", "email")
	}
	return nil
}

// TokenPair is issued on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"-"` // set as an HttpOnly cookie, never in the body
	ExpiresIn    int64  `json:"expires_in"`
}

// UserRepository is the datastore contract for users.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	Update(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}
