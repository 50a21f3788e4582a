package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

// Default token lifetimes, overridable from configuration.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// AuthConfig carries the token secrets and lifetimes.
type AuthConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

func (c *AuthConfig) withDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTokenTTL
	}
}

// authClaims is the JWT payload for both token kinds.
type authClaims struct {
	OrgID     string `json:"org_id"`
	TokenType string `json:"token_type"` // access | refresh
	jwt.RegisteredClaims
}

// AuthService issues and verifies access/refresh tokens and owns the
// signup/login/password flows. Tokens issued before a password change are
// rejected through the iat vs PasswordChangedAt comparison.
type AuthService struct {
	users  domain.UserRepository
	orgs   domain.OrganizationRepository
	config AuthConfig
	logger logger.Logger
}

func NewAuthService(users domain.UserRepository, orgs domain.OrganizationRepository, config AuthConfig, log logger.Logger) *AuthService {
	config.withDefaults()
	return &AuthService{
		users:  users,
		orgs:   orgs,
		config: config,
		logger: log,
	}
}

// Signup creates the organization and its first user, then issues tokens.
func (s *AuthService) Signup(ctx context.Context, email, password, name, orgName string) (*domain.User, *domain.TokenPair, error) {
	if len(password) < 8 {
		return nil, nil, domain.NewValidationError("password must be at least 8 characters", "password")
	}
	user := &domain.User{Email: email, Name: name}
	if err := user.Validate(); err != nil {
		return nil, nil, err
	}
	if _, err := s.users.GetByEmail(ctx, user.Email); err == nil {
		return nil, nil, domain.NewAppError(domain.ErrCodeEmailExists, http.StatusConflict, "email already registered")
	} else if !domain.IsNotFound(err) {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	org := &domain.Organization{
		ID:        uuid.NewString(),
		Name:      orgName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := org.Validate(); err != nil {
		return nil, nil, err
	}
	if err := s.orgs.Create(ctx, org); err != nil {
		return nil, nil, err
	}

	user.ID = uuid.NewString()
	user.OrgID = org.ID
	user.PasswordHash = string(hash)
	user.Active = true
	user.CreatedAt = now
	user.UpdatedAt = now
	if err := s.users.Create(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.issueTokens(user)
	if err != nil {
		return nil, nil, err
	}
	s.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"org_id":  org.ID,
	}).Info("user signed up")
	return user, pair, nil
}

// Login verifies credentials and issues a fresh token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.User, *domain.TokenPair, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil, invalidCredentials()
		}
		return nil, nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, invalidCredentials()
	}
	if !user.Active {
		return nil, nil, domain.NewAppError(domain.ErrCodeAccountInactive, http.StatusUnauthorized, "account is inactive")
	}
	pair, err := s.issueTokens(user)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	user, err := s.verify(ctx, refreshToken, "refresh", s.config.RefreshSecret)
	if err != nil {
		return nil, err
	}
	return s.issueTokens(user)
}

// Authenticate resolves the user behind an access token. The middleware
// maps the returned AppError codes onto the 401 envelope.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*domain.User, error) {
	return s.verify(ctx, accessToken, "access", s.config.AccessSecret)
}

// ChangePassword re-verifies the current password and stores a new hash.
// PasswordChangedAt invalidates every token issued before this call.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return domain.NewValidationError("password must be at least 8 characters", "password")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return invalidCredentials()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.PasswordHash = string(hash)
	user.PasswordChangedAt = &now
	user.UpdatedAt = now
	return s.users.Update(ctx, user)
}

// Me returns the authenticated user's record.
func (s *AuthService) Me(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

// VerificationToken issues the short-lived token embedded in the
// verification email link.
func (s *AuthService) VerificationToken(user *domain.User) (string, error) {
	return s.sign(user, "verify", s.config.RefreshSecret, 24*time.Hour)
}

// VerifyEmail consumes a verification token and marks the address verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	user, err := s.verify(ctx, token, "verify", s.config.RefreshSecret)
	if err != nil {
		return err
	}
	if user.EmailVerified {
		return nil
	}
	user.EmailVerified = true
	user.UpdatedAt = time.Now().UTC()
	return s.users.Update(ctx, user)
}

// RequestPasswordReset issues a reset token for the address. Unknown
// addresses return an empty token with no error so the endpoint cannot be
// used to probe for accounts.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.users.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if domain.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return s.sign(user, "reset", s.config.RefreshSecret, time.Hour)
}

// ResetPassword consumes a reset token and stores the new password hash.
// Every previously issued token is invalidated through PasswordChangedAt.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return domain.NewValidationError("password must be at least 8 characters", "password")
	}
	user, err := s.verify(ctx, token, "reset", s.config.RefreshSecret)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.PasswordHash = string(hash)
	user.PasswordChangedAt = &now
	user.UpdatedAt = now
	return s.users.Update(ctx, user)
}

func (s *AuthService) issueTokens(user *domain.User) (*domain.TokenPair, error) {
	access, err := s.sign(user, "access", s.config.AccessSecret, s.config.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(user, "refresh", s.config.RefreshSecret, s.config.RefreshTTL)
	if err != nil {
		return nil, err
	}
	return &domain.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.config.AccessTTL.Seconds()),
	}, nil
}

func (s *AuthService) sign(user *domain.User, tokenType string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := authClaims{
		OrgID:     user.OrgID,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *AuthService) verify(ctx context.Context, tokenString, wantType string, secret []byte) (*domain.User, error) {
	var claims authClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.NewAppError(domain.ErrCodeTokenExpired, http.StatusUnauthorized, "token expired")
		}
		return nil, invalidToken()
	}
	if !token.Valid || claims.TokenType != wantType {
		return nil, invalidToken()
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.NewAppError(domain.ErrCodeUserNotFound, http.StatusUnauthorized, "user not found")
		}
		return nil, err
	}
	if !user.Active {
		return nil, domain.NewAppError(domain.ErrCodeAccountInactive, http.StatusUnauthorized, "account is inactive")
	}
	if user.PasswordChangedAt != nil && claims.IssuedAt != nil &&
		claims.IssuedAt.Time.Before(*user.PasswordChangedAt) {
		return nil, domain.NewAppError(domain.ErrCodePasswordChanged, http.StatusUnauthorized, "password changed, log in again")
	}
	return user, nil
}

func invalidCredentials() error {
	return domain.NewAppError(domain.ErrCodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password")
}

func invalidToken() error {
	return domain.NewAppError(domain.ErrCodeInvalidToken, http.StatusUnauthorized, "invalid token")
}
