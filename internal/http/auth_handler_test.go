package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

type fakeAuthService struct {
	AuthService

	user *domain.User
	pair *domain.TokenPair
	err  error

	refreshedWith string
}

func (f *fakeAuthService) Login(ctx context.Context, email, password string) (*domain.User, *domain.TokenPair, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.user, f.pair, nil
}

func (f *fakeAuthService) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	f.refreshedWith = refreshToken
	if f.err != nil {
		return nil, f.err
	}
	return f.pair, nil
}

func (f *fakeAuthService) Me(ctx context.Context, userID string) (*domain.User, error) {
	return f.user, nil
}

func newAuthRouter(t *testing.T, service *fakeAuthService) *chi.Mux {
	t.Helper()
	r := chi.NewRouter()
	NewAuthHandler(service, false, 7*24*time.Hour, logger.NewTestLogger(t)).RegisterPublicRoutes(r)
	return r
}

func refreshCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	return nil
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	service := &fakeAuthService{
		user: &domain.User{ID: "user-1", OrgID: "org-1", Email: "ada@example.com"},
		pair: &domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 900},
	}
	router := newAuthRouter(t, service)

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"ada@example.com","password":"secret123"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access-1")
	assert.NotContains(t, rec.Body.String(), "refresh-1")

	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, "refresh-1", cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), cookie.MaxAge)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	service := &fakeAuthService{
		err: domain.NewAppError(domain.ErrCodeInvalidCredentials, http.StatusUnauthorized, "invalid email or password"),
	}
	router := newAuthRouter(t, service)

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"ada@example.com","password":"wrong"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.ErrCodeInvalidCredentials, errorCode(t, rec))
	assert.Nil(t, refreshCookie(rec))
}

func TestRefreshRequiresCookie(t *testing.T) {
	router := newAuthRouter(t, &fakeAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.ErrCodeNoToken, errorCode(t, rec))
}

func TestRefreshRotatesTokens(t *testing.T) {
	service := &fakeAuthService{
		pair: &domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresIn: 900},
	}
	router := newAuthRouter(t, service)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: refreshCookieName, Value: "refresh-1"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refresh-1", service.refreshedWith)
	assert.Contains(t, rec.Body.String(), "access-2")

	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, "refresh-2", cookie.Value)
}

func TestLogoutClearsCookie(t *testing.T) {
	router := newAuthRouter(t, &fakeAuthService{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	cookie := refreshCookie(rec)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
}
