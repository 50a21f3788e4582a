package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

type fakeAuthenticator struct {
	user *domain.User
	err  error
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

func authedHandler(t *testing.T, auth Authenticator) (http.Handler, *string) {
	t.Helper()
	var seenOrg string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOrg = orgFrom(r)
		writeMessage(w, http.StatusOK, "ok")
	})
	return RequireAuth(auth, logger.NewTestLogger(t))(next), &seenOrg
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func TestRequireAuthMissingHeader(t *testing.T) {
	handler, _ := authedHandler(t, &fakeAuthenticator{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.ErrCodeNoToken, errorCode(t, rec))
}

func TestRequireAuthMalformedHeader(t *testing.T) {
	handler, _ := authedHandler(t, &fakeAuthenticator{})

	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.ErrCodeInvalidToken, errorCode(t, rec))
}

func TestRequireAuthForwardsServiceCode(t *testing.T) {
	auth := &fakeAuthenticator{
		err: domain.NewAppError(domain.ErrCodeTokenExpired, http.StatusUnauthorized, "token expired"),
	}
	handler, _ := authedHandler(t, auth)

	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.ErrCodeTokenExpired, errorCode(t, rec))
}

func TestRequireAuthStashesUser(t *testing.T) {
	auth := &fakeAuthenticator{user: &domain.User{ID: "user-1", OrgID: "org-1"}}
	handler, seenOrg := authedHandler(t, auth)

	req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org-1", *seenOrg)
}
