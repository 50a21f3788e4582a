package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/mailfold/mailfold/internal/domain"
	"github.com/mailfold/mailfold/pkg/logger"
)

type contextKey string

const authUserKey contextKey = "auth_user"

// Authenticator resolves the user behind a bearer access token. Errors
// carry the stable 401 codes the middleware forwards as-is.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*domain.User, error)
}

// RequireAuth guards the control-plane routes. The authenticated user is
// stashed in the request context for handlers to read via userFrom.
func RequireAuth(auth Authenticator, log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeErrorCode(w, http.StatusUnauthorized, domain.ErrCodeNoToken, "authorization header is required")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, domain.ErrCodeInvalidToken, "invalid authorization header format")
				return
			}

			user, err := auth.Authenticate(r.Context(), parts[1])
			if err != nil {
				if appErr, ok := domain.AsAppError(err); ok {
					writeErrorCode(w, appErr.HTTPStatus, appErr.Code, appErr.Message)
					return
				}
				log.WithField("error", err.Error()).Error("authentication failed")
				writeErrorCode(w, http.StatusInternalServerError, domain.ErrCodeInternal, "internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), authUserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userFrom returns the authenticated user placed by RequireAuth.
func userFrom(r *http.Request) *domain.User {
	user, _ := r.Context().Value(authUserKey).(*domain.User)
	return user
}

// orgFrom returns the authenticated user's organization id.
func orgFrom(r *http.Request) string {
	if user := userFrom(r); user != nil {
		return user.OrgID
	}
	return ""
}
