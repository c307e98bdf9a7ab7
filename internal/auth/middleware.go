package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

// Middleware is the auth gate for protected routes. It accepts the access
// token from the accessToken cookie or an "Authorization: Bearer" header and
// attaches the resolved Profile to the request context.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := accessTokenFrom(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}

		user, err := service.Authenticate(r.Context(), tokenStr)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
				return
			}
			writeServiceError(w, err)
			return
		}

		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.Scope().SetUser(sentry.User{ID: user.ID, Username: user.Username})
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func accessTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		if value := strings.TrimSpace(cookie.Value); value != "" {
			return value
		}
	}

	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
