package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/example/coursecraft/internal/platform/api"
)

type requestIDFunc func(context.Context) string

// SessionSource reports the signed-in user and can ask the UI to prompt for sign-in.
type SessionSource interface {
	UserID() (string, bool)
	RequestLogin()
}

// RequireUser gates protected routes on the current session. Anonymous
// requests get 401 and raise the login prompt.
func RequireUser(src SessionSource, rid requestIDFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := src.UserID()
			if !ok || strings.TrimSpace(uid) == "" {
				src.RequestLogin()
				var id string
				if rid != nil {
					id = rid(r.Context())
				}
				api.Unauthorized(w, "AUTH_REQUIRED", "Sign in required", id)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
		})
	}
}
