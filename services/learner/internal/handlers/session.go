package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/example/coursecraft/internal/platform/api"
	"github.com/example/coursecraft/internal/platform/httpserver"
	"github.com/example/coursecraft/services/learner/internal/session"
)

// SessionService is the part of the session scheduler the API exposes.
type SessionService interface {
	Snapshot() session.Snapshot
	Refresh(ctx context.Context)
	SignOut(ctx context.Context)
	SignIn(ctx context.Context, email, password string) error
	SetShowLoginModal(show bool)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginPromptRequest struct {
	Show bool `json:"show"`
}

// publicSnapshot hides the refresh token; only the access token leaves the process.
func publicSnapshot(s session.Snapshot) session.Snapshot {
	if s.Session != nil {
		cp := *s.Session
		cp.RefreshToken = ""
		s.Session = &cp
	}
	return s
}

func GetSession(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, publicSnapshot(svc.Snapshot()))
	}
}

// RefreshSession triggers a renewal. Failure is reported through the
// returned state, not the status code.
func RefreshSession(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.Refresh(r.Context())
		api.WriteJSON(w, http.StatusOK, publicSnapshot(svc.Snapshot()))
	}
}

func SignOut(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.SignOut(r.Context())
		api.WriteJSON(w, http.StatusOK, publicSnapshot(svc.Snapshot()))
	}
}

func SignIn(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req loginRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if strings.TrimSpace(req.Email) == "" {
			api.BadRequest(w, "VALIDATION_EMAIL", "Email is required", rid, map[string]any{"email": "required"})
			return
		}
		if req.Password == "" {
			api.BadRequest(w, "VALIDATION_PASSWORD", "Password is required", rid, map[string]any{"password": "required"})
			return
		}
		err := svc.SignIn(r.Context(), req.Email, req.Password)
		switch {
		case err == nil:
			api.WriteJSON(w, http.StatusOK, publicSnapshot(svc.Snapshot()))
		case errors.Is(err, session.ErrSignInUnsupported):
			api.NotImplemented(w, "SIGN_IN_UNSUPPORTED", "Provider does not support password sign-in", rid)
		case errors.Is(err, session.ErrClosed):
			api.Unavailable(w, "SHUTTING_DOWN", "Service is shutting down", rid)
		default:
			api.Unauthorized(w, "AUTH_INVALID_CREDENTIALS", "Invalid credentials", rid)
		}
	}
}

func SetLoginPrompt(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req loginPromptRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		svc.SetShowLoginModal(req.Show)
		api.WriteJSON(w, http.StatusOK, publicSnapshot(svc.Snapshot()))
	}
}
