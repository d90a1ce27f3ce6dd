// Package session keeps the learner's authentication session alive. It asks
// the identity provider for an existing session once at startup, follows the
// provider's auth events afterwards, and renews the access token before it
// expires.
package session

import (
	"context"
	"errors"
	"time"
)

// FallbackLifetime is assumed when the provider does not report a token lifetime.
const FallbackLifetime = 3600 * time.Second

// User is the signed-in identity attached to a Session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Session is a bearer token pair issued by the auth provider.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	// ExpiresIn is the token lifetime in seconds; 0 when unknown.
	ExpiresIn int       `json:"expires_in,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	User      User      `json:"user"`
}

// Lifetime is the reported token lifetime, or FallbackLifetime when absent.
func (s *Session) Lifetime() time.Duration {
	if s == nil || s.ExpiresIn <= 0 {
		return FallbackLifetime
	}
	return time.Duration(s.ExpiresIn) * time.Second
}

// RenewalDelay is how long to wait before renewing s: 75% of its lifetime.
func RenewalDelay(s *Session) time.Duration {
	return s.Lifetime() * 3 / 4
}

// Event is an auth state change reported by a Provider.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Provider is the external identity provider. Every call may fail.
type Provider interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers fn for auth events. Handlers may be called
	// from inside the provider's own methods.
	OnAuthStateChange(fn func(Event, *Session)) (unsubscribe func())
}

// PasswordProvider is implemented by providers that can sign in with an
// email and password.
type PasswordProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
}

var (
	ErrSignInUnsupported = errors.New("session: provider does not support password sign-in")
	ErrClosed            = errors.New("session: scheduler closed")
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the renewal timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}
