// Package gotrue is a session.Provider backed by the Supabase GoTrue REST API.
// The current session is persisted under one storage key so a restarted
// process picks it up again.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/coursecraft/internal/platform/auth"
	"github.com/example/coursecraft/services/learner/internal/session"
	"github.com/example/coursecraft/services/learner/internal/store"
)

const (
	DefaultKey = "coursecraft.auth-token"

	// expiryMargin treats a token this close to expiry as already expired.
	expiryMargin = 10 * time.Second
)

var ErrNoSession = errors.New("gotrue: no session")

// APIError is a non-2xx GoTrue response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gotrue: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gotrue: %d: %s", e.Status, e.Message)
}

type Config struct {
	URL     string
	AnonKey string
	Key     string
	// RequestsPerSecond limits outbound calls; 0 means 5/s.
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

type Client struct {
	session.Broadcaster

	base    *url.URL
	anonKey string
	key     string
	http    *http.Client
	limiter *rate.Limiter
	storage store.Storage
	log     *zap.Logger
	now     func() time.Time

	// refreshMu serialises refresh-token grants; a refresh token is single use.
	refreshMu sync.Mutex
}

var (
	_ session.Provider         = (*Client)(nil)
	_ session.PasswordProvider = (*Client)(nil)
)

func New(cfg Config, storage store.Storage, log *zap.Logger) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if raw == "" {
		return nil, errors.New("gotrue: url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gotrue: invalid url %q", cfg.URL)
	}
	if strings.TrimSpace(cfg.AnonKey) == "" {
		return nil, errors.New("gotrue: anon key is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:    base,
		anonKey: strings.TrimSpace(cfg.AnonKey),
		key:     cfg.Key,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		storage: storage,
		log:     log,
		now:     time.Now,
	}, nil
}

// tokenResponse is GoTrue's session payload; it is also the persisted form.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         *wireUser `json:"user,omitempty"`
}

type wireUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	tr, err := c.grant(ctx, "password", body)
	if err != nil {
		return nil, err
	}
	sess, err := c.persist(ctx, tr)
	if err != nil {
		return nil, err
	}
	c.Emit(session.EventSignedIn, sess)
	return sess, nil
}

// GetSession returns the persisted session, refreshing it first when the
// access token is about to expire. It returns nil when nothing is stored.
func (c *Client) GetSession(ctx context.Context) (*session.Session, error) {
	tr, err := c.stored(ctx)
	if err != nil || tr == nil {
		return nil, err
	}
	sess := c.toSession(tr)
	if c.now().Add(expiryMargin).Before(sess.ExpiresAt) {
		sess.ExpiresIn = int(sess.ExpiresAt.Sub(c.now()) / time.Second)
		return sess, nil
	}
	return c.RefreshSession(ctx)
}

// RefreshSession exchanges the stored refresh token for a new session. A
// rejected refresh token removes the stored session.
func (c *Client) RefreshSession(ctx context.Context) (*session.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	tr, err := c.stored(ctx)
	if err != nil {
		return nil, err
	}
	if tr == nil || tr.RefreshToken == "" {
		return nil, ErrNoSession
	}
	next, err := c.grant(ctx, "refresh_token", map[string]string{"refresh_token": tr.RefreshToken})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			c.forget(ctx)
		}
		return nil, err
	}
	if next.User == nil {
		next.User = tr.User
	}
	sess, err := c.persist(ctx, next)
	if err != nil {
		return nil, err
	}
	c.Emit(session.EventTokenRefreshed, sess)
	return sess, nil
}

// SignOut revokes the session at GoTrue. The stored session is removed and
// SIGNED_OUT is emitted even when the call fails.
func (c *Client) SignOut(ctx context.Context) error {
	tr, err := c.stored(ctx)
	if err == nil && tr != nil && tr.AccessToken != "" {
		err = c.do(ctx, http.MethodPost, "/auth/v1/logout", tr.AccessToken, nil, nil)
	}
	c.forget(ctx)
	c.Emit(session.EventSignedOut, nil)
	return err
}

func (c *Client) grant(ctx context.Context, grantType string, body any) (*tokenResponse, error) {
	var tr tokenResponse
	path := "/auth/v1/token?grant_type=" + url.QueryEscape(grantType)
	if err := c.do(ctx, http.MethodPost, path, "", body, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, errors.New("gotrue: response has no access token")
	}
	return &tr, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gotrue: decode response: %w", err)
	}
	return nil
}

// decodeError understands both GoTrue error shapes: the OAuth style
// {"error","error_description"} and the newer {"code","error_code","msg"}.
func decodeError(status int, raw []byte) error {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	e := &APIError{Status: status}
	e.Code = firstNonEmpty(body.ErrorCode, body.Error)
	e.Message = firstNonEmpty(body.ErrorDescription, body.Msg, body.Message, http.StatusText(status))
	return e
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (c *Client) stored(ctx context.Context) (*tokenResponse, error) {
	raw, err := c.storage.Get(ctx, c.key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gotrue: read stored session: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil || tr.AccessToken == "" {
		c.log.Warn("gotrue: stored session is unreadable, discarding", zap.Error(err))
		c.forget(ctx)
		return nil, nil
	}
	return &tr, nil
}

func (c *Client) persist(ctx context.Context, tr *tokenResponse) (*session.Session, error) {
	sess := c.toSession(tr)
	tr.ExpiresAt = sess.ExpiresAt.Unix()
	if tr.User == nil {
		tr.User = &wireUser{ID: sess.User.ID, Email: sess.User.Email, Role: sess.User.Role}
	}
	b, err := json.Marshal(tr)
	if err != nil {
		return nil, err
	}
	if err := c.storage.Set(ctx, c.key, b); err != nil {
		return nil, fmt.Errorf("gotrue: store session: %w", err)
	}
	return sess, nil
}

func (c *Client) forget(ctx context.Context) {
	if err := c.storage.Remove(ctx, c.key); err != nil {
		c.log.Warn("gotrue: remove stored session failed", zap.Error(err))
	}
}

// toSession fills user and expiry from the access token claims when the
// payload leaves them out. With no expiry anywhere the session is taken to
// last session.FallbackLifetime from now.
func (c *Client) toSession(tr *tokenResponse) *session.Session {
	sess := &session.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
	}
	if tr.User != nil {
		sess.User = session.User{ID: tr.User.ID, Email: tr.User.Email, Role: tr.User.Role}
	}
	var claims *auth.Claims
	if sess.User.ID == "" || (tr.ExpiresAt == 0 && tr.ExpiresIn == 0) {
		var err error
		claims, err = auth.ParseUnverified(tr.AccessToken)
		if err != nil {
			c.log.Debug("gotrue: access token claims unreadable", zap.Error(err))
		}
	}
	if sess.User.ID == "" && claims != nil {
		sess.User = session.User{ID: claims.Subject, Email: claims.Email, Role: claims.Role}
	}
	switch {
	case tr.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		sess.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	case claims != nil && claims.ExpiresAt != nil:
		sess.ExpiresAt = claims.ExpiresAt.Time.UTC()
		if sess.ExpiresIn == 0 && claims.IssuedAt != nil {
			sess.ExpiresIn = int(claims.ExpiresAt.Sub(claims.IssuedAt.Time) / time.Second)
		}
	default:
		// Unknown expiry: assume the fallback lifetime rather than
		// refreshing on every read.
		sess.ExpiresAt = c.now().Add(session.FallbackLifetime).UTC()
	}
	return sess
}
