// Package local is an in-process identity provider for development. Accounts,
// refresh sessions and the current session are kept in one storage entry.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/coursecraft/services/learner/internal/session"
	"github.com/example/coursecraft/services/learner/internal/store"
)

const (
	DefaultKey = "coursecraft.local-auth"
	issuer     = "coursecraft-local"

	minPasswordLen = 8
)

var (
	ErrInvalidEmail       = errors.New("local auth: invalid email")
	ErrWeakPassword       = errors.New("local auth: password too short")
	ErrUserExists         = errors.New("local auth: user already exists")
	ErrInvalidCredentials = errors.New("local auth: invalid credentials")
	ErrInvalidRefresh     = errors.New("local auth: invalid refresh token")
	ErrNoSession          = errors.New("local auth: no session")
)

type Config struct {
	Secret          []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Key             string
}

type account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type refreshSession struct {
	UserID    string     `json:"user_id"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type state struct {
	Users   map[string]account        `json:"users"`
	Refresh map[string]refreshSession `json:"refresh_sessions"`
	Current *session.Session          `json:"current,omitempty"`
}

type Provider struct {
	session.Broadcaster

	storage store.Storage
	tokens  tokenService
	key     string
	log     *zap.Logger
	now     func() time.Time
	cost    int

	mu sync.Mutex
}

var (
	_ session.Provider         = (*Provider)(nil)
	_ session.PasswordProvider = (*Provider)(nil)
)

func New(cfg Config, storage store.Storage, log *zap.Logger) (*Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("local auth requires a jwt secret")
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		storage: storage,
		tokens:  tokenService{Secret: cfg.Secret, AccessTokenTTL: cfg.AccessTokenTTL, RefreshTokenTTL: cfg.RefreshTokenTTL},
		key:     cfg.Key,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		cost:    bcrypt.DefaultCost,
	}, nil
}

// SignUp creates an account and signs it in.
func (p *Provider) SignUp(ctx context.Context, email, password string) (*session.Session, error) {
	p.mu.Lock()
	st, u, err := p.createLocked(ctx, email, password)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	sess, err := p.issueLocked(ctx, st, u)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.log.Info("local auth: account created", zap.String("user_id", u.ID))
	p.Emit(session.EventSignedIn, sess)
	return sess, nil
}

// EnsureUser creates the account without signing it in. An existing account
// is left untouched.
func (p *Provider) EnsureUser(ctx context.Context, email, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, u, err := p.createLocked(ctx, email, password)
	if errors.Is(err, ErrUserExists) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.save(ctx, st); err != nil {
		return err
	}
	p.log.Info("local auth: bootstrap account created", zap.String("user_id", u.ID))
	return nil
}

func (p *Provider) createLocked(ctx context.Context, email, password string) (*state, account, error) {
	email = strings.TrimSpace(email)
	if !isValidEmail(email) {
		return nil, account{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return nil, account{}, ErrWeakPassword
	}
	st, err := p.load(ctx)
	if err != nil {
		return nil, account{}, err
	}
	login := strings.ToLower(email)
	if _, ok := st.Users[login]; ok {
		return nil, account{}, ErrUserExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, account{}, err
	}
	u := account{ID: uuid.NewString(), Email: email, Role: "authenticated", PasswordHash: string(hash), CreatedAt: p.now()}
	st.Users[login] = u
	return st, u, nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*session.Session, error) {
	login := strings.ToLower(strings.TrimSpace(email))
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	p.mu.Lock()
	st, err := p.load(ctx)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	u, ok := st.Users[login]
	if !ok || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		p.mu.Unlock()
		return nil, ErrInvalidCredentials
	}
	if st.Current != nil {
		p.revokeLocked(st, st.Current.RefreshToken)
	}
	sess, err := p.issueLocked(ctx, st, u)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.Emit(session.EventSignedIn, sess)
	return sess, nil
}

// GetSession returns the current session, refreshing it first when the
// access token has expired or no longer verifies. It returns nil when nobody is signed in.
func (p *Provider) GetSession(ctx context.Context) (*session.Session, error) {
	p.mu.Lock()
	st, err := p.load(ctx)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	cur := st.Current
	p.mu.Unlock()

	if cur == nil {
		return nil, nil
	}
	if p.now().Before(cur.ExpiresAt) && p.tokens.verify(cur.AccessToken, p.now) == nil {
		out := *cur
		out.ExpiresIn = int(cur.ExpiresAt.Sub(p.now()) / time.Second)
		return &out, nil
	}
	return p.RefreshSession(ctx)
}

// RefreshSession rotates the current refresh token and issues a new access
// token. The old refresh token is revoked.
func (p *Provider) RefreshSession(ctx context.Context) (*session.Session, error) {
	p.mu.Lock()
	st, err := p.load(ctx)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if st.Current == nil || st.Current.RefreshToken == "" {
		p.mu.Unlock()
		return nil, ErrNoSession
	}
	hash := sha256Hex(st.Current.RefreshToken)
	rs, ok := st.Refresh[hash]
	now := p.now()
	if !ok || rs.RevokedAt != nil || now.After(rs.ExpiresAt) {
		st.Current = nil
		if err := p.save(ctx, st); err != nil {
			p.log.Warn("local auth: forget rejected session", zap.Error(err))
		}
		p.mu.Unlock()
		return nil, ErrInvalidRefresh
	}
	u, ok := p.userByID(st, rs.UserID)
	if !ok {
		p.mu.Unlock()
		return nil, ErrInvalidRefresh
	}
	p.revokeLocked(st, st.Current.RefreshToken)
	sess, err := p.issueLocked(ctx, st, u)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.Emit(session.EventTokenRefreshed, sess)
	return sess, nil
}

// SignOut revokes the current refresh token and forgets the session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	st, err := p.load(ctx)
	if err == nil {
		if st.Current != nil {
			p.revokeLocked(st, st.Current.RefreshToken)
		}
		st.Current = nil
		err = p.save(ctx, st)
	}
	p.mu.Unlock()
	p.Emit(session.EventSignedOut, nil)
	return err
}

func (p *Provider) issueLocked(ctx context.Context, st *state, u account) (*session.Session, error) {
	now := p.now()
	access, exp, err := p.tokens.newAccessToken(u, now)
	if err != nil {
		return nil, err
	}
	raw, hash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	st.Refresh[hash] = refreshSession{UserID: u.ID, ExpiresAt: now.Add(p.tokens.RefreshTokenTTL)}
	sess := &session.Session{
		AccessToken:  access,
		RefreshToken: raw,
		TokenType:    "bearer",
		ExpiresIn:    int(p.tokens.AccessTokenTTL / time.Second),
		ExpiresAt:    exp,
		User:         session.User{ID: u.ID, Email: u.Email, Role: u.Role},
	}
	st.Current = sess
	if err := p.save(ctx, st); err != nil {
		return nil, err
	}
	out := *sess
	return &out, nil
}

func (p *Provider) revokeLocked(st *state, raw string) {
	hash := sha256Hex(raw)
	if rs, ok := st.Refresh[hash]; ok && rs.RevokedAt == nil {
		now := p.now()
		rs.RevokedAt = &now
		st.Refresh[hash] = rs
	}
	p.pruneLocked(st)
}

// pruneLocked drops refresh sessions that can no longer be used.
func (p *Provider) pruneLocked(st *state) {
	now := p.now()
	for h, rs := range st.Refresh {
		if rs.RevokedAt != nil || now.After(rs.ExpiresAt) {
			delete(st.Refresh, h)
		}
	}
}

func (p *Provider) userByID(st *state, id string) (account, bool) {
	for _, u := range st.Users {
		if u.ID == id {
			return u, true
		}
	}
	return account{}, false
}

func (p *Provider) load(ctx context.Context) (*state, error) {
	st := &state{Users: map[string]account{}, Refresh: map[string]refreshSession{}}
	raw, err := p.storage.Get(ctx, p.key)
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load local auth state: %w", err)
	}
	if err := json.Unmarshal(raw, st); err != nil {
		p.log.Warn("local auth: stored state is corrupt, starting empty", zap.Error(err))
		return &state{Users: map[string]account{}, Refresh: map[string]refreshSession{}}, nil
	}
	if st.Users == nil {
		st.Users = map[string]account{}
	}
	if st.Refresh == nil {
		st.Refresh = map[string]refreshSession{}
	}
	return st, nil
}

func (p *Provider) save(ctx context.Context, st *state) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := p.storage.Set(ctx, p.key, b); err != nil {
		return fmt.Errorf("save local auth state: %w", err)
	}
	return nil
}

func isValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
