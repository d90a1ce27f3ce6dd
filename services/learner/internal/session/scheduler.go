package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the scheduler's view of the user's sign-in status.
type State int

const (
	StateUninitialized State = iota
	StateChecking
	StateAuthenticated
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateAuthenticated:
		return "authenticated"
	case StateAnonymous:
		return "anonymous"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateUninitialized, StateChecking, StateAuthenticated, StateAnonymous} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Snapshot is a copy of the scheduler's observable fields.
type Snapshot struct {
	State          State      `json:"state"`
	User           *User      `json:"user"`
	Session        *Session   `json:"session"`
	IsLoading      bool       `json:"is_loading"`
	ShowLoginModal bool       `json:"show_login_modal"`
	RenewalAt      *time.Time `json:"renewal_at,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock and timers, for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// Scheduler tracks the current session and keeps it renewed. Construct one
// per process, call Initialize once, and Close on shutdown.
type Scheduler struct {
	provider Provider
	clock    Clock
	log      *zap.Logger
	timer    *renewalTimer

	base   context.Context
	cancel context.CancelFunc

	initOnce sync.Once

	mu          sync.Mutex
	state       State
	user        *User
	sess        *Session
	loading     bool
	showLogin   bool
	closed      bool
	epoch       uint64
	unsubscribe func()

	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int
}

// New returns a Scheduler in StateUninitialized. Initialize runs the first
// session check.
func New(p Provider, opts ...Option) *Scheduler {
	s := &Scheduler{
		provider:  p,
		clock:     RealClock,
		log:       zap.NewNop(),
		loading:   true,
		observers: make(map[int]func(Snapshot)),
	}
	for _, o := range opts {
		o(s)
	}
	s.timer = newRenewalTimer(s.clock)
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Initialize subscribes to provider events and resolves the initial state
// from the provider's existing session. Only the first call has any effect.
func (s *Scheduler) Initialize(ctx context.Context) {
	s.initOnce.Do(func() { s.initialize(ctx) })
}

func (s *Scheduler) initialize(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateChecking
	s.mu.Unlock()
	s.emit()

	unsub := s.provider.OnAuthStateChange(s.handleEvent)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()

	ctx, done := s.bind(ctx)
	defer done()
	sess, err := s.provider.GetSession(ctx)
	if err != nil {
		s.log.Warn("session: initial lookup failed", zap.Error(err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// An event delivered during the lookup already decided the state.
	if s.state == StateChecking {
		if err == nil && sess != nil {
			s.applyLocked(sess, true)
		} else {
			s.clearLocked()
		}
	}
	s.loading = false
	state := s.state
	s.mu.Unlock()

	s.log.Info("session: initialized", zap.Stringer("state", state))
	s.emit()
}

// Refresh asks the provider for a fresh token. On success the renewal chain
// continues at 75% of the new lifetime; on failure the session is dropped,
// the login prompt is raised and nothing is rescheduled.
func (s *Scheduler) Refresh(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.mu.Unlock()

	ctx, done := s.bind(ctx)
	defer done()
	sess, err := s.provider.RefreshSession(ctx)

	s.mu.Lock()
	// Signed out or torn down while the request was in flight.
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if err != nil || sess == nil {
		s.clearLocked()
		s.showLogin = true
		s.mu.Unlock()
		s.log.Warn("session: renewal failed, sign-in required", zap.Error(err))
		s.emit()
		return
	}
	s.applyLocked(sess, true)
	s.mu.Unlock()
	s.log.Debug("session: renewed", zap.Duration("next_in", RenewalDelay(sess)))
	s.emit()
}

// SignOut cancels the pending renewal, signs out at the provider and clears
// the local session. A provider failure is logged; local state is cleared
// regardless.
func (s *Scheduler) SignOut(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.timer.Cancel()
	s.epoch++
	s.mu.Unlock()

	if err := s.provider.SignOut(ctx); err != nil {
		s.log.Warn("session: provider sign-out failed", zap.Error(err))
	}

	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
	s.emit()
}

// SignIn signs in with a password when the provider supports it.
func (s *Scheduler) SignIn(ctx context.Context, email, password string) error {
	pp, ok := s.provider.(PasswordProvider)
	if !ok {
		return ErrSignInUnsupported
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	ctx, done := s.bind(ctx)
	defer done()
	sess, err := pp.SignInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.applyLocked(sess, true)
	s.showLogin = false
	s.mu.Unlock()
	s.emit()
	return nil
}

// Close cancels the pending renewal and any in-flight provider call and
// unsubscribes from provider events. Events arriving afterwards are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.timer.Cancel()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	s.cancel()
	if unsub != nil {
		unsub()
	}
}

func (s *Scheduler) handleEvent(ev Event, sess *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch ev {
	case EventSignedIn, EventTokenRefreshed:
		if sess == nil {
			s.mu.Unlock()
			return
		}
		s.applyLocked(sess, true)
		if ev == EventSignedIn {
			s.showLogin = false
		}
	case EventUserUpdated:
		if sess == nil || s.sess == nil {
			s.mu.Unlock()
			return
		}
		s.applyLocked(sess, false)
	case EventSignedOut:
		s.clearLocked()
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.log.Debug("session: provider event", zap.String("event", string(ev)))
	s.emit()
}

func (s *Scheduler) applyLocked(sess *Session, reschedule bool) {
	cp := *sess
	u := cp.User
	s.sess = &cp
	s.user = &u
	s.state = StateAuthenticated
	if reschedule {
		s.timer.Reschedule(RenewalDelay(&cp), s.renew)
	}
}

func (s *Scheduler) clearLocked() {
	s.timer.Cancel()
	s.epoch++
	s.sess = nil
	s.user = nil
	s.state = StateAnonymous
}

func (s *Scheduler) renew() { s.Refresh(s.base) }

// bind derives a context that is also cancelled by Close.
func (s *Scheduler) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// SetShowLoginModal sets the login-prompt gate flag.
func (s *Scheduler) SetShowLoginModal(show bool) {
	s.mu.Lock()
	changed := s.showLogin != show
	s.showLogin = show
	s.mu.Unlock()
	if changed {
		s.emit()
	}
}

// RequestLogin raises the login-prompt gate flag.
func (s *Scheduler) RequestLogin() { s.SetShowLoginModal(true) }

// UserID returns the signed-in user's id.
func (s *Scheduler) UserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return "", false
	}
	return s.user.ID, true
}

// AccessToken returns the current access token, if signed in.
func (s *Scheduler) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return "", false
	}
	return s.sess.AccessToken, true
}

// Snapshot returns a copy of the current state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:          s.state,
		IsLoading:      s.loading,
		ShowLoginModal: s.showLogin,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	if s.sess != nil {
		cp := *s.sess
		snap.Session = &cp
	}
	s.mu.Unlock()

	if at, ok := s.timer.Pending(); ok {
		snap.RenewalAt = &at
	}
	return snap
}

// Subscribe registers fn for state changes. fn runs after the scheduler's
// lock is released.
func (s *Scheduler) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Scheduler) emit() {
	s.obsMu.Lock()
	if len(s.observers) == 0 {
		s.obsMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
