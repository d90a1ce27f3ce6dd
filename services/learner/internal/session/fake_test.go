package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// pending returns the delays of timers that have neither fired nor stopped.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// Advance moves time forward and runs due timers in order, outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// fireStopped runs a timer's callback even though it was stopped, as happens
// when Stop races with an already-started time.AfterFunc callback.
func (c *fakeClock) fireStopped(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

var errNetwork = errors.New("network unreachable")

type fakeProvider struct {
	mu         sync.Mutex
	current    *Session
	getErr     error
	refreshes  []*Session
	refreshErr error
	signOutErr error

	getCalls, refreshCalls, signOutCalls int
	handlers                             map[int]func(Event, *Session)
	nextHandler                          int
}

func newFakeProvider(current *Session) *fakeProvider {
	return &fakeProvider{current: current, handlers: make(map[int]func(Event, *Session))}
}

func (p *fakeProvider) GetSession(context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	return p.current, p.getErr
}

func (p *fakeProvider) RefreshSession(context.Context) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	if len(p.refreshes) == 0 {
		return nil, errors.New("no refresh scripted")
	}
	next := p.refreshes[0]
	p.refreshes = p.refreshes[1:]
	p.current = next
	return next, nil
}

func (p *fakeProvider) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOutCalls++
	if p.signOutErr != nil {
		return p.signOutErr
	}
	p.current = nil
	return nil
}

func (p *fakeProvider) OnAuthStateChange(fn func(Event, *Session)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextHandler
	p.nextHandler++
	p.handlers[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *fakeProvider) emit(ev Event, s *Session) {
	p.mu.Lock()
	fns := make([]func(Event, *Session), 0, len(p.handlers))
	for _, fn := range p.handlers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev, s)
	}
}

func (p *fakeProvider) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

type passwordProvider struct {
	*fakeProvider
	sess *Session
	err  error
}

func (p *passwordProvider) SignInWithPassword(_ context.Context, email, _ string) (*Session, error) {
	if p.err != nil {
		return nil, p.err
	}
	s := *p.sess
	s.User.Email = email
	return &s, nil
}

func sessionFor(userID string, expiresIn int) *Session {
	return &Session{
		AccessToken:  "at-" + userID,
		RefreshToken: "rt-" + userID,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		User:         User{ID: userID, Email: userID + "@example.com"},
	}
}
