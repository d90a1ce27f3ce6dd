package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, p Provider) (*Scheduler, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	s := New(p, WithClock(clk))
	t.Cleanup(s.Close)
	return s, clk
}

func TestRenewalDelay(t *testing.T) {
	assert.Equal(t, 3000*time.Second, RenewalDelay(&Session{ExpiresIn: 4000}))
	assert.Equal(t, 2700*time.Second, RenewalDelay(&Session{ExpiresIn: 3600}))
	assert.Equal(t, 2700*time.Second, RenewalDelay(&Session{}), "missing lifetime assumes an hour")
	assert.Equal(t, 2700*time.Second, RenewalDelay(nil))
}

func TestInitialize_WithSessionSchedulesRenewal(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	s, clk := newTestScheduler(t, p)

	assert.True(t, s.Snapshot().IsLoading)
	s.Initialize(context.Background())

	snap := s.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.False(t, snap.IsLoading)
	require.NotNil(t, snap.User)
	assert.Equal(t, "u1", snap.User.ID)
	assert.Equal(t, []time.Duration{3000 * time.Second}, clk.pending())
	require.NotNil(t, snap.RenewalAt)
	assert.Equal(t, clk.Now().Add(3000*time.Second), *snap.RenewalAt)
}

func TestInitialize_WithoutSession(t *testing.T) {
	p := newFakeProvider(nil)
	s, clk := newTestScheduler(t, p)

	s.Initialize(context.Background())

	snap := s.Snapshot()
	assert.Equal(t, StateAnonymous, snap.State)
	assert.False(t, snap.IsLoading)
	assert.Nil(t, snap.User)
	assert.Nil(t, snap.Session)
	assert.Empty(t, clk.pending())
}

func TestInitialize_LookupErrorIsAnonymous(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.getErr = errNetwork
	s, clk := newTestScheduler(t, p)

	s.Initialize(context.Background())

	assert.Equal(t, StateAnonymous, s.Snapshot().State)
	assert.False(t, s.Snapshot().ShowLoginModal)
	assert.Empty(t, clk.pending())
}

func TestInitialize_RunsOnce(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	s, clk := newTestScheduler(t, p)

	s.Initialize(context.Background())
	s.Initialize(context.Background())

	assert.Equal(t, 1, p.getCalls)
	assert.Equal(t, 1, p.subscribers())
	assert.Len(t, clk.pending(), 1)
}

func TestRenewalChain(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.refreshes = []*Session{sessionFor("u1", 3600)}
	s, clk := newTestScheduler(t, p)

	s.Initialize(context.Background())
	require.Equal(t, []time.Duration{3000 * time.Second}, clk.pending())

	clk.Advance(3000 * time.Second)

	assert.Equal(t, 1, p.refreshCalls)
	assert.Equal(t, []time.Duration{2700 * time.Second}, clk.pending(), "exactly one new timer at 75% of the new lifetime")
	assert.Equal(t, StateAuthenticated, s.Snapshot().State)

	// Advancing to just before the next slot must not renew again.
	clk.Advance(2699 * time.Second)
	assert.Equal(t, 1, p.refreshCalls)
}

func TestRenewal_StaleCallbackIsNoop(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.refreshes = []*Session{sessionFor("u1", 3600)}
	s, clk := newTestScheduler(t, p)
	s.Initialize(context.Background())

	// A token refresh event replaces the first timer before it fires.
	p.emit(EventTokenRefreshed, sessionFor("u1", 2000))
	require.Equal(t, []time.Duration{1500 * time.Second}, clk.pending())

	clk.fireStopped(0)
	assert.Equal(t, 0, p.refreshCalls, "a superseded timer must not renew")
	assert.Len(t, clk.pending(), 1)
}

func TestRenewalFailure_GatesUI(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.refreshErr = errNetwork
	s, clk := newTestScheduler(t, p)
	s.Initialize(context.Background())

	clk.Advance(3000 * time.Second)

	snap := s.Snapshot()
	assert.Nil(t, snap.User)
	assert.Nil(t, snap.Session)
	assert.True(t, snap.ShowLoginModal)
	assert.Equal(t, StateAnonymous, snap.State)
	assert.Empty(t, clk.pending(), "a failed renewal must not reschedule")
	_, ok := s.UserID()
	assert.False(t, ok)
}

func TestManualRefresh(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.refreshes = []*Session{sessionFor("u1", 1200)}
	s, clk := newTestScheduler(t, p)
	s.Initialize(context.Background())

	s.Refresh(context.Background())

	assert.Equal(t, []time.Duration{900 * time.Second}, clk.pending())
	tok, ok := s.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "at-u1", tok)
}

func TestSignOut_CancelsRenewalEvenWhenProviderFails(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.signOutErr = errNetwork
	s, clk := newTestScheduler(t, p)
	s.Initialize(context.Background())
	require.Len(t, clk.pending(), 1)

	s.SignOut(context.Background())

	assert.Equal(t, 1, p.signOutCalls)
	assert.Empty(t, clk.pending())
	snap := s.Snapshot()
	assert.Nil(t, snap.User)
	assert.Nil(t, snap.Session)
	assert.Nil(t, snap.RenewalAt)
	assert.Equal(t, StateAnonymous, snap.State)

	clk.Advance(time.Hour * 2)
	assert.Equal(t, 0, p.refreshCalls)
}

func TestEvents(t *testing.T) {
	p := newFakeProvider(nil)
	s, clk := newTestScheduler(t, p)
	s.Initialize(context.Background())
	s.SetShowLoginModal(true)

	p.emit(EventSignedIn, sessionFor("u2", 4000))
	snap := s.Snapshot()
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.Equal(t, "u2", snap.User.ID)
	assert.False(t, snap.ShowLoginModal, "signing in dismisses the login prompt")
	assert.Equal(t, []time.Duration{3000 * time.Second}, clk.pending())

	p.emit(EventTokenRefreshed, sessionFor("u2", 3600))
	assert.Equal(t, []time.Duration{2700 * time.Second}, clk.pending())

	updated := sessionFor("u2", 3600)
	updated.User.Email = "new@example.com"
	p.emit(EventUserUpdated, updated)
	assert.Equal(t, "new@example.com", s.Snapshot().User.Email)
	assert.Equal(t, []time.Duration{2700 * time.Second}, clk.pending())

	p.emit(EventSignedOut, nil)
	assert.Equal(t, StateAnonymous, s.Snapshot().State)
	assert.Empty(t, clk.pending())
}

func TestClose_StopsTimerAndUnsubscribes(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	p.refreshes = []*Session{sessionFor("u1", 3600)}
	s, clk := newTestScheduler(t, p)
	s.Initialize(context.Background())

	s.Close()
	s.Close()

	assert.Empty(t, clk.pending())
	assert.Equal(t, 0, p.subscribers())

	clk.fireStopped(0)
	assert.Equal(t, 0, p.refreshCalls)
	s.Refresh(context.Background())
	assert.Equal(t, 0, p.refreshCalls)
}

func TestCloseBeforeInitialize(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	s, clk := newTestScheduler(t, p)

	s.Close()
	s.Initialize(context.Background())

	assert.Equal(t, 0, p.getCalls)
	assert.Equal(t, 0, p.subscribers())
	assert.Empty(t, clk.pending())
}

func TestSignIn(t *testing.T) {
	pp := &passwordProvider{fakeProvider: newFakeProvider(nil), sess: sessionFor("u3", 4000)}
	s, clk := newTestScheduler(t, pp)
	s.Initialize(context.Background())
	s.RequestLogin()
	require.True(t, s.Snapshot().ShowLoginModal)

	require.NoError(t, s.SignIn(context.Background(), "me@example.com", "secret"))

	snap := s.Snapshot()
	assert.Equal(t, "me@example.com", snap.User.Email)
	assert.False(t, snap.ShowLoginModal)
	assert.Len(t, clk.pending(), 1)

	pp.err = errNetwork
	assert.ErrorIs(t, s.SignIn(context.Background(), "me@example.com", "bad"), errNetwork)
}

func TestSignIn_Unsupported(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeProvider(nil))
	assert.ErrorIs(t, s.SignIn(context.Background(), "a", "b"), ErrSignInUnsupported)
}

func TestSubscribe(t *testing.T) {
	p := newFakeProvider(sessionFor("u1", 4000))
	s, _ := newTestScheduler(t, p)

	var states []State
	unsubscribe := s.Subscribe(func(snap Snapshot) { states = append(states, snap.State) })
	s.Initialize(context.Background())
	unsubscribe()
	s.SignOut(context.Background())

	assert.Equal(t, []State{StateChecking, StateAuthenticated}, states)
}

func TestSnapshotJSON(t *testing.T) {
	p := newFakeProvider(nil)
	s, _ := newTestScheduler(t, p)
	s.Initialize(context.Background())

	b, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"anonymous","user":null,"session":null,"is_loading":false,"show_login_modal":false}`, string(b))
}

func TestStateText(t *testing.T) {
	for _, st := range []State{StateUninitialized, StateChecking, StateAuthenticated, StateAnonymous} {
		b, err := st.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, st, got)
	}
	var st State
	assert.Error(t, st.UnmarshalText([]byte("expired")))
}
