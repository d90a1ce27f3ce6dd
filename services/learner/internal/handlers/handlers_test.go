package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coursecraft/internal/platform/httpserver"
	"github.com/example/coursecraft/services/learner/internal/catalog"
	"github.com/example/coursecraft/services/learner/internal/progress"
	"github.com/example/coursecraft/services/learner/internal/session"
	"github.com/example/coursecraft/services/learner/internal/store"
)

// ─── Stub session ─────────────────────────────────────────────────────────────

type stubSession struct {
	user         *session.User
	sess         *session.Session
	showLogin    bool
	signInErr    error
	refreshCalls int
	signOutCalls int
}

var _ Scheduler = (*stubSession)(nil)

func (s *stubSession) Snapshot() session.Snapshot {
	snap := session.Snapshot{State: session.StateAnonymous, User: s.user, Session: s.sess, ShowLoginModal: s.showLogin}
	if s.user != nil {
		snap.State = session.StateAuthenticated
	}
	return snap
}
func (s *stubSession) Refresh(context.Context) { s.refreshCalls++ }
func (s *stubSession) SignOut(context.Context) {
	s.signOutCalls++
	s.user, s.sess = nil, nil
}
func (s *stubSession) SignIn(_ context.Context, email, _ string) error {
	if s.signInErr != nil {
		return s.signInErr
	}
	s.user = &session.User{ID: "user-1", Email: email}
	s.sess = &session.Session{AccessToken: "at", RefreshToken: "rt", User: *s.user}
	s.showLogin = false
	return nil
}
func (s *stubSession) SetShowLoginModal(show bool) { s.showLogin = show }
func (s *stubSession) RequestLogin()               { s.showLogin = true }
func (s *stubSession) UserID() (string, bool) {
	if s.user == nil {
		return "", false
	}
	return s.user.ID, true
}
func (s *stubSession) AccessToken() (string, bool) {
	if s.sess == nil {
		return "", false
	}
	return s.sess.AccessToken, true
}

type stubSource map[string]progress.CourseMetadata

func (s stubSource) CourseMetadata(_ context.Context, id, _ string) (progress.CourseMetadata, error) {
	m, ok := s[id]
	if !ok {
		return progress.CourseMetadata{}, catalog.ErrCourseNotFound
	}
	return m, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type testEnv struct {
	router http.Handler
	ps     *progress.Store
	sess   *stubSession
}

func newTestEnv(t *testing.T, withCatalog bool) *testEnv {
	t.Helper()
	ps := progress.New(store.NewMemoryStore())
	ps.Load(context.Background())
	sess := &stubSession{}

	var syncer *catalog.Syncer
	if withCatalog {
		syncer = &catalog.Syncer{Source: stubSource{"c1": {CourseID: "c1", Title: "From catalog", TotalVideos: 10}}, Store: ps}
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	Register(r, Deps{Progress: ps, Session: sess, Syncer: syncer})
	return &testEnv{router: r, ps: ps, sess: sess}
}

func (e *testEnv) do(method, url string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out), "body %q", rr.Body.String())
	return out
}

// requireError asserts the status and the envelope's error code.
func requireError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rr.Code, rr.Body.String())
	e, _ := decode(t, rr)["error"].(map[string]any)
	assert.Equal(t, code, e["code"])
}

func saveBody(videoIndex int, completed, watched []int) map[string]any {
	return map[string]any{
		"courseMetadata":        map[string]any{"title": "Go", "totalVideos": 4},
		"videoIndex":            videoIndex,
		"completedVideoIndices": completed,
		"watchedVideoIndices":   watched,
	}
}

// ─── Progress tests ───────────────────────────────────────────────────────────

func TestPutProgress_OK(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(http.MethodPut, "/v1/progress/c1", saveBody(2, []int{0, 1}, []int{0, 1, 2}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, "c1", body["courseId"])
	assert.Equal(t, float64(75), body["completionPercentage"])

	rec, ok := e.ps.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 2, rec.LastVideoIndex)
}

func TestPutProgress_Validation(t *testing.T) {
	e := newTestEnv(t, false)

	requireError(t, e.do(http.MethodPut, "/v1/progress/c1", "notjson"), http.StatusBadRequest, "INVALID_JSON")
	requireError(t, e.do(http.MethodPut, "/v1/progress/c1", saveBody(-1, nil, nil)), http.StatusBadRequest, "VALIDATION_VIDEO_INDEX")
	mismatch := map[string]any{"courseMetadata": map[string]any{"id": "other"}, "videoIndex": 0}
	requireError(t, e.do(http.MethodPut, "/v1/progress/c1", mismatch), http.StatusBadRequest, "VALIDATION_COURSE_ID")
	assert.Equal(t, 0, e.ps.Len(), "rejected requests must not store anything")
}

func TestGetProgress_NotFound(t *testing.T) {
	e := newTestEnv(t, false)
	requireError(t, e.do(http.MethodGet, "/v1/progress/missing", nil), http.StatusNotFound, "PROGRESS_NOT_FOUND")
}

func TestListProgress(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(http.MethodGet, "/v1/progress", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items, _ := decode(t, rr)["items"].([]any)
	assert.Empty(t, items)

	e.do(http.MethodPut, "/v1/progress/a", saveBody(0, nil, nil))
	e.do(http.MethodPut, "/v1/progress/b", saveBody(0, nil, nil))
	items, _ = decode(t, e.do(http.MethodGet, "/v1/progress", nil))["items"].([]any)
	assert.Len(t, items, 2)
}

func TestMarkVideo(t *testing.T) {
	e := newTestEnv(t, false)
	e.do(http.MethodPut, "/v1/progress/c1", saveBody(0, nil, nil))

	rr := e.do(http.MethodPost, "/v1/progress/c1/videos/0/watch", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = e.do(http.MethodPost, "/v1/progress/c1/videos/0/complete", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(25), decode(t, rr)["completionPercentage"], "a video both watched and completed counts once")

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/progress/c1/videos/x/complete", nil).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/progress/c1/videos/-2/watch", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/v1/progress/ghost/videos/0/complete", nil).Code,
		"marking never creates a record")
}

func TestCompletion_UnknownCourseIsZero(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(http.MethodGet, "/v1/progress/ghost/completion", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decode(t, rr)["completionPercentage"])
}

func TestDeleteProgress(t *testing.T) {
	e := newTestEnv(t, false)
	e.do(http.MethodPut, "/v1/progress/c1", saveBody(0, nil, nil))

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/v1/progress/c1", nil).Code)
	_, ok := e.ps.Get("c1")
	assert.False(t, ok, "record should be gone")
	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/v1/progress/c1", nil).Code,
		"removing twice is not an error")
}

// ─── Sync tests ───────────────────────────────────────────────────────────────

func TestSyncProgress_RequiresSession(t *testing.T) {
	e := newTestEnv(t, true)
	e.do(http.MethodPut, "/v1/progress/c1", saveBody(0, nil, nil))

	requireError(t, e.do(http.MethodPost, "/v1/progress/c1/sync", nil), http.StatusUnauthorized, "AUTH_REQUIRED")
	assert.True(t, e.sess.showLogin, "an anonymous sync must raise the login prompt")
}

func TestSyncProgress_OK(t *testing.T) {
	e := newTestEnv(t, true)
	e.sess.user = &session.User{ID: "user-1"}
	e.do(http.MethodPut, "/v1/progress/c1", saveBody(1, []int{0}, []int{1}))

	rr := e.do(http.MethodPost, "/v1/progress/c1/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	meta, _ := body["courseMetadata"].(map[string]any)
	assert.Equal(t, "From catalog", meta["title"])
	assert.Equal(t, float64(10), meta["totalVideos"])
	assert.Equal(t, float64(20), body["completionPercentage"])
}

func TestSyncProgress_Errors(t *testing.T) {
	e := newTestEnv(t, true)
	e.sess.user = &session.User{ID: "user-1"}

	requireError(t, e.do(http.MethodPost, "/v1/progress/c1/sync", nil), http.StatusNotFound, "PROGRESS_NOT_FOUND")
	e.do(http.MethodPut, "/v1/progress/c2", saveBody(0, nil, nil))
	requireError(t, e.do(http.MethodPost, "/v1/progress/c2/sync", nil), http.StatusNotFound, "COURSE_NOT_FOUND")

	unconfigured := newTestEnv(t, false)
	unconfigured.sess.user = &session.User{ID: "user-1"}
	assert.Equal(t, http.StatusNotImplemented, unconfigured.do(http.MethodPost, "/v1/progress/c1/sync", nil).Code)
}

// ─── Session tests ────────────────────────────────────────────────────────────

func TestGetSession_Anonymous(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(http.MethodGet, "/v1/session", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "anonymous", body["state"])
	assert.Nil(t, body["user"])
}

func TestSignIn_HidesRefreshToken(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(http.MethodPost, "/v1/session/login", map[string]string{"email": "u@example.com", "password": "pass1234"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	sess, _ := decode(t, rr)["session"].(map[string]any)
	assert.Equal(t, "at", sess["access_token"])
	assert.NotContains(t, sess, "refresh_token")
}

func TestSignIn_Errors(t *testing.T) {
	e := newTestEnv(t, false)
	login := func(body map[string]string) int {
		return e.do(http.MethodPost, "/v1/session/login", body).Code
	}
	assert.Equal(t, http.StatusBadRequest, login(map[string]string{"password": "x"}))
	assert.Equal(t, http.StatusBadRequest, login(map[string]string{"email": "u@example.com"}))

	e.sess.signInErr = errors.New("invalid grant")
	assert.Equal(t, http.StatusUnauthorized, login(map[string]string{"email": "u@example.com", "password": "bad"}))
	e.sess.signInErr = session.ErrSignInUnsupported
	assert.Equal(t, http.StatusNotImplemented, login(map[string]string{"email": "u@example.com", "password": "x"}))
}

func TestRefreshAndSignOut(t *testing.T) {
	e := newTestEnv(t, false)
	e.sess.user = &session.User{ID: "user-1"}

	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/v1/session/refresh", nil).Code)
	assert.Equal(t, 1, e.sess.refreshCalls)

	rr := e.do(http.MethodPost, "/v1/session/signout", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, e.sess.signOutCalls)
	assert.Equal(t, "anonymous", decode(t, rr)["state"])
}

func TestSetLoginPrompt(t *testing.T) {
	e := newTestEnv(t, false)
	rr := e.do(http.MethodPut, "/v1/session/login-prompt", map[string]bool{"show": true})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["show_login_modal"])
}
