package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

func makeToken(subject, email string, exp time.Time) string {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: email,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := tok.SignedString(testSecret)
	return signed
}

func newVerifier() JWTVerifier { return JWTVerifier{Secret: testSecret} }

// ─── JWTVerifier tests ──────────────────────────────────────────────────────

func TestJWTVerifier_ValidToken(t *testing.T) {
	tok := makeToken("user-1", "a@example.com", time.Now().Add(time.Hour))
	claims, err := newVerifier().Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@example.com", claims.Email)
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	tok := makeToken("user-1", "", time.Now().Add(-time.Hour))
	_, err := newVerifier().Parse(tok)
	assert.Error(t, err)
}

func TestJWTVerifier_ClockOverride(t *testing.T) {
	tok := makeToken("user-1", "", time.Now().Add(time.Hour))
	v := JWTVerifier{Secret: testSecret, Now: func() time.Time { return time.Now().Add(2 * time.Hour) }}
	_, err := v.Parse(tok)
	assert.Error(t, err, "token is expired at the injected time")
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	tok := makeToken("user-1", "", time.Now().Add(time.Hour))
	_, err := (JWTVerifier{Secret: []byte("wrong-secret")}).Parse(tok)
	assert.Error(t, err)
}

func TestJWTVerifier_TamperedPayload(t *testing.T) {
	tok := makeToken("user-1", "", time.Now().Add(time.Hour))
	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + ".dGFtcGVyZWQ." + parts[2]
	_, err := newVerifier().Parse(tampered)
	assert.Error(t, err)
}

// ─── ParseUnverified tests ──────────────────────────────────────────────────

func TestParseUnverified_ReadsClaimsWithoutSecret(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := makeToken("user-7", "b@example.com", exp)
	claims, err := ParseUnverified(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)
	assert.Equal(t, "b@example.com", claims.Email)
	assert.True(t, claims.ExpiresAt.Time.Equal(exp), "exp %v", claims.ExpiresAt.Time)
}

func TestParseUnverified_Malformed(t *testing.T) {
	_, err := ParseUnverified("not.a.valid.token")
	assert.Error(t, err)
}

// ─── RequireUser middleware tests ────────────────────────────────────────────

type fakeSource struct {
	uid      string
	prompted bool
}

func (f *fakeSource) UserID() (string, bool) { return f.uid, f.uid != "" }
func (f *fakeSource) RequestLogin()          { f.prompted = true }

func callRequireUser(src SessionSource) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	RequireUser(src, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(uid))
	})).ServeHTTP(rr, req)
	return rr
}

func TestRequireUser_SignedIn(t *testing.T) {
	src := &fakeSource{uid: "user-42"}
	rr := callRequireUser(src)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-42", rr.Body.String())
	assert.False(t, src.prompted, "signed-in request must not raise the login prompt")
}

func TestRequireUser_AnonymousRaisesPrompt(t *testing.T) {
	src := &fakeSource{}
	rr := callRequireUser(src)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.True(t, src.prompted)
}
