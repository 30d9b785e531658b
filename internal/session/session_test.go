package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/civic-os/reflections/internal/errors"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func issue(t *testing.T, m *Manager, handle string) *http.Cookie {
	t.Helper()
	rr := httptest.NewRecorder()
	require.NoError(t, m.Issue(rr, handle))
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestIssueAndRead(t *testing.T) {
	m := NewManager(Config{Secret: secret})
	cookie := issue(t, m, "ada")

	assert.Equal(t, DefaultCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	handle, ok := m.Handle(req)
	assert.True(t, ok)
	assert.Equal(t, "ada", handle)
}

func TestHandle_RejectsTampering(t *testing.T) {
	m := NewManager(Config{Secret: secret})
	other := NewManager(Config{Secret: []byte("another-secret-another-secret-xx")})
	cookie := issue(t, other, "mallory")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, ok := m.Handle(req)
	assert.False(t, ok)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "garbage"})
	_, ok = m.Handle(req)
	assert.False(t, ok)
}

func TestHandle_RejectsNoneAlgorithm(t *testing.T) {
	m := NewManager(Config{Secret: secret})
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "mallory",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: raw})
	_, ok := m.Handle(req)
	assert.False(t, ok)
}

func TestHandle_Expired(t *testing.T) {
	m := NewManager(Config{Secret: secret, TTL: time.Minute})
	cookie := issue(t, m, "ada")

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	_, ok := m.Handle(req)
	assert.False(t, ok)
}

func TestDestroy(t *testing.T) {
	m := NewManager(Config{Secret: secret})
	rr := httptest.NewRecorder()
	m.Destroy(rr)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.Empty(t, cookies[0].Value)
}

func TestNormalizeHandle(t *testing.T) {
	h, err := NormalizeHandle("  Ada_L ")
	require.NoError(t, err)
	assert.Equal(t, "ada_l", h)

	for _, bad := range []string{"", "ab", "  a ", "a/b/c", "has space"} {
		_, err := NormalizeHandle(bad)
		assert.True(t, svcerrors.IsValidation(err), "handle %q", bad)
	}
}
