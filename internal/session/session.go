// Package session issues and reads the signed handle cookie.
package session

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/civic-os/reflections/internal/errors"
)

const (
	DefaultCookieName = "agora_session"
	DefaultTTL        = 7 * 24 * time.Hour

	minHandleLength = 3
	maxHandleLength = 32
)

var errUnexpectedSigningMethod = errors.New("unexpected signing method")

type Config struct {
	Secret     []byte
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Manager signs sessions as HS256 JWTs in an HttpOnly cookie.
type Manager struct {
	secret     []byte
	cookieName string
	ttl        time.Duration
	secure     bool
	now        func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{
		secret:     cfg.Secret,
		cookieName: cfg.CookieName,
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
		now:        time.Now,
	}
}

// NormalizeHandle trims and lowercases a login handle and checks its length.
func NormalizeHandle(raw string) (string, error) {
	handle := strings.ToLower(strings.TrimSpace(raw))
	if len(handle) < minHandleLength {
		return "", svcerrors.Validation("handle", "handle must be at least 3 characters")
	}
	if len(handle) > maxHandleLength {
		return "", svcerrors.Validation("handle", "handle must be at most 32 characters")
	}
	if strings.ContainsAny(handle, "/?#% \t\r\n") {
		return "", svcerrors.Validation("handle", "handle contains invalid characters")
	}
	return handle, nil
}

// Issue signs a session for handle and sets the cookie.
func (m *Manager) Issue(w http.ResponseWriter, handle string) error {
	now := m.now()
	expires := now.Add(m.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   handle,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return svcerrors.Internal("sign session", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    signed,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Handle returns the session handle of r, if the cookie is present and valid.
func (m *Manager) Handle(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	handle, err := m.parse(cookie.Value)
	if err != nil {
		return "", false
	}
	return handle, true
}

// Destroy clears the cookie.
func (m *Manager) Destroy(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *Manager) parse(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigningMethod
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("session without subject")
	}
	return claims.Subject, nil
}
