package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/civic-os/reflections/internal/logging"
	"github.com/civic-os/reflections/internal/session"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Component: "test", Level: "error", Output: io.Discard})
}

func signedRequest(t *testing.T, sessions *session.Manager, handle string) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := sessions.Issue(rec, handle); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestSessionMiddleware_SetsHandle(t *testing.T) {
	sessions := session.NewManager(session.Config{Secret: testSecret})
	mw := NewSessionMiddleware(sessions, testLogger())

	var got string
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetHandle(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), signedRequest(t, sessions, "ada"))

	if got != "ada" {
		t.Errorf("GetHandle() = %q, want ada", got)
	}
}

func TestSessionMiddleware_NoCookiePassesThrough(t *testing.T) {
	sessions := session.NewManager(session.Config{Secret: testSecret})
	mw := NewSessionMiddleware(sessions, testLogger())

	called := false
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if h := GetHandle(r.Context()); h != "" {
			t.Errorf("GetHandle() = %q, want empty", h)
		}
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/reflections", nil))

	if !called {
		t.Error("next handler not called")
	}
}

func TestSessionMiddleware_ForeignSecretIgnored(t *testing.T) {
	other := session.NewManager(session.Config{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	sessions := session.NewManager(session.Config{Secret: testSecret})
	mw := NewSessionMiddleware(sessions, testLogger())

	var got string
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetHandle(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), signedRequest(t, other, "mallory"))

	if got != "" {
		t.Errorf("GetHandle() = %q, want empty for forged session", got)
	}
}

func TestRequireHandle(t *testing.T) {
	sessions := session.NewManager(session.Config{Secret: testSecret})
	mw := NewSessionMiddleware(sessions, testLogger())
	handler := mw.Handler(RequireHandle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{"signed in", signedRequest(t, sessions, "ada"), http.StatusOK},
		{"anonymous", httptest.NewRequest(http.MethodGet, "/api/me", nil), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tt.req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
