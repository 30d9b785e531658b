package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/civic-os/reflections/internal/httputil"
	"github.com/civic-os/reflections/internal/logging"
)

func TestTracingMiddleware(t *testing.T) {
	mw := NewTracingMiddleware(testLogger())

	var seen string
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("trace id not generated")
	}
	if got := rec.Header().Get(httputil.TraceIDHeader); got != seen {
		t.Errorf("response trace id = %q, want %q", got, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(httputil.TraceIDHeader, "client-trace")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-trace" {
		t.Errorf("trace id = %q, want client-trace", seen)
	}
}

func TestLoggingMiddleware_RecordsStatusAndHandle(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Component: "http", Output: &buf})

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req = req.WithContext(logging.WithHandle(req.Context(), "ada"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want 418", line["status"])
	}
	if line["handle"] != "ada" {
		t.Errorf("handle = %v, want ada", line["handle"])
	}
}

func TestResponseWriter_Flush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	rw.Flush()

	if !rec.Flushed {
		t.Error("underlying writer not flushed")
	}
	if _, _, err := rw.Hijack(); err == nil {
		t.Error("Hijack() on recorder should fail")
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantHeader string
	}{
		{"exact match", []string{"https://civic.example"}, "https://civic.example", "https://civic.example"},
		{"suffix is not a match", []string{"civic.example"}, "https://evilcivic.example", ""},
		{"allow all echoes origin", []string{"*"}, "https://any.example", "https://any.example"},
		{"no origin", []string{"*"}, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCORSMiddleware(tt.allowed).Handler(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/reflections", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	handler := NewCORSMiddleware([]string{"*"}).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached next handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/reflections", nil)
	req.Header.Set("Origin", "https://civic.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials not allowed")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMetricsMiddleware_KeepsRoute(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware())
	router.HandleFunc("/api/companions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/companions/zeus", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}
