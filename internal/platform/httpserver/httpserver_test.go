package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(discardLogger(), "testsvc", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(discardLogger(), "testsvc", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set("X-Request-Id", "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "rid-123") {
		t.Fatalf("expected request id in body: %s", rec.Body.String())
	}
}

func TestOpsHandler(t *testing.T) {
	failing := false
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "blockflow_claims_total 1\n")
	})
	h := NewOpsHandler(discardLogger(), "worker", metrics, ReadinessCheck{
		Name: "store",
		Check: func(context.Context) error {
			if failing {
				return errors.New("database is closed")
			}
			return nil
		},
	})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test"+path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("/healthz status=%d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("/readyz status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := get("/metrics"); !strings.Contains(rec.Body.String(), "blockflow_claims_total") {
		t.Fatalf("/metrics body=%s", rec.Body.String())
	}

	failing = true
	rec := get("/readyz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database is closed") {
		t.Fatalf("/readyz status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Service: "worker", Addr: ":9090"}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := (Config{Service: "worker", Addr: "9090"}).Validate(); err == nil {
		t.Fatalf("expected addr without port separator to be rejected")
	}
}
