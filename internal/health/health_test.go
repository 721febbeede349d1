package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func probe(t *testing.T, fn http.HandlerFunc, path string) (*httptest.ResponseRecorder, report) {
	t.Helper()
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest("GET", path, nil))

	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, rep
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "never-run", Check: func(_ context.Context) error {
		return errors.New("broken")
	}})

	rec, rep := probe(t, h.Healthz, "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("status = %q, want %q", rep.Status, "ok")
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	// Liveness must not leak readiness detail.
	if len(rep.Checks) != 0 {
		t.Errorf("checks = %v, want empty", rep.Checks)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "database", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "providers", Check: func(_ context.Context) error { return nil }},
	)

	rec, rep := probe(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("status = %q, want %q", rep.Status, "ok")
	}
	for _, name := range []string{"database", "providers"} {
		if rep.Checks[name].Status != "ok" {
			t.Errorf("%s = %+v, want ok", name, rep.Checks[name])
		}
	}
}

func TestReadyz_OneFails(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "database", Check: func(_ context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "providers", Check: func(_ context.Context) error { return nil }},
	)

	rec, rep := probe(t, h.Readyz, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if rep.Status != "fail" {
		t.Errorf("status = %q, want %q", rep.Status, "fail")
	}
	db := rep.Checks["database"]
	if db.Status != "fail" || db.Error != "connection refused" {
		t.Errorf("database = %+v", db)
	}
	if rep.Checks["providers"].Status != "ok" {
		t.Errorf("providers = %+v, want ok", rep.Checks["providers"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()

	rec, rep := probe(t, New().Readyz, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusOK)
	}
	if rep.Status != "ok" {
		t.Errorf("status = %q, want %q", rep.Status, "ok")
	}
}

func TestReadyz_CheckSeesCancelledContext(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	mux := chi.NewRouter()
	New(Checker{Name: "noop", Check: func(_ context.Context) error { return nil }}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
