// Package health serves liveness and readiness probes.
//
// Liveness (/healthz) answers 200 whenever the process can serve HTTP.
// Readiness (/readyz) runs every registered [Checker] and answers 200 only
// when all of them pass, so a load balancer can hold traffic until the
// database pool and speech providers are reachable.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// checkTimeout bounds an individual readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check must honor ctx and return nil when the
// dependency is usable.
type Checker struct {
	// Name labels the check in the readiness report (e.g. "database").
	Name string

	Check func(ctx context.Context) error
}

// checkState is the per-dependency entry in the readiness report.
type checkState struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// report is the JSON body served by both probes.
type report struct {
	Status string                `json:"status"`
	Checks map[string]checkState `json:"checks,omitempty"`
}

// Handler answers the /healthz and /readyz probes. The checker set is fixed
// at construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers. Readiness evaluates them in
// the order given.
func New(checkers ...Checker) *Handler {
	h := &Handler{checkers: make([]Checker, len(checkers))}
	copy(h.checkers, checkers)
	return h
}

// Register mounts both probe routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// Healthz reports liveness. It never consults the checkers.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline and reports 503
// with per-check detail when any of them fail.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep, ready := h.run(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, rep)
}

// run evaluates the checkers sequentially and builds the readiness report.
func (h *Handler) run(ctx context.Context) (report, bool) {
	rep := report{
		Status: "ok",
		Checks: make(map[string]checkState, len(h.checkers)),
	}
	ready := true

	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			rep.Checks[c.Name] = checkState{Status: "fail", Error: err.Error()}
			ready = false
			continue
		}
		rep.Checks[c.Name] = checkState{Status: "ok"}
	}

	if !ready {
		rep.Status = "fail"
	}
	return rep, ready
}

func respond(w http.ResponseWriter, code int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
