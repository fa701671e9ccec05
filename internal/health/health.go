// Package health serves the gateway's liveness and readiness probes.
//
// /healthz answers 200 as long as the process can serve HTTP at all.
// /readyz walks the registered [Checker] list — the session store, the LLM
// backend, the speech endpoints, the tool registry — and answers 200 only
// when every probe passes, 503 with the per-check failures otherwise. The
// body is JSON: a "status" of "ok" or "fail" plus a "checks" map keyed by
// checker name.
//
// Domain checkers for the gateway's dependencies live in checks.go.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps a single readiness probe. A hung dependency must not
// stall the whole /readyz response past the scraper's own deadline.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe.
type Checker struct {
	// Name keys this check in the response body, e.g. "store" or "speech".
	Name string

	// Check probes the dependency, returning nil when it is usable. It must
	// respect context cancellation.
	Check func(ctx context.Context) error
}

// report is the wire shape of both probe responses.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker list is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers. /readyz runs them
// sequentially in the order given, so put the cheapest probes first.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz answers the liveness probe. Reaching this handler at all is the
// signal; it never fails.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz answers the readiness probe: 200 when every checker passes, 503
// with the failing checks named otherwise. Each probe runs under its own
// [checkTimeout] derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	healthy := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			healthy = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	rep := report{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !healthy {
		rep.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, rep)
}

// Register mounts both probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
