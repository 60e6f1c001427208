// Package health exposes the kephra service's liveness and readiness over
// HTTP, keyed to the detection stream's state machine.
//
// Two endpoints are served:
//
//   - /healthz — liveness probe; returns 200 whenever the process can serve
//     HTTP, and reports the stream's current state for quick inspection.
//   - /readyz  — readiness probe; returns 200 only while the stream is not
//     riding out a subsystem restart and every registered [Checker] passes
//     (capture device present, platform store loaded, ...).
//
// Responses are JSON: a top-level "status" ("ok" or "fail"), the live
// "stream" state, and a "checks" map with per-checker results.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// ssrState is the stream state that marks the audio DSP as restarting.
// While the stream reports it, detections cannot fire and the service is
// not ready.
const ssrState = "ssr"

// StateFunc reports the stream's current state name ("idle", "active",
// "buffering", ...). The handler calls it on every request; it must be safe
// for concurrent use.
type StateFunc func() string

// Checker is a named readiness check. Check should return nil when the
// dependency is healthy and a non-nil error describing the failure
// otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "capture-device"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for both endpoints.
type result struct {
	Status string            `json:"status"`
	Stream string            `json:"stream,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz for one detection stream. It is safe
// for concurrent use; the checker list is fixed at construction time.
type Handler struct {
	state    StateFunc
	checkers []Checker
}

// New creates a [Handler] over the given stream state source. The checkers
// are evaluated sequentially on each /readyz request, after the built-in
// subsystem-restart check.
func New(state StateFunc, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{state: state, checkers: c}
}

// streamState is the stream state for the current request, or empty when no
// state source was configured.
func (h *Handler) streamState() string {
	if h.state == nil {
		return ""
	}
	return h.state()
}

// Healthz is a liveness probe: a process that can serve HTTP is alive. The
// body carries the live stream state so operators see at a glance whether
// the pipeline is armed.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Stream: h.streamState()})
}

// Readyz returns 200 only while the stream is out of subsystem restart and
// every registered [Checker] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	state := h.streamState()
	checks := make(map[string]string, len(h.checkers)+1)
	allOK := true

	if state == ssrState {
		checks["subsystem"] = "fail: audio DSP restarting"
		allOK = false
	}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Stream: state, Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"fail"}`, http.StatusInternalServerError)
	}
}
