// Package health provides the liveness and readiness endpoints.
//
//   - /healthz always returns 200 while the process serves HTTP.
//   - /readyz runs every registered [Checker] concurrently. A failing
//     required check yields 503 and "fail". A failing optional check
//     yields 200 and "degraded": lessons go on without that dependency.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Overall statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness probe.
type Checker struct {
	// Name is the key of the check in the JSON response.
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional checks degrade instead of failing readiness.
	Optional bool
}

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DegradationReporter reports a dependency that still answers but recently
// failed. [store.Guard] implements it.
type DegradationReporter interface {
	IsDegraded() bool
}

// ErrDegraded is reported by [StoreCheck] while the store is degraded.
var ErrDegraded = errors.New("degraded")

// StoreCheck returns an optional check that pings p and reports
// [ErrDegraded] when d says the last backend call failed. d may be nil.
func StoreCheck(p Pinger, d DegradationReporter) Checker {
	return Checker{
		Name:     "store",
		Optional: true,
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return err
			}
			if d != nil && d.IsDegraded() {
				return ErrDegraded
			}
			return nil
		},
	}
}

// Configurer is satisfied by a gateway that knows whether it has a usable
// provider.
type Configurer interface {
	Configured() bool
}

// GatewayCheck returns an optional check that fails when no LLM provider is
// configured. Replies then explain the missing key instead of answering.
func GatewayCheck(c Configurer) Checker {
	return Checker{
		Name:     "llm",
		Optional: true,
		Check: func(context.Context) error {
			if !c.Configured() {
				return errors.New("no provider configured")
			}
			return nil
		},
	}
}

// Report is the JSON body of the health endpoints.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := h.Check(r.Context())
	status := http.StatusOK
	if res.Status == StatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Check runs every checker concurrently, each under its own timeout.
func (h *Handler) Check(ctx context.Context) Report {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = StatusOK
			case c.Optional:
				checks[c.Name] = StatusDegraded + ": " + err.Error()
				degraded = true
			default:
				checks[c.Name] = StatusFail + ": " + err.Error()
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Report{Status: StatusOK, Checks: checks}
	switch {
	case failed:
		res.Status = StatusFail
	case degraded:
		res.Status = StatusDegraded
	}
	return res
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
