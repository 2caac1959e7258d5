// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Check is one dependency probed on every readiness request.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Readiness fails when any check fails or, if rr is set, when the
// invalidation consumer owns no partition.
func Readiness(timeout time.Duration, checks []Check, rr ReadinessReporter) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status     string            `json:"status"`
			Checks     map[string]string `json:"checks,omitempty"`
			Partitions []int32           `json:"partitions,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := resp{Status: "ready", Checks: map[string]string{}}
		ready := true
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				ready = false
				out.Checks[c.Name] = "error: " + err.Error()
				continue
			}
			out.Checks[c.Name] = "ok"
		}
		if rr != nil {
			ok, parts := rr.Readiness()
			if ok {
				slices.Sort(parts)
				out.Partitions = parts
				out.Checks["invalidation"] = "ok"
			} else {
				ready = false
				out.Checks["invalidation"] = "no partitions assigned"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
