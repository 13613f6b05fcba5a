package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthResponse reports capability reachability and per-namespace document
// counts.
type HealthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	Namespaces map[string]int    `json:"namespaces"`
}

// CheckHealth runs every check concurrently. ok is false when any failed.
func CheckHealth(ctx context.Context, deps Deps) (HealthResponse, bool) {
	resp := HealthResponse{
		Status:     "ok",
		Checks:     make(map[string]string, len(deps.Checks)+1),
		Namespaces: map[string]int{},
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range deps.Checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			state := "ok"
			if err := c.Ping(cctx); err != nil {
				state = "unavailable"
			}
			mu.Lock()
			resp.Checks[c.Name] = state
			mu.Unlock()
		}()
	}
	wg.Wait()

	if deps.Store != nil {
		counts, err := deps.Store.CountIngested()
		if err != nil || deps.Store.Ping() != nil {
			resp.Checks["ledger"] = "unavailable"
		} else {
			resp.Checks["ledger"] = "ok"
			resp.Namespaces = counts
		}
	}

	ok := true
	for _, state := range resp.Checks {
		if state != "ok" {
			ok = false
		}
	}
	if !ok {
		resp.Status = "degraded"
	}
	return resp, ok
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, ok := CheckHealth(r.Context(), deps)
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
