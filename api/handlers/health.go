package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const readyCheckTimeout = 2 * time.Second

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz pings the store and runs every configured ready check.
func (a *API) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]ReadyCheck{"store": a.cfg.Store.Ping}
	for name, check := range a.cfg.ReadyChecks {
		checks[name] = check
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := readyResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		err := checks[name](ctx)
		cancel()
		if err != nil {
			a.log.Warn("api: ready check failed", "check", name, "error", err)
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
