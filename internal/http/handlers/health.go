package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if len(api.checks) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(api.checks))
	for name := range api.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	statusCode := http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := api.checks[name](ctx); err != nil {
			components[name] = "unavailable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	writeJSON(w, statusCode, map[string]any{"status": status, "components": components})
}
