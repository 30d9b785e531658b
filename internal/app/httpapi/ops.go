package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/civic-os/reflections/internal/app/metrics"
	"github.com/civic-os/reflections/internal/httputil"
)

const readyTimeout = 3 * time.Second

func metricsHandler() http.Handler {
	return metrics.Handler()
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	pollers, listeners := h.app.Hub.Stats()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"components": h.app.Components(),
		"stream": map[string]int{
			"pollers":   pollers,
			"listeners": listeners,
		},
	})
}

// ready reports 503 when the store or the ledger cannot be reached.
func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string)
	for name, err := range h.app.Ready(ctx) {
		if err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": checks})
}
