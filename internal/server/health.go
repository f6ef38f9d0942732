package server

import (
	"context"
	"net/http"
	"time"
)

// Pinger reports dependency connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthHandlers struct {
	db    Pinger
	cache Pinger
}

// handleLive always answers 200 while the process runs.
func (h *healthHandlers) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady answers 200 only when the database is reachable. Redis is
// reported but never gates readiness; the service serves without it.
func (h *healthHandlers) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"database": "ok", "cache": "ok"}
	status := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		body["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if err := h.cache.Ping(ctx); err != nil {
		body["cache"] = "unreachable"
	}
	writeJSON(w, status, body)
}
