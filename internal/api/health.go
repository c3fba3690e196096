package api

import (
	"context"
	"net/http"
	"time"

	"github.com/swiftraccoon/callreceiver/internal/queue"
	"github.com/swiftraccoon/callreceiver/internal/store"
)

// HealthResponse is the /api/v1/health body: an overall status plus a
// per-dependency checks map (database, work queue).
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Queue         *queue.Stats      `json:"queue,omitempty"`
}

// HealthHandler serves /api/v1/health: a store ping plus a queue stats
// snapshot.
type HealthHandler struct {
	store     *store.Store
	queue     *queue.Queue
	version   string
	startTime time.Time
}

func NewHealthHandler(s *store.Store, q *queue.Queue, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{store: s, queue: q, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	var qstats *queue.Stats
	if h.queue != nil {
		s := h.queue.Stats()
		qstats = &s
		if s.Running {
			checks["queue"] = "running"
		} else {
			checks["queue"] = "stopped"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["queue"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Queue:         qstats,
	}
	WriteJSON(w, httpStatus, resp)
}
