package api

import (
	"context"
	"net/http"
	"time"

	"github.com/soferai/transcript-relay/internal/config"
)

// Pinger is a dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PollTable reports the poll-handle table size.
type PollTable interface {
	ActivePolls() int
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Environment   string            `json:"environment"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ActivePolls   int               `json:"active_polls"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	store     Pinger
	cookies   Pinger
	polls     PollTable
	env       *config.Env
	version   string
	startTime time.Time
}

func NewHealthHandler(store, cookies Pinger, polls PollTable, env *config.Env, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		store:     store,
		cookies:   cookies,
		polls:     polls,
		env:       env,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Local store check
	if err := h.store.Ping(r.Context()); err != nil {
		checks["local_store"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["local_store"] = "ok"
	}

	// A cookie store failure is degraded, not fatal: the relay still answers
	// CHECK_AUTH (as unauthenticated) without it.
	if h.cookies != nil {
		if err := h.cookies.Ping(r.Context()); err != nil {
			checks["cookie_store"] = "error"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["cookie_store"] = "ok"
		}
	} else {
		checks["cookie_store"] = "not_configured"
	}

	active := 0
	if h.polls != nil {
		active = h.polls.ActivePolls()
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		Environment:   h.env.Name(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		ActivePolls:   active,
		Checks:        checks,
	})
}
