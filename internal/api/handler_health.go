package api

import (
	"context"
	"net/http"

	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/model"
)

// HealthService is the uptime-monitor surface the API needs. Satisfied by
// *health.Client.
type HealthService interface {
	MonitorStates() map[string]model.MonitorState
	CreateMonitor(ctx context.Context, name, url string) error
	DeleteMonitor(ctx context.Context, id int) error
	FindMonitor(name string) (health.Monitor, bool)
}

type healthResponse struct {
	Monitors map[string]model.MonitorState `json:"monitors"`
}

// HandleHealth returns a handler for GET /api/health. With no uptime
// monitor configured it reports an empty monitor map.
func HandleHealth(svc HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		monitors := map[string]model.MonitorState{}
		if svc != nil {
			monitors = svc.MonitorStates()
		}
		WriteJSON(w, http.StatusOK, healthResponse{Monitors: monitors})
	}
}

type createMonitorRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// HandleCreateMonitor returns a handler for POST /api/health/monitors.
func HandleCreateMonitor(svc HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMonitorRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if req.Name == "" || req.URL == "" {
			writeInvalidArgument(w, "name and url are required")
			return
		}
		if err := svc.CreateMonitor(r.Context(), req.Name, req.URL); err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"status": "created", "name": req.Name})
	}
}

// HandleDeleteMonitor returns a handler for DELETE /api/health/monitors/{site}.
func HandleDeleteMonitor(svc HealthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := PathParam(r, "site")
		mon, ok := svc.FindMonitor(name)
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "no monitor named "+name)
			return
		}
		if err := svc.DeleteMonitor(r.Context(), mon.ID); err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
	}
}
