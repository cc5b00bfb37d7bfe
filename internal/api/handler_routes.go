package api

import (
	"net/http"

	"github.com/siteflow/siteflow/internal/action"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/state"
)

// HandleListRoutes returns a handler for GET /api/routes.
func HandleListRoutes(cache *state.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cache.Get(r.Context(), false)
		if err != nil {
			writeAppError(w, err)
			return
		}
		routes := snap.Routes
		if routes == nil {
			routes = []model.Route{}
		}
		WriteJSON(w, http.StatusOK, map[string][]model.Route{"routes": routes})
	}
}

type addRouteRequest struct {
	Domain    string `json:"domain"`
	Container string `json:"container"`
	Port      int    `json:"port"`
}

// HandleAddRoute returns a handler for POST /api/routes.
func HandleAddRoute(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addRouteRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		out, err := engine.RouteAdd(r.Context(), req.Domain, req.Container, req.Port)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, outputResponse{Status: "ok", Output: out})
	}
}

// HandleRemoveRoute returns a handler for DELETE /api/routes?domain=.
func HandleRemoveRoute(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domain := r.URL.Query().Get("domain")
		if domain == "" {
			writeInvalidArgument(w, "domain query parameter is required")
			return
		}
		out, err := engine.RouteRemove(r.Context(), domain)
		writeActionResult(w, out, err)
	}
}
