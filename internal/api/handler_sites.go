package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/siteflow/siteflow/internal/action"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/state"
)

type sitesResponse struct {
	Sites       []model.Site `json:"sites"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// HandleListSites returns a handler for GET /api/sites.
// ?refresh=true bypasses the snapshot cache and forces a re-poll.
func HandleListSites(cache *state.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresh, ok := parseBoolQueryOrWriteInvalid(w, r, "refresh")
		if !ok {
			return
		}
		force := refresh != nil && *refresh

		snap, err := cache.Get(r.Context(), force)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sitesResponse{Sites: snap.Sites, GeneratedAt: snap.GeneratedAt})
	}
}

// HandleGetSite returns a handler for GET /api/sites/{site}.
func HandleGetSite(cache *state.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := requireSitePathParam(w, r)
		if !ok {
			return
		}
		snap, err := cache.Get(r.Context(), false)
		if err != nil {
			writeAppError(w, err)
			return
		}
		for _, site := range snap.Sites {
			if site.Name == name {
				WriteJSON(w, http.StatusOK, site)
				return
			}
		}
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no site named "+name)
	}
}

// siteActionOps maps the public lifecycle verbs onto compose operations.
var siteActionOps = map[string]string{
	"start":   "up",
	"stop":    "down",
	"restart": "restart",
}

// HandleSiteAction returns a handler for POST /api/sites/{site}/{op}.
func HandleSiteAction(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, ok := requireSitePathParam(w, r)
		if !ok {
			return
		}
		op, ok := siteActionOps[PathParam(r, "op")]
		if !ok {
			writeInvalidArgument(w, "action must be one of start, stop, restart")
			return
		}
		out, err := engine.SiteAction(r.Context(), site, op)
		writeActionResult(w, out, err)
	}
}

// HandleContainerAction returns a handler for
// POST /api/sites/containers/{name}/{op}.
func HandleContainerAction(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := PathParam(r, "name")
		op := PathParam(r, "op")

		if op == "logs" {
			tail := 100
			if v := r.URL.Query().Get("tail"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					writeInvalidArgument(w, "tail: must be a positive integer")
					return
				}
				tail = n
			}
			logs, err := engine.ContainerLogs(r.Context(), name, tail)
			if err != nil {
				writeAppError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]string{"container": name, "logs": logs})
			return
		}

		out, err := engine.ContainerAction(r.Context(), name, op)
		writeActionResult(w, out, err)
	}
}

// HandleCaddyReload returns a handler for POST /api/sites/caddy/reload.
func HandleCaddyReload(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := engine.CaddyReload(r.Context())
		writeActionResult(w, out, err)
	}
}

type setDomainRequest struct {
	Domain string `json:"domain"`
}

// HandleSetSiteDomain returns a handler for PUT /api/sites/{site}/domain.
func HandleSetSiteDomain(engine *action.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, ok := requireSitePathParam(w, r)
		if !ok {
			return
		}
		var req setDomainRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		out, err := engine.SetDomain(r.Context(), site, req.Domain)
		writeActionResult(w, out, err)
	}
}
