package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/siteflow/siteflow/internal/action"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/state"
)

// Deps are the services the HTTP surface is wired over. Hub and Health
// may be nil when the corresponding integration is not configured.
type Deps struct {
	Cache   *state.Cache
	Graph   GraphFunc
	Engine  *action.Engine
	Prov    *provision.Provisioner
	Backups *backup.Service
	Audit   *audit.Service
	Health  HealthService
	Hub     http.Handler

	AdminToken         string
	APIMaxBodyBytes    int64
	AuditRetentionDays int
}

// Server wraps the HTTP server and mux for the SiteFlow API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(listenAddress string, port int, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// WebSocket upgrades carry the token in the query string; browsers
	// cannot set the Authorization header on a WS dial.
	if deps.Hub != nil {
		mux.Handle("GET /ws", WSAuthMiddleware(deps.AdminToken, deps.Hub))
	}

	// Authenticated routes
	authed := http.NewServeMux()

	// Sites and containers.
	authed.Handle("GET /api/sites", HandleListSites(deps.Cache))
	authed.Handle("GET /api/sites/{site}", HandleGetSite(deps.Cache))
	authed.Handle("POST /api/sites/{site}/{op}", HandleSiteAction(deps.Engine))
	authed.Handle("PUT /api/sites/{site}/domain", HandleSetSiteDomain(deps.Engine))
	authed.Handle("POST /api/sites/containers/{name}/{op}", HandleContainerAction(deps.Engine))
	authed.Handle("POST /api/sites/caddy/reload", HandleCaddyReload(deps.Engine))

	// Topology.
	authed.Handle("GET /api/graph", HandleGraph(deps.Graph))

	// Gateway routes.
	authed.Handle("GET /api/routes", HandleListRoutes(deps.Cache))
	authed.Handle("POST /api/routes", HandleAddRoute(deps.Engine))
	authed.Handle("DELETE /api/routes", HandleRemoveRoute(deps.Engine))

	// Provisioning.
	authed.Handle("GET /api/provision/templates", HandleListTemplates())
	authed.Handle("POST /api/provision/detect", HandleDetect(deps.Prov))
	authed.Handle("POST /api/provision", HandleProvision(deps.Prov))
	authed.Handle("DELETE /api/provision", HandleDeprovision(deps.Prov))

	// Deploys.
	authed.Handle("POST /api/deploy/github", HandleDeployGit(deps.Engine))
	authed.Handle("POST /api/deploy/pull", HandleDeployPull(deps.Engine))
	authed.Handle("POST /api/deploy/upload", HandleDeployUpload(deps.Engine))
	authed.Handle("POST /api/deploy/folder", HandleDeployFolder(deps.Engine))
	authed.Handle("GET /api/deploy/{site}/status", HandleDeployStatus(deps.Engine))

	// Health monitors.
	authed.Handle("GET /api/health", HandleHealth(deps.Health))
	if deps.Health != nil {
		authed.Handle("POST /api/health/monitors", HandleCreateMonitor(deps.Health))
		authed.Handle("DELETE /api/health/monitors/{site}", HandleDeleteMonitor(deps.Health))
	}

	// Audit log.
	authed.Handle("GET /api/audit/logs", HandleAuditLogs(deps.Audit))
	authed.Handle("POST /api/audit/cleanup", HandleAuditCleanup(deps.Audit, deps.AuditRetentionDays))

	// Backups.
	authed.Handle("POST /api/backups/runs", HandleRecordBackupRun(deps.Backups))
	authed.Handle("GET /api/backups/runs", HandleListBackupRuns(deps.Backups))
	authed.Handle("GET /api/backups/summary", HandleBackupSummary(deps.Backups))
	authed.Handle("GET /api/backups/sites/{site}/status", HandleBackupSiteStatus(deps.Backups))
	authed.Handle("GET /api/backups/snapshots", HandleBackupSnapshots(deps.Backups))
	authed.Handle("GET /api/backups/system/status", HandleBackupSystemStatus(deps.Backups))
	authed.Handle("GET /api/backups/config", HandleBackupConfig(deps.Backups))

	limitedAuthed := RequestBodyLimitMiddleware(deps.APIMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(deps.AdminToken, limitedAuthed))
	registerEmbeddedWebUI(mux)

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// WSAuthMiddleware validates the admin token from either the Authorization
// header or the token query parameter. An empty token disables auth.
func WSAuthMiddleware(adminToken string, next http.Handler) http.Handler {
	if adminToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token != adminToken {
			WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
