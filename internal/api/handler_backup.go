package api

import (
	"net/http"
	"time"

	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
)

type backupRunRequest struct {
	Site         string    `json:"site"`
	JobType      string    `json:"job_type"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	BytesWritten *int64    `json:"bytes_written,omitempty"`
	BackupID     string    `json:"backup_id,omitempty"`
	Repo         string    `json:"repo,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// HandleRecordBackupRun returns a handler for POST /api/backups/runs.
// Reposting the same (site, job_type, started_at) tuple is idempotent.
func HandleRecordBackupRun(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backupRunRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		id, err := svc.Record(model.BackupRun{
			Site:         req.Site,
			JobType:      model.BackupJobType(req.JobType),
			Status:       model.RunStatus(req.Status),
			StartedAt:    req.StartedAt,
			EndedAt:      req.EndedAt,
			BytesWritten: req.BytesWritten,
			BackupID:     req.BackupID,
			Repo:         req.Repo,
			Error:        req.Error,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

// HandleListBackupRuns returns a handler for GET /api/backups/runs with
// site and job_type filters.
func HandleListBackupRuns(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		runs, err := svc.List(store.RunFilter{
			Site:    r.URL.Query().Get("site"),
			JobType: r.URL.Query().Get("job_type"),
			Limit:   pg.Limit,
			Offset:  pg.Offset,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		if runs == nil {
			runs = []model.BackupRun{}
		}
		WriteJSON(w, http.StatusOK, map[string][]model.BackupRun{"runs": runs})
	}
}

// HandleBackupSummary returns a handler for GET /api/backups/summary.
func HandleBackupSummary(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.Summarize(time.Now().UTC())
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

// HandleBackupSiteStatus returns a handler for
// GET /api/backups/sites/{site}/status.
func HandleBackupSiteStatus(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, ok := requireSitePathParam(w, r)
		if !ok {
			return
		}
		status, err := svc.SiteStatus(site, time.Now().UTC())
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

// HandleBackupSnapshots returns a handler for GET /api/backups/snapshots?site=.
func HandleBackupSnapshots(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site := r.URL.Query().Get("site")
		if site == "" {
			writeInvalidArgument(w, "site query parameter is required")
			return
		}
		points, err := svc.RestorePoints(site)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if points == nil {
			points = []backup.RestorePoint{}
		}
		WriteJSON(w, http.StatusOK, map[string][]backup.RestorePoint{"snapshots": points})
	}
}

// HandleBackupSystemStatus returns a handler for GET /api/backups/system/status.
func HandleBackupSystemStatus(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.System(time.Now().UTC())
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, status)
	}
}

// HandleBackupConfig returns a handler for GET /api/backups/config.
func HandleBackupConfig(svc *backup.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, svc.Config())
	}
}
