// Package backup ingests run records posted by the external backup scripts
// and derives per-site freshness and RPO on read.
package backup

import (
	"time"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
)

// clockSkewAllowance tolerates small clock drift between the backup host
// and this daemon when validating run timestamps.
const clockSkewAllowance = 5 * time.Minute

// systemStaleThreshold flags the host-level backup when its last run is
// older than a week.
const systemStaleThreshold = 7 * 24 * time.Hour

// Thresholds are the per-job freshness windows.
type Thresholds struct {
	DB       time.Duration
	Uploads  time.Duration
	Verify   time.Duration
	Snapshot time.Duration
}

// threshold returns the window for a job type; the site job covers both db
// and uploads so it gets the looser uploads window.
func (t Thresholds) threshold(job model.BackupJobType) time.Duration {
	switch job {
	case model.JobDB:
		return t.DB
	case model.JobUploads, model.JobSite:
		return t.Uploads
	case model.JobVerify:
		return t.Verify
	case model.JobSnapshot:
		return t.Snapshot
	}
	return 0
}

// Service validates and records runs and computes aggregate views.
type Service struct {
	repo     *store.BackupRepo
	thr      Thresholds
	repoPath string
}

// NewService creates a backup service over the run repo.
func NewService(repo *store.BackupRepo, thr Thresholds, repoPath string) *Service {
	return &Service{repo: repo, thr: thr, repoPath: repoPath}
}

// Record validates and persists a run. Repeated posts of the same
// (site, job_type, started_at) tuple are idempotent.
func (s *Service) Record(run model.BackupRun) (int64, error) {
	if run.Site == "" {
		return 0, apperr.New(apperr.KindValidation, "site is required")
	}
	if !model.ValidJobType(run.JobType) {
		return 0, apperr.New(apperr.KindValidation, "unknown job_type %q", run.JobType)
	}
	if !model.ValidRunStatus(run.Status) {
		return 0, apperr.New(apperr.KindValidation, "unknown status %q", run.Status)
	}
	if run.StartedAt.IsZero() || run.EndedAt.IsZero() {
		return 0, apperr.New(apperr.KindValidation, "started_at and ended_at are required")
	}
	if run.EndedAt.Before(run.StartedAt) {
		return 0, apperr.New(apperr.KindValidation, "ended_at precedes started_at")
	}
	if run.EndedAt.After(time.Now().Add(clockSkewAllowance)) {
		return 0, apperr.New(apperr.KindValidation, "ended_at is in the future")
	}
	return s.repo.Upsert(run)
}

// SiteStatus aggregates the latest run per observed job type and derives
// RPO. Jobs never recorded for a site are not judged; a site with no runs at
// all reports fail.
func (s *Service) SiteStatus(site string, now time.Time) (model.SiteBackupStatus, error) {
	latest, err := s.repo.LatestPerJob(site)
	if err != nil {
		return model.SiteBackupStatus{}, err
	}

	status := model.SiteBackupStatus{
		Site:          site,
		OverallStatus: model.RunOK,
		Jobs:          map[model.BackupJobType]model.JobFreshness{},
	}

	if len(latest) == 0 {
		status.OverallStatus = model.RunFail
		return status, nil
	}

	// A whole-site run refreshes both db and uploads coverage.
	siteRun, hasSiteRun := latest[model.JobSite]

	anyStale := false
	anyFail := false
	for job, run := range latest {
		if job == model.JobSystem {
			continue
		}
		effective := run
		if hasSiteRun && (job == model.JobDB || job == model.JobUploads) && siteRun.EndedAt.After(run.EndedAt) {
			effective = siteRun
		}

		age := int64(now.Sub(effective.EndedAt).Seconds())
		ended := effective.EndedAt
		fresh := model.JobFreshness{
			Status:     effective.Status,
			EndedAt:    &ended,
			AgeSeconds: &age,
		}
		if thr := s.thr.threshold(job); thr > 0 && now.Sub(effective.EndedAt) > thr {
			fresh.Stale = true
			anyStale = true
		}
		if effective.Status == model.RunFail {
			anyFail = true
		}
		status.Jobs[job] = fresh
	}

	switch {
	case anyFail:
		status.OverallStatus = model.RunFail
	case anyStale:
		status.OverallStatus = model.RunWarn
	}

	// Per-job RPO: age of the most recent successful run, with whole-site
	// runs counting toward both db and uploads.
	if status.RPOSecondsDB, err = s.rpo(site, now, model.JobDB); err != nil {
		return model.SiteBackupStatus{}, err
	}
	if status.RPOSecondsUploads, err = s.rpo(site, now, model.JobUploads); err != nil {
		return model.SiteBackupStatus{}, err
	}

	return status, nil
}

func (s *Service) rpo(site string, now time.Time, job model.BackupJobType) (*int64, error) {
	run, ok, err := s.repo.LatestOK(site, job, model.JobSite)
	if err != nil || !ok {
		return nil, err
	}
	age := int64(now.Sub(run.EndedAt).Seconds())
	return &age, nil
}

// Summary is the fleet-wide backup view.
type Summary struct {
	Sites      map[string]model.SiteBackupStatus `json:"sites"`
	Thresholds map[string]int64                  `json:"thresholds_seconds"`
	RepoPath   string                            `json:"repo_path"`
}

// Summarize builds per-site statuses for every site with recorded runs.
func (s *Service) Summarize(now time.Time) (Summary, error) {
	sites, err := s.repo.Sites()
	if err != nil {
		return Summary{}, err
	}
	out := Summary{
		Sites:      map[string]model.SiteBackupStatus{},
		Thresholds: s.thresholdSeconds(),
		RepoPath:   s.repoPath,
	}
	for _, site := range sites {
		st, err := s.SiteStatus(site, now)
		if err != nil {
			return Summary{}, err
		}
		out.Sites[site] = st
	}
	return out, nil
}

func (s *Service) thresholdSeconds() map[string]int64 {
	return map[string]int64{
		string(model.JobDB):       int64(s.thr.DB.Seconds()),
		string(model.JobUploads):  int64(s.thr.Uploads.Seconds()),
		string(model.JobVerify):   int64(s.thr.Verify.Seconds()),
		string(model.JobSnapshot): int64(s.thr.Snapshot.Seconds()),
	}
}

// RestorePoint is one selectable restore target for a site.
type RestorePoint struct {
	JobType   model.BackupJobType `json:"job_type"`
	Timestamp time.Time           `json:"timestamp"`
	BackupID  string              `json:"backup_id"`
	Repo      string              `json:"repo"`
}

// RestorePoints lists the restorable snapshots for a site, newest first.
func (s *Service) RestorePoints(site string) ([]RestorePoint, error) {
	runs, err := s.repo.RestorePoints(site)
	if err != nil {
		return nil, err
	}
	out := make([]RestorePoint, len(runs))
	for i, run := range runs {
		out[i] = RestorePoint{
			JobType:   run.JobType,
			Timestamp: run.EndedAt,
			BackupID:  run.BackupID,
			Repo:      run.Repo,
		}
	}
	return out, nil
}

// SystemStatus reports the host-level backup run state.
type SystemStatus struct {
	LastRun    *model.BackupRun `json:"last_run,omitempty"`
	RPOSeconds *int64           `json:"rpo_seconds,omitempty"`
	Stale      bool             `json:"stale"`
}

// System returns the latest system run and whether it is overdue.
func (s *Service) System(now time.Time) (SystemStatus, error) {
	runs, err := s.repo.List(store.RunFilter{JobType: string(model.JobSystem), Limit: 1})
	if err != nil {
		return SystemStatus{}, err
	}
	if len(runs) == 0 {
		return SystemStatus{Stale: true}, nil
	}
	run := runs[0]
	st := SystemStatus{LastRun: &run}
	if run.Status == model.RunOK {
		rpo := int64(now.Sub(run.EndedAt).Seconds())
		st.RPOSeconds = &rpo
	}
	st.Stale = now.Sub(run.EndedAt) > systemStaleThreshold
	return st, nil
}

// List proxies the repo's filtered run listing.
func (s *Service) List(f store.RunFilter) ([]model.BackupRun, error) {
	return s.repo.List(f)
}

// Config exposes the active thresholds for the UI.
func (s *Service) Config() Summary {
	return Summary{Thresholds: s.thresholdSeconds(), RepoPath: s.repoPath}
}

// Cleanup prunes runs older than cutoff.
func (s *Service) Cleanup(cutoff time.Time) (int64, error) {
	return s.repo.Cleanup(cutoff)
}
