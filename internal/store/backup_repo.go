package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/model"
)

// BackupRepo persists backup run records.
type BackupRepo struct {
	db *sql.DB
}

// NewBackupRepo creates a repo over an open, migrated database.
func NewBackupRepo(db *sql.DB) *BackupRepo {
	return &BackupRepo{db: db}
}

// Upsert records a run. Repeated ingests of the same (site, job_type,
// started_at) tuple update the existing row, keeping ingestion idempotent
// against script retries.
func (r *BackupRepo) Upsert(run model.BackupRun) (int64, error) {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.Exec(`INSERT INTO backup_runs
		(site, job_type, status, started_at_ns, ended_at_ns, bytes_written, backup_id, repo, error, created_at_ns)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (site, job_type, started_at_ns) DO UPDATE SET
			status = excluded.status,
			ended_at_ns = excluded.ended_at_ns,
			bytes_written = excluded.bytes_written,
			backup_id = excluded.backup_id,
			repo = excluded.repo,
			error = excluded.error`,
		run.Site, string(run.JobType), string(run.Status),
		run.StartedAt.UnixNano(), run.EndedAt.UnixNano(),
		run.BytesWritten, run.BackupID, run.Repo, run.Error, created.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("backup upsert: %w", err)
	}

	var id int64
	err = r.db.QueryRow(`SELECT id FROM backup_runs WHERE site = ? AND job_type = ? AND started_at_ns = ?`,
		run.Site, string(run.JobType), run.StartedAt.UnixNano()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("backup upsert: read id: %w", err)
	}
	return id, nil
}

// RunFilter narrows a run listing.
type RunFilter struct {
	Site    string
	JobType string
	Limit   int
	Offset  int
}

// List returns runs ordered newest first.
func (r *BackupRepo) List(f RunFilter) ([]model.BackupRun, error) {
	var conds []string
	var args []any
	if f.Site != "" {
		conds = append(conds, "site = ?")
		args = append(args, f.Site)
	}
	if f.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, f.JobType)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`SELECT id, site, job_type, status, started_at_ns, ended_at_ns,
		bytes_written, backup_id, repo, error, created_at_ns
		FROM backup_runs`+where+` ORDER BY ended_at_ns DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("backup list: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Sites returns the distinct site names with at least one run, excluding the
// system pseudo-site.
func (r *BackupRepo) Sites() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT site FROM backup_runs WHERE job_type != 'system' ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("backup sites: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("backup sites scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestPerJob returns the most recent run for each job type of a site.
func (r *BackupRepo) LatestPerJob(site string) (map[model.BackupJobType]model.BackupRun, error) {
	rows, err := r.db.Query(`SELECT id, site, job_type, status, started_at_ns, ended_at_ns,
		bytes_written, backup_id, repo, error, created_at_ns
		FROM backup_runs
		WHERE site = ? AND id IN (
			SELECT id FROM backup_runs b2
			WHERE b2.site = backup_runs.site AND b2.job_type = backup_runs.job_type
			ORDER BY b2.ended_at_ns DESC, b2.id DESC LIMIT 1
		)`, site)
	if err != nil {
		return nil, fmt.Errorf("backup latest: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[model.BackupJobType]model.BackupRun, len(runs))
	for _, run := range runs {
		out[run.JobType] = run
	}
	return out, nil
}

// LatestOK returns the most recent successful run for a site across the
// given job types, or false when none exists.
func (r *BackupRepo) LatestOK(site string, jobTypes ...model.BackupJobType) (model.BackupRun, bool, error) {
	if len(jobTypes) == 0 {
		return model.BackupRun{}, false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobTypes)), ",")
	args := []any{site}
	for _, jt := range jobTypes {
		args = append(args, string(jt))
	}

	row := r.db.QueryRow(`SELECT id, site, job_type, status, started_at_ns, ended_at_ns,
		bytes_written, backup_id, repo, error, created_at_ns
		FROM backup_runs
		WHERE site = ? AND status = 'ok' AND job_type IN (`+placeholders+`)
		ORDER BY ended_at_ns DESC, id DESC LIMIT 1`, args...)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return model.BackupRun{}, false, nil
	}
	if err != nil {
		return model.BackupRun{}, false, fmt.Errorf("backup latest ok: %w", err)
	}
	return run, true, nil
}

// RestorePoints lists the successful snapshot-bearing runs for a site,
// newest first.
func (r *BackupRepo) RestorePoints(site string) ([]model.BackupRun, error) {
	rows, err := r.db.Query(`SELECT id, site, job_type, status, started_at_ns, ended_at_ns,
		bytes_written, backup_id, repo, error, created_at_ns
		FROM backup_runs
		WHERE site = ? AND status = 'ok' AND backup_id != ''
		ORDER BY ended_at_ns DESC, id DESC`, site)
	if err != nil {
		return nil, fmt.Errorf("backup restore points: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Cleanup deletes runs older than cutoff and returns the count removed.
func (r *BackupRepo) Cleanup(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM backup_runs WHERE ended_at_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("backup cleanup: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.BackupRun, error) {
	var (
		run          model.BackupRun
		jobType      string
		status       string
		startedNs    int64
		endedNs      int64
		createdNs    int64
		bytesWritten sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.Site, &jobType, &status, &startedNs, &endedNs,
		&bytesWritten, &run.BackupID, &run.Repo, &run.Error, &createdNs)
	if err != nil {
		return model.BackupRun{}, err
	}
	run.JobType = model.BackupJobType(jobType)
	run.Status = model.RunStatus(status)
	run.StartedAt = time.Unix(0, startedNs).UTC()
	run.EndedAt = time.Unix(0, endedNs).UTC()
	run.CreatedAt = time.Unix(0, createdNs).UTC()
	if bytesWritten.Valid {
		b := bytesWritten.Int64
		run.BytesWritten = &b
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]model.BackupRun, error) {
	var out []model.BackupRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("backup scan: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backup iterate: %w", err)
	}
	if out == nil {
		out = []model.BackupRun{}
	}
	return out, nil
}
