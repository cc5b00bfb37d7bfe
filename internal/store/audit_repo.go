package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/model"
)

// AuditRepo persists audit entries. Writes run through the single-connection
// db handle; entries are append-only except for the pending-to-terminal
// finalization.
type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a repo over an open, migrated database.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append inserts a new entry and returns its id.
func (r *AuditRepo) Append(e model.AuditEntry) (int64, error) {
	meta := "{}"
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("audit append: marshal metadata: %w", err)
		}
		meta = string(data)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	status := e.Status
	if status == "" {
		status = model.AuditPending
	}

	res, err := r.db.Exec(`INSERT INTO audit_log
		(timestamp_ns, action_type, target_type, target_name, status, output, error_message, metadata_json, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		ts.UnixNano(), e.ActionType, e.TargetType, e.TargetName, string(status),
		e.Output, e.ErrorMessage, meta, e.DurationMS)
	if err != nil {
		return 0, fmt.Errorf("audit append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit append: last id: %w", err)
	}
	return id, nil
}

// Finalize moves a pending entry to its terminal status.
func (r *AuditRepo) Finalize(id int64, status model.AuditStatus, output, errMsg string, durationMS int64) error {
	res, err := r.db.Exec(`UPDATE audit_log
		SET status = ?, output = ?, error_message = ?, duration_ms = ?
		WHERE id = ?`,
		string(status), output, errMsg, durationMS, id)
	if err != nil {
		return fmt.Errorf("audit finalize %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("audit finalize %d: rows: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("audit finalize %d: no such entry", id)
	}
	return nil
}

// AuditFilter narrows an audit query. Zero values are ignored.
type AuditFilter struct {
	ActionType string
	TargetType string
	TargetName string
	Status     string
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}

// Query returns matching entries ordered by timestamp desc, id desc, plus
// the total count for the filter.
func (r *AuditRepo) Query(f AuditFilter) ([]model.AuditEntry, int, error) {
	var conds []string
	var args []any
	addCond := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.ActionType != "" {
		addCond("action_type = ?", f.ActionType)
	}
	if f.TargetType != "" {
		addCond("target_type = ?", f.TargetType)
	}
	if f.TargetName != "" {
		addCond("target_name = ?", f.TargetName)
	}
	if f.Status != "" {
		addCond("status = ?", f.Status)
	}
	if !f.Start.IsZero() {
		addCond("timestamp_ns >= ?", f.Start.UnixNano())
	}
	if !f.End.IsZero() {
		addCond("timestamp_ns <= ?", f.End.UnixNano())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM audit_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit count: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, timestamp_ns, action_type, target_type, target_name,
		status, output, error_message, metadata_json, duration_ms
		FROM audit_log` + where + ` ORDER BY timestamp_ns DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := r.db.Query(query, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e        model.AuditEntry
			tsNs     int64
			status   string
			metaJSON string
			duration sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &tsNs, &e.ActionType, &e.TargetType, &e.TargetName,
			&status, &e.Output, &e.ErrorMessage, &metaJSON, &duration); err != nil {
			return nil, 0, fmt.Errorf("audit scan: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNs).UTC()
		e.Status = model.AuditStatus(status)
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
				e.Metadata = map[string]string{"unparseable": metaJSON}
			}
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMS = &d
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit iterate: %w", err)
	}
	if out == nil {
		out = []model.AuditEntry{}
	}
	return out, total, nil
}

// Cleanup deletes entries older than cutoff and returns the count removed.
func (r *AuditRepo) Cleanup(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM audit_log WHERE timestamp_ns < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}
