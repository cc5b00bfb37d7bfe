package api

import (
	"net/http"
	"time"

	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
)

// HandleAuditLogs returns a handler for GET /api/audit/logs. Filters:
// action_type, target_type, target_name, status, start, end (RFC3339).
func HandleAuditLogs(svc *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.AuditFilter{
			ActionType: q.Get("action_type"),
			TargetType: q.Get("target_type"),
			TargetName: q.Get("target_name"),
			Status:     q.Get("status"),
		}
		if v := q.Get("start"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeInvalidArgument(w, "start: invalid RFC3339 timestamp")
				return
			}
			filter.Start = t
		}
		if v := q.Get("end"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeInvalidArgument(w, "end: invalid RFC3339 timestamp")
				return
			}
			filter.End = t
		}

		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		filter.Limit = pg.Limit
		filter.Offset = pg.Offset

		entries, total, err := svc.Query(filter)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, PageResponse[model.AuditEntry]{
			Items:  entries,
			Total:  total,
			Limit:  pg.Limit,
			Offset: pg.Offset,
		})
	}
}

type auditCleanupRequest struct {
	Days int `json:"days,omitempty"`
}

// HandleAuditCleanup returns a handler for POST /api/audit/cleanup.
// A zero or missing days falls back to the configured retention.
func HandleAuditCleanup(svc *audit.Service, retentionDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req auditCleanupRequest
		if err := DecodeBody(r, &req); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		days := req.Days
		if days <= 0 {
			days = retentionDays
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		removed, err := svc.Cleanup(cutoff)
		if err != nil {
			writeAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	}
}
