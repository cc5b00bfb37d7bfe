// Package audit wraps actions in durable envelopes: a pending entry written
// at start, finalized to success or failure when the action returns.
package audit

import (
	"log"
	"time"

	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
)

const truncationSuffix = "... [truncated]"

// Service records audit envelopes. Audit failures never fail the wrapped
// action; they are logged and swallowed.
type Service struct {
	repo         *store.AuditRepo
	maxOutputLen int
}

// NewService creates a service truncating captured output at maxOutputLen.
func NewService(repo *store.AuditRepo, maxOutputLen int) *Service {
	if maxOutputLen <= len(truncationSuffix) {
		maxOutputLen = 10000
	}
	return &Service{repo: repo, maxOutputLen: maxOutputLen}
}

// Begin writes the pending entry. A zero id means the write failed; Finish
// tolerates it.
func (s *Service) Begin(actionType, targetType, targetName string, metadata map[string]string) int64 {
	id, err := s.repo.Append(model.AuditEntry{
		Timestamp:  time.Now().UTC(),
		ActionType: actionType,
		TargetType: targetType,
		TargetName: targetName,
		Status:     model.AuditPending,
		Metadata:   metadata,
	})
	if err != nil {
		log.Printf("[audit] pending write failed for %s/%s: %v", actionType, targetName, err)
		return 0
	}
	return id
}

// Finish moves the entry to its terminal status with duration and truncated
// output.
func (s *Service) Finish(id int64, status model.AuditStatus, output, errMsg string, started time.Time) {
	if id == 0 {
		return
	}
	duration := time.Since(started).Milliseconds()
	if err := s.repo.Finalize(id, status, s.Truncate(output), errMsg, duration); err != nil {
		log.Printf("[audit] finalize %d failed: %v", id, err)
	}
}

// Truncate bounds output to the configured maximum, appending a marker when
// content was dropped.
func (s *Service) Truncate(output string) string {
	if len(output) <= s.maxOutputLen {
		return output
	}
	return output[:s.maxOutputLen-len(truncationSuffix)] + truncationSuffix
}

// Query proxies the repo's filtered query.
func (s *Service) Query(f store.AuditFilter) ([]model.AuditEntry, int, error) {
	return s.repo.Query(f)
}

// Cleanup prunes entries older than cutoff.
func (s *Service) Cleanup(cutoff time.Time) (int64, error) {
	return s.repo.Cleanup(cutoff)
}
